package ui

import "embed"

//go:embed *.html
var Templates embed.FS
