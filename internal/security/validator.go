package security

import (
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// IsSessionID reports whether id has the canonical form the registry
// hands out (lowercase, hyphenated UUID).
func IsSessionID(id string) bool {
	u, err := uuid.Parse(id)
	return err == nil && u.String() == id
}

// OriginAllowed matches a browser Origin header against the configured
// list. Devices send no Origin and an empty list admits every origin.
func OriginAllowed(origin string, allowed []string) bool {
	if origin == "" || len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

// SanitizeCommand strips control characters from an operator text command
// so that only printable text reaches device firmware.
func SanitizeCommand(cmd string) string {
	return strings.TrimSpace(strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\t' {
			return -1
		}
		return r
	}, cmd))
}
