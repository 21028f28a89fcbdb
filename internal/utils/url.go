package utils

import (
	"strings"

	"telegate/internal/constants"
)

// NormalizeServerURL trims the trailing slash and reports whether TLS
// verification should be skipped for local gateways.
func NormalizeServerURL(serverURL string) (string, bool) {
	serverURL = strings.TrimSuffix(serverURL, "/")
	useHTTPS := strings.HasPrefix(serverURL, "https://") || strings.HasPrefix(serverURL, "wss://")
	skipTLSVerify := useHTTPS && (strings.Contains(serverURL, "localhost") ||
		strings.Contains(serverURL, "127.0.0.1"))
	return serverURL, skipTLSVerify
}

// WebSocketURL turns a gateway base URL into its device endpoint URL.
func WebSocketURL(serverURL string) string {
	u, _ := NormalizeServerURL(serverURL)
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	case strings.HasPrefix(u, "ws://"), strings.HasPrefix(u, "wss://"):
	default:
		u = "ws://" + u
	}
	if strings.HasSuffix(u, constants.EndpointWebSocket) {
		return u
	}
	return u + constants.EndpointWebSocket
}
