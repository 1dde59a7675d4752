package utils

import (
	"strings"
)

// MaskID shortens an identifier for logging (shows first 8 chars)
func MaskID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8] + "***"
}

// JoinURL joins a base URL and a path without doubling slashes
func JoinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

// WebSocketURL converts http:// to ws:// and https:// to wss://
func WebSocketURL(url string) string {
	if after, ok := strings.CutPrefix(url, "http://"); ok {
		return "ws://" + after
	}
	if after, ok := strings.CutPrefix(url, "https://"); ok {
		return "wss://" + after
	}
	return url
}
