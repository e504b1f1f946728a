package storage

import (
	"mime"
	"net/http"
	"path/filepath"
	"strings"
)

// DetectContentType prefers the provided type, then the extension, then
// sniffing the first bytes of data.
func DetectContentType(provided, filename string, data []byte) string {
	if provided != "" {
		return provided
	}
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename))); ct != "" {
		return ct
	}
	if len(data) > 0 {
		return http.DetectContentType(data)
	}
	return "application/octet-stream"
}

// BaseType strips parameters and normalises case: "Image/PNG; q=1" -> "image/png"
func BaseType(contentType string) string {
	base, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(base))
}
