package compressor

import (
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// DetectMIME returns the media type of a source file without parameters.
// The declared type wins; content is sniffed only when nothing useful was
// declared.
func DetectMIME(declared string, data []byte) string {
	m := normalizeMIME(declared)
	if m == "" || m == "application/octet-stream" {
		m = normalizeMIME(mimetype.Detect(data).String())
	}
	return m
}

// IsImageMIME reports whether m names an image type.
func IsImageMIME(m string) bool {
	return strings.HasPrefix(m, "image/")
}

func normalizeMIME(m string) string {
	if i := strings.IndexByte(m, ';'); i >= 0 {
		m = m[:i]
	}
	return strings.ToLower(strings.TrimSpace(m))
}
