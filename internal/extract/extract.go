// Package extract turns uploaded document bytes into plain text for
// indexing. Extractors are selected by MIME type.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ErrUnsupportedType is returned for MIME types no extractor handles.
// It is deliberately non-retryable: the bytes will not change.
var ErrUnsupportedType = errors.New("extract: unsupported MIME type")

// Extractor converts document bytes of one family of MIME types to text.
type Extractor interface {
	Extract(ctx context.Context, data []byte, mimeType string) (string, error)
	Supports(mimeType string) bool
}

// Registry routes extraction by MIME type across registered extractors.
type Registry struct {
	extractors []Extractor
}

// NewRegistry returns a registry with the built-in extractors.
func NewRegistry() *Registry {
	return &Registry{extractors: []Extractor{&PlainText{}}}
}

// Register adds an extractor. Later registrations take precedence.
func (r *Registry) Register(e Extractor) {
	r.extractors = append([]Extractor{e}, r.extractors...)
}

// Extract runs the first extractor that supports the MIME type.
func (r *Registry) Extract(ctx context.Context, data []byte, mimeType string) (string, error) {
	base := baseMIME(mimeType)
	for _, e := range r.extractors {
		if e.Supports(base) {
			return e.Extract(ctx, data, base)
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedType, mimeType)
}

// Supports reports whether any extractor handles the MIME type.
func (r *Registry) Supports(mimeType string) bool {
	base := baseMIME(mimeType)
	for _, e := range r.extractors {
		if e.Supports(base) {
			return true
		}
	}
	return false
}

func baseMIME(mimeType string) string {
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = mimeType[:i]
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}

// PlainText handles text/* and a few text-shaped application types.
type PlainText struct{}

var plainTextTypes = map[string]bool{
	"application/json":         true,
	"application/xml":          true,
	"application/csv":          true,
	"application/x-yaml":       true,
	"application/markdown":     true,
	"application/x-ndjson":     true,
	"application/sql":          true,
	"application/javascript":   true,
	"application/x-httpd-php":  true,
	"application/x-sh":         true,
	"application/rtf":          false, // binary-ish framing, needs a real parser
	"application/octet-stream": false,
}

func (p *PlainText) Supports(mimeType string) bool {
	if strings.HasPrefix(mimeType, "text/") {
		return true
	}
	return plainTextTypes[mimeType]
}

func (p *PlainText) Extract(ctx context.Context, data []byte, mimeType string) (string, error) {
	// Strip a UTF-8 BOM and reject content that is not valid text.
	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})
	if !utf8.Valid(data) {
		return "", fmt.Errorf("extract: %s content is not valid UTF-8", mimeType)
	}
	return strings.TrimSpace(string(data)), nil
}
