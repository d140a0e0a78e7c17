// Package extract turns crawled page payloads into plain text ready for
// chunking. Dispatch is on the page's MIME type; pages without one are
// treated as HTML, which is what crawlers overwhelmingly hand us.
package extract

import (
	"errors"
	"fmt"
	"mime"
	"strings"
)

// ErrUnsupportedType is returned for MIME types no extractor handles.
var ErrUnsupportedType = errors.New("unsupported content type")

// MIME types with dedicated extractors
const (
	TypeHTML     = "text/html"
	TypePlain    = "text/plain"
	TypeMarkdown = "text/markdown"
)

// Text extracts readable text from content tagged with mimeType. Media type
// parameters such as charset are ignored; an empty mimeType means HTML.
func Text(content, mimeType string) (string, error) {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if mt == "" {
		mt = TypeHTML
	} else if parsed, _, err := mime.ParseMediaType(mt); err == nil {
		mt = parsed
	}

	switch mt {
	case TypeHTML, "application/xhtml+xml":
		return HTML(content)
	case TypePlain, TypeMarkdown, "text/x-markdown":
		// Already text; markdown chunks fine as-is.
		return strings.TrimSpace(content), nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedType, mimeType)
	}
}
