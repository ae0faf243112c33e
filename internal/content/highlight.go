// Package content formats raw event frames for terminal display.
package content

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/alecthomas/chroma"
	"github.com/alecthomas/chroma/formatters"
	"github.com/alecthomas/chroma/lexers"
	"github.com/alecthomas/chroma/styles"

	"github.com/universal-console/agentlink/internal/stream"
)

const (
	DefaultTheme     = "monokai"
	DefaultFormatter = "terminal256"
)

// Highlighter applies syntax highlighting using chroma.
type Highlighter struct {
	mu        sync.RWMutex
	formatter chroma.Formatter
	style     *chroma.Style
	theme     string
}

// NewHighlighter returns a highlighter for the named chroma style and
// formatter. Unknown names fall back to chroma's defaults.
func NewHighlighter(theme, formatter string) *Highlighter {
	f := formatters.Get(formatter)
	if f == nil {
		f = formatters.Fallback
	}
	s := styles.Get(theme)
	if s == nil {
		s = styles.Fallback
	}
	return &Highlighter{formatter: f, style: s, theme: theme}
}

// Highlight formats code written in language. On failure the input is
// returned unchanged along with the error.
func (h *Highlighter) Highlight(code, language string) (string, error) {
	lexer := lexers.Get(language)
	if lexer == nil {
		lexer = lexers.Analyse(code)
	}
	if lexer == nil {
		lexer = lexers.Fallback
	}
	lexer = chroma.Coalesce(lexer)

	iterator, err := lexer.Tokenise(nil, code)
	if err != nil {
		return code, err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	var out strings.Builder
	if err := h.formatter.Format(&out, h.style, iterator); err != nil {
		return code, err
	}
	return out.String(), nil
}

// SetTheme switches the chroma style.
func (h *Highlighter) SetTheme(theme string) error {
	s, ok := styles.Registry[theme]
	if !ok {
		return fmt.Errorf("theme '%s' not found", theme)
	}
	h.mu.Lock()
	h.style = s
	h.theme = theme
	h.mu.Unlock()
	return nil
}

func (h *Highlighter) Theme() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.theme
}

// FormatFrame renders a frame for `tail --raw`: JSON payloads are indented
// and highlighted, anything else is printed as received. The event id, if
// any, prefixes the output.
func (h *Highlighter) FormatFrame(f stream.Frame) string {
	var body string
	if f.JSON {
		var buf bytes.Buffer
		if err := json.Indent(&buf, []byte(f.Data), "", "  "); err == nil {
			body, _ = h.Highlight(buf.String(), "json")
		} else {
			body = f.Data
		}
	} else {
		body = f.Data
	}
	body = strings.TrimRight(body, "\n")
	if f.ID != "" {
		return fmt.Sprintf("id: %s\n%s", f.ID, body)
	}
	return body
}
