// Package stream reads the service's server-sent event feed. A Source opens
// a Stream, and a Stream yields one Frame per complete event in arrival order.
package stream

import (
	"bytes"
	"encoding/json"
	"strings"
)

var frameDelimiter = []byte("\n\n")

// Frame is one complete event from the feed.
type Frame struct {
	// ID is the last event id seen on the stream when this frame completed.
	ID string
	// Data is the concatenation of the frame's data lines joined by "\n".
	Data string
	// Payload holds the decoded JSON value, or Data itself when Data is not JSON.
	Payload any
	// JSON reports whether Payload was decoded from JSON.
	JSON bool
}

// Object returns the payload as a JSON object, if it is one.
func (f Frame) Object() (map[string]any, bool) {
	m, ok := f.Payload.(map[string]any)
	return m, ok
}

// Parser turns arbitrary chunks of the feed into frames. Segments are split
// on a blank line; a trailing partial segment stays buffered until more data
// arrives. Parser is not safe for concurrent use.
type Parser struct {
	buf    []byte
	lastID string
}

// NewParser creates a parser, optionally resuming from a known event id.
func NewParser(lastEventID string) *Parser {
	return &Parser{lastID: lastEventID}
}

// LastEventID returns the most recent id: value seen.
func (p *Parser) LastEventID() string {
	return p.lastID
}

// Buffered returns the number of bytes held for an incomplete frame.
func (p *Parser) Buffered() int {
	return len(p.buf)
}

// Reset discards any partial frame.
func (p *Parser) Reset() {
	p.buf = p.buf[:0]
}

// Feed appends chunk and returns every frame completed by it.
func (p *Parser) Feed(chunk []byte) []Frame {
	p.buf = append(p.buf, chunk...)

	var frames []Frame
	for {
		idx := bytes.Index(p.buf, frameDelimiter)
		if idx < 0 {
			break
		}
		segment := string(p.buf[:idx])
		p.buf = p.buf[idx+len(frameDelimiter):]

		if f, ok := p.parseSegment(segment); ok {
			frames = append(frames, f)
		}
	}

	if len(p.buf) == 0 && cap(p.buf) > 64<<10 {
		p.buf = nil
	}
	return frames
}

func (p *Parser) parseSegment(segment string) (Frame, bool) {
	var data []string
	for _, line := range strings.Split(segment, "\n") {
		line = strings.TrimSuffix(line, "\r")
		switch {
		case strings.HasPrefix(line, "data:"):
			data = append(data, fieldValue(line, "data:"))
		case strings.HasPrefix(line, "id:"):
			p.lastID = fieldValue(line, "id:")
		}
	}
	if len(data) == 0 {
		return Frame{}, false
	}
	return decodeFrame(p.lastID, strings.Join(data, "\n")), true
}

func fieldValue(line, prefix string) string {
	v := strings.TrimPrefix(line, prefix)
	return strings.TrimPrefix(v, " ")
}

func decodeFrame(id, data string) Frame {
	f := Frame{ID: id, Data: data, Payload: data}
	var v any
	if err := json.Unmarshal([]byte(data), &v); err == nil {
		f.Payload = v
		f.JSON = true
	}
	return f
}
