package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParserSplitsAcrossChunks(t *testing.T) {
	p := NewParser("")

	assert.Empty(t, p.Feed([]byte("data: {\"a\":")))
	assert.Positive(t, p.Buffered())

	frames := p.Feed([]byte("1}\n\ndata: x"))
	require.Len(t, frames, 1)
	assert.True(t, frames[0].JSON)
	assert.Equal(t, map[string]any{"a": float64(1)}, frames[0].Payload)

	frames = p.Feed([]byte("\n\n"))
	require.Len(t, frames, 1)
	assert.False(t, frames[0].JSON)
	assert.Equal(t, "x", frames[0].Payload)
	assert.Zero(t, p.Buffered())
}

func TestParserJoinsMultipleDataLines(t *testing.T) {
	p := NewParser("")
	frames := p.Feed([]byte("data: line one\ndata:line two\n\n"))
	require.Len(t, frames, 1)
	assert.Equal(t, "line one\nline two", frames[0].Data)
	assert.False(t, frames[0].JSON)
}

func TestParserMultilineJSON(t *testing.T) {
	p := NewParser("")
	frames := p.Feed([]byte("data: {\"type\":\ndata: \"session.idle\"}\n\n"))
	require.Len(t, frames, 1)
	obj, ok := frames[0].Object()
	require.True(t, ok)
	assert.Equal(t, "session.idle", obj["type"])
}

func TestParserTracksIDAndDropsFramesWithoutData(t *testing.T) {
	p := NewParser("resume-0")
	assert.Equal(t, "resume-0", p.LastEventID())

	frames := p.Feed([]byte("id: 7\n\n: comment\n\nid: 8\nevent: message\ndata: {}\n\n"))
	require.Len(t, frames, 1)
	assert.Equal(t, "8", frames[0].ID)
	assert.Equal(t, "8", p.LastEventID())
}

func TestParserStripsCarriageReturns(t *testing.T) {
	p := NewParser("")
	frames := p.Feed([]byte("id: 3\r\ndata: {\"ok\":true}\r\n\n"))
	require.Len(t, frames, 1)
	assert.Equal(t, "3", frames[0].ID)
	assert.True(t, frames[0].JSON)
}

func TestParserEmptyDataYieldsEmptyRawFrame(t *testing.T) {
	p := NewParser("")
	frames := p.Feed([]byte("data:\n\n"))
	require.Len(t, frames, 1)
	assert.Equal(t, "", frames[0].Data)
	assert.False(t, frames[0].JSON)
}

func TestParserResetDropsPartial(t *testing.T) {
	p := NewParser("")
	p.Feed([]byte("data: partial"))
	p.Reset()
	assert.Zero(t, p.Buffered())
	assert.Empty(t, p.Feed([]byte("\n\n")))
}
