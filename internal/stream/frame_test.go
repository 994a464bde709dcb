package stream

import (
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// readAll drains a FrameReader, returning its frames and terminal error.
func readAll(fr *FrameReader) ([]Frame, error) {
	var frames []Frame
	for {
		f, err := fr.Next()
		if err != nil {
			return frames, err
		}
		frames = append(frames, f)
	}
}

func TestFrameReader_SkipsControlLines(t *testing.T) {
	body := strings.Join([]string{
		"event: message",
		": keep-alive comment",
		"",
		"id: 7",
		"data:{\"no\":\"space\"}",
		"data: {\"answer\":\"Hi\"}",
		"retry: 1000",
		"",
	}, "\n")

	frames, err := readAll(NewFrameReader(strings.NewReader(body)))
	assert.ErrorIs(t, err, io.EOF)
	require.Len(t, frames, 1)
	assert.Equal(t, `{"answer":"Hi"}`, frames[0].Raw)
	assert.JSONEq(t, `{"answer":"Hi"}`, string(frames[0].JSON))
	assert.False(t, frames[0].Done)
}

func TestFrameReader_DoneEndsSequence(t *testing.T) {
	body := "data: {\"a\":1}\n\ndata:  [DONE]  \n\ndata: {\"late\":true}\n\n"
	fr := NewFrameReader(strings.NewReader(body))

	frames, err := readAll(fr)
	assert.ErrorIs(t, err, io.EOF)
	require.Len(t, frames, 2)
	assert.True(t, frames[1].Done)
	assert.Nil(t, frames[1].JSON)

	// Still finished on later calls.
	_, err = fr.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrameReader_MalformedPayloadKeepsRaw(t *testing.T) {
	frames, err := readAll(NewFrameReader(strings.NewReader("data: {\"answer\": \n")))
	assert.ErrorIs(t, err, io.EOF)
	require.Len(t, frames, 1)
	assert.Equal(t, `{"answer":`, frames[0].Raw)
	assert.Nil(t, frames[0].JSON)
}

func TestFrameReader_NonObjectPayload(t *testing.T) {
	frames, err := readAll(NewFrameReader(strings.NewReader("data: 42\ndata: \"x\"\ndata: {\"a\":1}\n")))
	assert.ErrorIs(t, err, io.EOF)
	require.Len(t, frames, 3)
	assert.Nil(t, frames[0].JSON)
	assert.Equal(t, "42", frames[0].Raw)
	assert.Nil(t, frames[1].JSON)
	assert.Equal(t, `{"a":1}`, string(frames[2].JSON))
}

func TestFrameReader_BlankDataLine(t *testing.T) {
	frames, err := readAll(NewFrameReader(strings.NewReader("data:    \n")))
	assert.ErrorIs(t, err, io.EOF)
	require.Len(t, frames, 1)
	assert.Equal(t, "", frames[0].Raw)
	assert.Nil(t, frames[0].JSON)
}

func TestFrameReader_CRLF(t *testing.T) {
	frames, err := readAll(NewFrameReader(strings.NewReader("data: {\"a\":1}\r\n\r\ndata: [DONE]\r\n")))
	assert.ErrorIs(t, err, io.EOF)
	require.Len(t, frames, 2)
	assert.Equal(t, `{"a":1}`, frames[0].Raw)
	assert.True(t, frames[1].Done)
}

func TestFrameReader_ReadError(t *testing.T) {
	boom := errors.New("connection reset by peer")
	r := io.MultiReader(strings.NewReader("data: {\"a\":1}\n"), iotest.ErrReader(boom))

	frames, err := readAll(NewFrameReader(r))
	require.Len(t, frames, 1)
	assert.ErrorIs(t, err, boom)
}

func TestFrameReader_LargeLine(t *testing.T) {
	big := strings.Repeat("x", 512<<10)
	body := "data: {\"outputs\":\"" + big + "\"}\n"

	frames, err := readAll(NewFrameReader(strings.NewReader(body)))
	assert.ErrorIs(t, err, io.EOF)
	require.Len(t, frames, 1)
	assert.NotNil(t, frames[0].JSON)
}
