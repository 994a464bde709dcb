// Package stream relays an upstream Dify event stream to a downstream
// client: it frames the upstream body, classifies each frame into a
// domain event, and drives one session per streaming call from open to
// a single terminal close.
package stream

import (
	"bufio"
	"bytes"
	"io"

	"github.com/tidwall/gjson"
)

const (
	dataPrefix   = "data: "
	doneSentinel = "[DONE]"

	// Workflow node_finished payloads carry full node outputs on one line,
	// which can be far larger than bufio's 64KB default.
	initialLineBytes = 64 << 10
	maxLineBytes     = 8 << 20
)

// Frame is one data line from the upstream stream.
type Frame struct {
	// Raw is the line with the "data: " prefix stripped and surrounding
	// whitespace trimmed.
	Raw string

	// JSON is Raw when it is a JSON object, nil otherwise. Scalars and
	// arrays are not valid frames.
	JSON []byte

	// Done marks the [DONE] sentinel.
	Done bool
}

// FrameReader reads an upstream body line by line and yields its data
// frames. Lines without the "data: " prefix (event names, ids, comments,
// blank keep-alives) are dropped.
//
// A FrameReader is good for one body. It never retries.
type FrameReader struct {
	sc   *bufio.Scanner
	done bool
}

// NewFrameReader wraps r.
func NewFrameReader(r io.Reader) *FrameReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, initialLineBytes), maxLineBytes)
	return &FrameReader{sc: sc}
}

// Next returns the next data frame. It returns io.EOF once the sequence
// is over: after the [DONE] frame or when the body closes cleanly. Any
// other error is a read failure on the upstream connection.
func (fr *FrameReader) Next() (Frame, error) {
	if fr.done {
		return Frame{}, io.EOF
	}

	for fr.sc.Scan() {
		line := fr.sc.Bytes()
		if !bytes.HasPrefix(line, []byte(dataPrefix)) {
			continue
		}

		payload := bytes.TrimSpace(line[len(dataPrefix):])
		if string(payload) == doneSentinel {
			fr.done = true
			return Frame{Raw: doneSentinel, Done: true}, nil
		}

		// The scanner reuses its buffer, so the frame gets its own copy.
		f := Frame{Raw: string(payload)}
		if len(payload) > 0 && gjson.ValidBytes(payload) && gjson.ParseBytes(payload).IsObject() {
			f.JSON = []byte(f.Raw)
		}
		return f, nil
	}

	fr.done = true
	if err := fr.sc.Err(); err != nil {
		return Frame{}, err
	}
	return Frame{}, io.EOF
}
