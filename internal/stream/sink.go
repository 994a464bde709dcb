package stream

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/howard-nolan/difyrelay/internal/provider"
)

// Outcome is how a session ended.
type Outcome string

const (
	OutcomeDone         Outcome = "done"
	OutcomeError        Outcome = "error"
	OutcomeDisconnected Outcome = "disconnected"
)

// Sink delivers events to the original caller.
//
// Deliver blocks until the event is handed to the transport. Once the
// caller is gone it returns provider.ErrSinkDisconnected, and keeps
// returning it. Close is called exactly once per session, after the last
// Deliver.
type Sink interface {
	Deliver(ctx context.Context, ev Event) error
	Close(outcome Outcome)
}

// SSESink writes events as Server-Sent Events on an http.ResponseWriter.
//
// Headers are written on the first delivery, so a handler can still send
// a plain error status if the session is rejected before it starts.
type SSESink struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu      sync.Mutex
	started bool
	gone    bool
	closed  bool
	outcome Outcome
}

// NewSSESink returns an error if w cannot flush, since buffered SSE would
// hold every event until the handler returns.
func NewSSESink(w http.ResponseWriter) (*SSESink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing (http.Flusher)")
	}
	return &SSESink{w: w, flusher: flusher}, nil
}

// Deliver writes one event. message_chunk events go out as bare data
// records; everything else is named with an "event:" line.
//
// On the wire each event is one SSE record terminated by a blank line:
//
//	data: {"answer":"Hi"}
//
//	event: node_finished
//	data: {"event":"node_finished",...}
//
// Browsers' EventSource dispatches unnamed records to onmessage and named
// ones to listeners registered for that name, so text chunks land on the
// default handler while lifecycle events (done, error, workflow steps)
// can be told apart without parsing the payload. Each record is flushed
// right away; without the flush net/http would buffer the response and
// the client would see nothing until the session ended.
func (s *SSESink) Deliver(ctx context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gone || s.closed {
		return provider.ErrSinkDisconnected
	}
	if ctx.Err() != nil {
		s.gone = true
		return provider.ErrSinkDisconnected
	}

	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}

	var err error
	if ev.Kind == KindMessageChunk {
		_, err = fmt.Fprintf(s.w, "data: %s\n\n", ev.Payload)
	} else {
		_, err = fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Kind, ev.Payload)
	}
	if err != nil {
		s.gone = true
		return provider.ErrSinkDisconnected
	}
	s.flusher.Flush()
	return nil
}

// Close marks the stream finished. Later calls are ignored.
func (s *SSESink) Close(outcome Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.outcome = outcome
	if s.started && !s.gone {
		s.flusher.Flush()
	}
}
