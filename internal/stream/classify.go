package stream

import (
	"encoding/json"
	"strings"

	"github.com/howard-nolan/difyrelay/internal/provider"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Event kinds the relay itself produces. Workflow kinds are whatever the
// upstream "event" field says, so they are not enumerated here beyond the
// ones the relay has to recognize.
const (
	KindMessageChunk     = "message_chunk"
	KindDone             = "done"
	KindError            = "error"
	KindWorkflowFinished = "workflow_finished"

	// kindUntagged is used for a workflow payload with no event field.
	kindUntagged = "message"
)

// Event is one classified unit forwarded downstream.
type Event struct {
	Kind     string
	Payload  json.RawMessage
	Terminal bool

	// Err is set on every error event: raised locally or decoded from an
	// upstream error payload.
	Err *provider.Error
}

// Succeeded reports whether a terminal event ends the session cleanly.
func (e Event) Succeeded() bool {
	return e.Kind == KindDone || e.Kind == KindWorkflowFinished
}

// DoneEvent is the terminal success event.
func DoneEvent() Event {
	return Event{Kind: KindDone, Payload: json.RawMessage(`{}`), Terminal: true}
}

// ErrorEvent wraps err as a terminal error event whose payload is
// {"kind","code","message"}.
func ErrorEvent(err error) Event {
	e := provider.AsError(err)
	if e == nil {
		e = provider.NewInternalError("unspecified relay error", nil)
	}
	payload := []byte(`{}`)
	payload, _ = sjson.SetBytes(payload, "kind", string(e.Kind))
	payload, _ = sjson.SetBytes(payload, "code", e.Code)
	payload, _ = sjson.SetBytes(payload, "message", e.Message)
	return Event{Kind: KindError, Payload: payload, Terminal: true, Err: e}
}

// Classify maps a frame to the event for domain. ok is false when the
// frame is dropped without an event.
func Classify(domain provider.Domain, f Frame) (ev Event, ok bool) {
	if f.Done {
		return DoneEvent(), true
	}

	if f.JSON == nil {
		// Blank data lines are keep-alives in every domain.
		if strings.TrimSpace(f.Raw) == "" {
			return Event{}, false
		}
		return ErrorEvent(provider.NewFrameParseError(f.Raw)), true
	}

	if domain != provider.DomainWorkflow {
		return Event{Kind: KindMessageChunk, Payload: json.RawMessage(f.JSON)}, true
	}

	kind := kindUntagged
	if v := gjson.GetBytes(f.JSON, "event"); v.Type == gjson.String && v.String() != "" {
		kind = v.String()
	}
	ev = Event{
		Kind:     kind,
		Payload:  json.RawMessage(f.JSON),
		Terminal: kind == KindWorkflowFinished || kind == KindError,
	}
	if kind == KindError {
		ev.Err = provider.ErrorFromBody(f.JSON, int(gjson.GetBytes(f.JSON, "status").Int()))
	}
	return ev, true
}
