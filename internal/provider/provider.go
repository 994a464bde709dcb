// Package provider talks to the upstream Dify API.
//
// It owns three things: building the outbound request body for each
// domain (chat, completion, workflow) and mode (streaming, blocking),
// the HTTP client that opens streams and runs blocking calls, and the
// typed error taxonomy every caller sees. The stream package consumes
// the streaming side; server handlers consume the blocking and
// pass-through sides.
package provider

import (
	"fmt"
	"strings"
)

// Domain selects which upstream endpoint family a request targets.
type Domain string

const (
	DomainChat       Domain = "chat"
	DomainCompletion Domain = "completion"
	DomainWorkflow   Domain = "workflow"
)

// ParseDomain accepts the domain names used on the inbound surface.
func ParseDomain(s string) (Domain, error) {
	switch d := Domain(strings.ToLower(strings.TrimSpace(s))); d {
	case DomainChat, DomainCompletion, DomainWorkflow:
		return d, nil
	default:
		return "", NewValidationError(fmt.Sprintf("unknown domain %q", s))
	}
}

// path returns the upstream endpoint for the domain.
func (d Domain) path() string {
	switch d {
	case DomainChat:
		return "/chat-messages"
	case DomainCompletion:
		return "/completion-messages"
	case DomainWorkflow:
		return "/workflows/run"
	}
	return ""
}

// Mode is the upstream response_mode value.
type Mode string

const (
	ModeStreaming Mode = "streaming"
	ModeBlocking  Mode = "blocking"
)

// accept is the Accept header negotiated for the mode.
func (m Mode) accept() string {
	if m == ModeStreaming {
		return "text/event-stream"
	}
	return "application/json"
}

// Params is what a caller hands the gateway for one chat, completion, or
// workflow call. It mirrors the inbound JSON body.
type Params struct {
	Query          string           `json:"query,omitempty"`
	Inputs         map[string]any   `json:"inputs,omitempty"`
	User           string           `json:"user"`
	ConversationID string           `json:"conversationId,omitempty"`
	Files          []map[string]any `json:"files,omitempty"`

	// AutoGenerateName is a pointer so "not supplied" differs from false.
	AutoGenerateName *bool `json:"autoGenerateName,omitempty"`
}

// UpstreamRequest is a fully built outbound call. Build is the only
// constructor, so Mode always agrees with Body's response_mode.
type UpstreamRequest struct {
	Domain Domain
	Mode   Mode
	Path   string
	Body   []byte
	APIKey string
}
