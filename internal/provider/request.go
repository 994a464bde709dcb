package provider

import (
	"encoding/json"
	"strings"
)

// difyRequest is the JSON body Dify's chat-messages, completion-messages,
// and workflows/run endpoints accept. Optional fields use omitempty so
// an absent value never reaches the wire as null.
type difyRequest struct {
	// Query is a pointer because chat sends it even when empty, while
	// workflow must never send it.
	Query            *string          `json:"query,omitempty"`
	Inputs           map[string]any   `json:"inputs"`
	User             string           `json:"user"`
	ResponseMode     Mode             `json:"response_mode"`
	ConversationID   string           `json:"conversation_id,omitempty"`
	Files            []map[string]any `json:"files,omitempty"`
	AutoGenerateName *bool            `json:"auto_generate_name,omitempty"`
}

// Build validates p and assembles the upstream request for domain and
// mode. It performs no I/O, so a ValidationError always surfaces before
// anything is sent.
//
// Field rules:
//   - inputs, user, response_mode are always present (inputs defaults to {})
//   - query only for chat and completion; supplying one for workflow fails
//   - conversation_id only when non-empty
//   - auto_generate_name only when there is no conversation_id; a
//     conversation that already exists has its name fixed
//   - files only when non-empty
func Build(domain Domain, mode Mode, p Params, apiKey string) (*UpstreamRequest, error) {
	if strings.TrimSpace(p.User) == "" {
		return nil, NewValidationError("user is required")
	}
	if domain.path() == "" {
		return nil, NewValidationError("unknown domain " + string(domain))
	}
	if mode != ModeStreaming && mode != ModeBlocking {
		return nil, NewValidationError("unknown response mode " + string(mode))
	}
	if domain == DomainWorkflow && p.Query != "" {
		return nil, NewValidationError("workflow requests take inputs only, not query")
	}

	body := difyRequest{
		Inputs:       p.Inputs,
		User:         p.User,
		ResponseMode: mode,
	}
	if body.Inputs == nil {
		body.Inputs = map[string]any{}
	}
	if domain != DomainWorkflow {
		q := p.Query
		body.Query = &q
	}
	if len(p.Files) > 0 {
		body.Files = p.Files
	}

	if p.ConversationID != "" {
		body.ConversationID = p.ConversationID
	} else if p.AutoGenerateName != nil {
		v := *p.AutoGenerateName
		body.AutoGenerateName = &v
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, NewInternalError("encoding upstream request", err)
	}

	return &UpstreamRequest{
		Domain: domain,
		Mode:   mode,
		Path:   domain.path(),
		Body:   raw,
		APIKey: apiKey,
	}, nil
}
