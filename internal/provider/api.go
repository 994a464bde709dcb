package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"

	"github.com/tidwall/gjson"
)

// The calls below are thin pass-throughs to the rest of the Dify app API.
// They share the blocking path's timeout and error mapping, and return
// the upstream JSON as-is.

// Call runs one JSON request against path and returns the decoded body.
// A nil body sends no payload.
func (c *Client) Call(ctx context.Context, apiKey, method, path string, query url.Values, body any) (map[string]any, error) {
	raw, err := c.callRaw(ctx, apiKey, method, path, query, body, "application/json")
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]any{"result": "success"}, nil
	}
	return decodeObject(raw)
}

func (c *Client) callRaw(ctx context.Context, apiKey, method, path string, query url.Values, body any, accept string) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, NewInternalError("encoding upstream request", err)
		}
		reader = bytes.NewReader(raw)
	}
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	return c.do(ctx, method, path, reader, apiKey, accept)
}

// StopTask asks upstream to stop a running streaming task.
func (c *Client) StopTask(ctx context.Context, apiKey string, domain Domain, taskID, user string) (map[string]any, error) {
	var path string
	switch domain {
	case DomainChat:
		path = "/chat-messages/" + url.PathEscape(taskID) + "/stop"
	case DomainCompletion:
		path = "/completion-messages/" + url.PathEscape(taskID) + "/stop"
	case DomainWorkflow:
		path = "/workflows/tasks/" + url.PathEscape(taskID) + "/stop"
	default:
		return nil, NewValidationError("unknown domain " + string(domain))
	}
	return c.Call(ctx, apiKey, http.MethodPost, path, nil, map[string]string{"user": user})
}

// Feedback records a like/dislike on a message.
func (c *Client) Feedback(ctx context.Context, apiKey, messageID, rating, user, content string) (map[string]any, error) {
	body := map[string]any{"rating": rating, "user": user}
	if content != "" {
		body["content"] = content
	}
	return c.Call(ctx, apiKey, http.MethodPost, "/messages/"+url.PathEscape(messageID)+"/feedbacks", nil, body)
}

// SuggestedQuestions returns the follow-up questions for a message. A
// "data" field that is missing or not a list of strings yields an empty
// slice rather than an error.
func (c *Client) SuggestedQuestions(ctx context.Context, apiKey, messageID, user string) ([]string, error) {
	raw, err := c.callRaw(ctx, apiKey, http.MethodGet, "/messages/"+url.PathEscape(messageID)+"/suggested",
		url.Values{"user": {user}}, nil, "application/json")
	if err != nil {
		return nil, err
	}

	out := []string{}
	data := gjson.GetBytes(raw, "data")
	if !data.IsArray() {
		return out, nil
	}
	for _, item := range data.Array() {
		if item.Type != gjson.String {
			return []string{}, nil
		}
		out = append(out, item.String())
	}
	return out, nil
}

// PageQuery carries the optional paging parameters of list endpoints.
type PageQuery struct {
	User    string
	FirstID string
	LastID  string
	Limit   int
	SortBy  string
}

func (q PageQuery) values() url.Values {
	v := url.Values{"user": {q.User}}
	if q.FirstID != "" {
		v.Set("first_id", q.FirstID)
	}
	if q.LastID != "" {
		v.Set("last_id", q.LastID)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.SortBy != "" {
		v.Set("sort_by", q.SortBy)
	}
	return v
}

// Messages lists a conversation's history.
func (c *Client) Messages(ctx context.Context, apiKey, conversationID string, q PageQuery) (map[string]any, error) {
	v := q.values()
	v.Set("conversation_id", conversationID)
	return c.Call(ctx, apiKey, http.MethodGet, "/messages", v, nil)
}

// Conversations lists a user's conversations.
func (c *Client) Conversations(ctx context.Context, apiKey string, q PageQuery) (map[string]any, error) {
	return c.Call(ctx, apiKey, http.MethodGet, "/conversations", q.values(), nil)
}

// DeleteConversation removes a conversation.
func (c *Client) DeleteConversation(ctx context.Context, apiKey, conversationID, user string) (map[string]any, error) {
	return c.Call(ctx, apiKey, http.MethodDelete, "/conversations/"+url.PathEscape(conversationID), nil,
		map[string]string{"user": user})
}

// RenameConversation sets a conversation's name. With an empty name the
// upstream generates one instead; autoGenerate defaults to true then.
func (c *Client) RenameConversation(ctx context.Context, apiKey, conversationID, name string, autoGenerate *bool, user string) (map[string]any, error) {
	body := map[string]any{"user": user}
	if name != "" {
		body["name"] = name
	} else {
		gen := true
		if autoGenerate != nil {
			gen = *autoGenerate
		}
		body["auto_generate"] = gen
	}
	return c.Call(ctx, apiKey, http.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/name", nil, body)
}

// WorkflowRun fetches the status and outputs of a workflow run.
func (c *Client) WorkflowRun(ctx context.Context, apiKey, runID string) (map[string]any, error) {
	return c.Call(ctx, apiKey, http.MethodGet, "/workflows/run/"+url.PathEscape(runID), nil, nil)
}

// Info returns the app's basic information.
func (c *Client) Info(ctx context.Context, apiKey string) (map[string]any, error) {
	return c.Call(ctx, apiKey, http.MethodGet, "/info", nil, nil)
}

// Meta returns the app's meta information (tool icons and the like).
func (c *Client) Meta(ctx context.Context, apiKey string) (map[string]any, error) {
	return c.Call(ctx, apiKey, http.MethodGet, "/meta", nil, nil)
}

// Parameters fetches and decodes the app's input form and feature flags.
func (c *Client) Parameters(ctx context.Context, apiKey string) (*Parameters, error) {
	raw, err := c.callRaw(ctx, apiKey, http.MethodGet, "/parameters", nil, nil, "application/json")
	if err != nil {
		return nil, err
	}
	p := DecodeParameters(raw)
	return &p, nil
}

// Audio is a binary upstream response.
type Audio struct {
	ContentType string
	Data        []byte
}

// TextToAudio converts a message or free text to speech.
func (c *Client) TextToAudio(ctx context.Context, apiKey, messageID, text, user string) (*Audio, error) {
	body := map[string]string{"user": user}
	if messageID != "" {
		body["message_id"] = messageID
	}
	if text != "" {
		body["text"] = text
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, NewInternalError("encoding upstream request", err)
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	httpReq, err := c.newRequest(ctx, http.MethodPost, "/text-to-audio", bytes.NewReader(raw), apiKey, "application/octet-stream")
	if err != nil {
		return nil, err
	}
	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, transportError(err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodyBytes))
	if err != nil {
		return nil, transportError(err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, statusError(httpResp.StatusCode, data)
	}
	return &Audio{ContentType: httpResp.Header.Get("Content-Type"), Data: data}, nil
}

// UploadFile re-posts a caller's file to upstream for later use in a
// chat's files list.
func (c *Client) UploadFile(ctx context.Context, apiKey, fileName string, content io.Reader, user string) (map[string]any, error) {
	return c.upload(ctx, apiKey, "/files/upload", fileName, content, user)
}

// AudioToText transcribes an uploaded audio file.
func (c *Client) AudioToText(ctx context.Context, apiKey, fileName string, content io.Reader, user string) (map[string]any, error) {
	return c.upload(ctx, apiKey, "/audio-to-text", fileName, content, user)
}

func (c *Client) upload(ctx context.Context, apiKey, path, fileName string, content io.Reader, user string) (map[string]any, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		return nil, NewInternalError("building multipart body", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return nil, NewInternalError("reading upload", err)
	}
	if err := mw.WriteField("user", user); err != nil {
		return nil, NewInternalError("building multipart body", err)
	}
	if err := mw.Close(); err != nil {
		return nil, NewInternalError("building multipart body", err)
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	httpReq, err := c.newRequest(ctx, http.MethodPost, path, &buf, apiKey, "application/json")
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	raw, err := c.send(httpReq)
	if err != nil {
		return nil, err
	}
	return decodeObject(raw)
}
