package server

import (
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/howard-nolan/difyrelay/internal/provider"
)

// maxUploadBytes caps multipart uploads held in memory.
const maxUploadBytes = 32 << 20

// userBody is the minimal body several pass-through calls accept.
type userBody struct {
	User string `json:"user"`
}

// requireUser returns a validation error when user is blank.
func requireUser(user string) error {
	if user == "" {
		return provider.NewValidationError("user is required")
	}
	return nil
}

// respond writes resp or err.
func respond(w http.ResponseWriter, resp any, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStop(domain provider.Domain) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		app, ok := s.appFor(w, r, domain)
		if !ok {
			return
		}
		var body userBody
		if err := decodeBody(r, &body); err != nil {
			writeError(w, err)
			return
		}
		if err := requireUser(body.User); err != nil {
			writeError(w, err)
			return
		}
		resp, err := s.client.StopTask(r.Context(), app.APIKey, domain, chi.URLParam(r, "taskId"), body.User)
		respond(w, resp, err)
	}
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	app, ok := s.appFor(w, r, "")
	if !ok {
		return
	}
	var body struct {
		Rating  string `json:"rating"`
		User    string `json:"user"`
		Content string `json:"content"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := requireUser(body.User); err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.client.Feedback(r.Context(), app.APIKey, chi.URLParam(r, "messageId"), body.Rating, body.User, body.Content)
	respond(w, resp, err)
}

// handleSuggested returns follow-up questions, or nothing when the app
// has suggestions after answers switched off.
func (s *Server) handleSuggested(w http.ResponseWriter, r *http.Request) {
	app, ok := s.appFor(w, r, "")
	if !ok {
		return
	}
	if app.ID != "" && !app.SuggestAfterAnswer {
		writeJSON(w, http.StatusOK, []string{})
		return
	}
	user := r.URL.Query().Get("user")
	if err := requireUser(user); err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.client.SuggestedQuestions(r.Context(), app.APIKey, chi.URLParam(r, "messageId"), user)
	respond(w, resp, err)
}

// pageQuery reads the shared paging parameters of list endpoints.
func pageQuery(r *http.Request) (provider.PageQuery, error) {
	q := r.URL.Query()
	page := provider.PageQuery{
		User:    q.Get("user"),
		FirstID: q.Get("firstId"),
		LastID:  q.Get("lastId"),
		SortBy:  q.Get("sortBy"),
	}
	if err := requireUser(page.User); err != nil {
		return page, err
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return page, provider.NewValidationError("limit must be a positive integer")
		}
		page.Limit = limit
	}
	return page, nil
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	app, ok := s.appFor(w, r, provider.DomainChat)
	if !ok {
		return
	}
	page, err := pageQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	conversationID := r.URL.Query().Get("conversationId")
	if conversationID == "" {
		writeError(w, provider.NewValidationError("conversationId is required"))
		return
	}
	resp, err := s.client.Messages(r.Context(), app.APIKey, conversationID, page)
	respond(w, resp, err)
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	app, ok := s.appFor(w, r, provider.DomainChat)
	if !ok {
		return
	}
	page, err := pageQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.client.Conversations(r.Context(), app.APIKey, page)
	respond(w, resp, err)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	app, ok := s.appFor(w, r, provider.DomainChat)
	if !ok {
		return
	}
	body := userBody{User: r.URL.Query().Get("user")}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := requireUser(body.User); err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.client.DeleteConversation(r.Context(), app.APIKey, chi.URLParam(r, "conversationId"), body.User)
	respond(w, resp, err)
}

func (s *Server) handleRenameConversation(w http.ResponseWriter, r *http.Request) {
	app, ok := s.appFor(w, r, provider.DomainChat)
	if !ok {
		return
	}
	var body struct {
		Name         string `json:"name"`
		AutoGenerate *bool  `json:"autoGenerate"`
		User         string `json:"user"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := requireUser(body.User); err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.client.RenameConversation(r.Context(), app.APIKey, chi.URLParam(r, "conversationId"),
		body.Name, body.AutoGenerate, body.User)
	respond(w, resp, err)
}

func (s *Server) handleWorkflowRun(w http.ResponseWriter, r *http.Request) {
	app, ok := s.appFor(w, r, provider.DomainWorkflow)
	if !ok {
		return
	}
	resp, err := s.client.WorkflowRun(r.Context(), app.APIKey, chi.URLParam(r, "runId"))
	respond(w, resp, err)
}

// uploadFunc is the shape of the client's multipart re-post calls.
type uploadFunc func(r *http.Request, apiKey, fileName string, file io.Reader, user string) (map[string]any, error)

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	s.handleMultipart(w, r, func(r *http.Request, apiKey, fileName string, file io.Reader, user string) (map[string]any, error) {
		return s.client.UploadFile(r.Context(), apiKey, fileName, file, user)
	})
}

func (s *Server) handleAudioToText(w http.ResponseWriter, r *http.Request) {
	s.handleMultipart(w, r, func(r *http.Request, apiKey, fileName string, file io.Reader, user string) (map[string]any, error) {
		return s.client.AudioToText(r.Context(), apiKey, fileName, file, user)
	})
}

// handleMultipart reads the "file" and "user" form fields and hands them
// to upload.
func (s *Server) handleMultipart(w http.ResponseWriter, r *http.Request, upload uploadFunc) {
	app, ok := s.appFor(w, r, "")
	if !ok {
		return
	}
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, provider.NewValidationError("invalid multipart form: "+err.Error()))
		return
	}
	user := r.FormValue("user")
	if err := requireUser(user); err != nil {
		writeError(w, err)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, provider.NewValidationError("file is required"))
		return
	}
	defer file.Close()

	resp, err := upload(r, app.APIKey, header.Filename, file, user)
	respond(w, resp, err)
}

func (s *Server) handleTextToAudio(w http.ResponseWriter, r *http.Request) {
	app, ok := s.appFor(w, r, "")
	if !ok {
		return
	}
	var body struct {
		MessageID string `json:"messageId"`
		Text      string `json:"text"`
		User      string `json:"user"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := requireUser(body.User); err != nil {
		writeError(w, err)
		return
	}
	if body.MessageID == "" && body.Text == "" {
		writeError(w, provider.NewValidationError("messageId or text is required"))
		return
	}

	audio, err := s.client.TextToAudio(r.Context(), app.APIKey, body.MessageID, body.Text, body.User)
	if err != nil {
		writeError(w, err)
		return
	}
	contentType := audio.ContentType
	if contentType == "" {
		contentType = "audio/mpeg"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(audio.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(audio.Data)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	app, ok := s.appFor(w, r, "")
	if !ok {
		return
	}
	resp, err := s.client.Info(r.Context(), app.APIKey)
	respond(w, resp, err)
}

func (s *Server) handleParameters(w http.ResponseWriter, r *http.Request) {
	app, ok := s.appFor(w, r, "")
	if !ok {
		return
	}
	resp, err := s.client.Parameters(r.Context(), app.APIKey)
	respond(w, resp, err)
}

func (s *Server) handleMeta(w http.ResponseWriter, r *http.Request) {
	app, ok := s.appFor(w, r, "")
	if !ok {
		return
	}
	resp, err := s.client.Meta(r.Context(), app.APIKey)
	respond(w, resp, err)
}
