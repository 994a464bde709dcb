package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/howard-nolan/difyrelay/internal/config"
	"github.com/howard-nolan/difyrelay/internal/provider"
	log "github.com/sirupsen/logrus"
)

// maxRequestBytes caps inbound JSON bodies.
const maxRequestBytes = 4 << 20

// handleHealth is a liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"apps":   s.apps.Len(),
	})
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("writing JSON response")
	}
}

// writeError answers with err's mapped status.
func writeError(w http.ResponseWriter, err error) {
	e := provider.AsError(err)
	writeErrorStatus(w, e.HTTPStatus(), e)
}

func writeErrorStatus(w http.ResponseWriter, status int, e *provider.Error) {
	writeJSON(w, status, errorBody{Error: errorDetail{
		Kind:    string(e.Kind),
		Code:    e.Code,
		Message: e.Message,
	}})
}

// requestLog returns a logger tagged with the chi request id.
func requestLog(r *http.Request) *log.Entry {
	return log.WithField("request_id", middleware.GetReqID(r.Context()))
}

// errNoCredentials and errUnknownApp are answered with 401 and 404.
var (
	errNoCredentials = errors.New("no appId and no Authorization bearer token")
	errUnknownApp    = errors.New("unknown app")
)

// resolveApp finds the upstream credentials for r. An appId query
// parameter selects a configured app; without one, the caller's own
// bearer token is passed through.
func (s *Server) resolveApp(r *http.Request) (config.App, error) {
	if id := r.URL.Query().Get("appId"); id != "" {
		app, ok := s.apps.Lookup(id)
		if !ok {
			return config.App{}, fmt.Errorf("%w %q", errUnknownApp, id)
		}
		return app, nil
	}

	auth := r.Header.Get("Authorization")
	if key, ok := strings.CutPrefix(auth, "Bearer "); ok && strings.TrimSpace(key) != "" {
		return config.App{APIKey: strings.TrimSpace(key)}, nil
	}
	return config.App{}, errNoCredentials
}

// appFor resolves the app and writes the error response itself when that
// fails. For domain-bound endpoints it also rejects an app configured for
// a different domain.
func (s *Server) appFor(w http.ResponseWriter, r *http.Request, domain provider.Domain) (config.App, bool) {
	app, err := s.resolveApp(r)
	switch {
	case errors.Is(err, errNoCredentials):
		writeErrorStatus(w, http.StatusUnauthorized, provider.NewValidationError(err.Error()))
		return app, false
	case errors.Is(err, errUnknownApp):
		writeErrorStatus(w, http.StatusNotFound, provider.NewValidationError(err.Error()))
		return app, false
	case err != nil:
		writeError(w, err)
		return app, false
	}

	if domain != "" && app.Domain != "" && !strings.EqualFold(app.Domain, string(domain)) {
		writeError(w, provider.NewValidationError(fmt.Sprintf("app %q is a %s app, not %s", app.ID, app.Domain, domain)))
		return app, false
	}
	return app, true
}

// decodeBody reads a JSON request body into v. An empty body leaves v
// untouched.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return provider.NewValidationError("invalid request body: " + err.Error())
	}
	return nil
}
