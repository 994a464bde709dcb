package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/howard-nolan/difyrelay/internal/provider"
	"github.com/howard-nolan/difyrelay/internal/stream"
	log "github.com/sirupsen/logrus"
)

// sessionHeader lets a caller name its relay session for log correlation.
const sessionHeader = "X-Session-Id"

// wsFirstMessageTimeout bounds how long an upgraded socket may sit idle
// before sending its request.
const wsFirstMessageTimeout = 30 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser clients come from arbitrary origins; auth is the app id or
	// bearer token, not the origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

var errBusy = &provider.Error{
	Kind:    provider.KindInternal,
	Code:    "relay_busy",
	Message: "too many concurrent streaming sessions",
}

// handleStream relays one streaming call as Server-Sent Events.
//
// The request goes through the same decode and Build steps as the
// blocking path, then the handler reserves a relay session. Until the
// session delivers its first event nothing has been written, so a full
// relay can still be answered with a plain 503. Once Run starts, every
// outcome (including upstream rejections) reaches the caller as an SSE
// error event on a 200 response, because the status line is gone by
// the time the upstream answers.
func (s *Server) handleStream(domain provider.Domain) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		app, ok := s.appFor(w, r, domain)
		if !ok {
			return
		}

		var params provider.Params
		if err := decodeBody(r, &params); err != nil {
			writeError(w, err)
			return
		}
		req, err := provider.Build(domain, provider.ModeStreaming, params, app.APIKey)
		if err != nil {
			writeError(w, err)
			return
		}

		sink, err := stream.NewSSESink(w)
		if err != nil {
			writeError(w, provider.NewInternalError(err.Error(), err))
			return
		}

		session, err := s.relay.Open(r.Header.Get(sessionHeader), req, sink)
		if errors.Is(err, stream.ErrBusy) {
			requestLog(r).WithField("domain", string(domain)).Warn("rejecting stream: relay full")
			writeErrorStatus(w, http.StatusServiceUnavailable, errBusy)
			return
		}

		if s.idleTimeout > 0 {
			go abortWhenIdle(r.Context(), session, s.idleTimeout)
		}
		// Any error is delivered on the stream and logged by the session.
		_ = session.Run(r.Context())
	}
}

// abortWhenIdle watches a running session and aborts it with an upstream
// timeout once nothing has been delivered for idle. The clock starts at
// the call, so a stream that never produces a first event is caught
// too. It returns when the session closes, whoever closed it.
//
// It checks four times per idle period, so the abort can land up to a
// quarter period late.
func abortWhenIdle(ctx context.Context, session *stream.Session, idle time.Duration) {
	started := time.Now()
	ticker := time.NewTicker(max(idle/4, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-session.Done():
			return
		case now := <-ticker.C:
			last := session.LastEvent()
			if last.IsZero() {
				last = started
			}
			if now.Sub(last) < idle {
				continue
			}
			err := provider.NewConnectError(provider.CodeTimeout,
				fmt.Errorf("no upstream event for %s", idle))
			if session.Abort(ctx, err) {
				log.WithField("session_id", session.ID).Warnf("relay session idle for %s, aborted", idle)
			}
			return
		}
	}
}

// handleBlocking runs one blocking call and returns the upstream body.
func (s *Server) handleBlocking(domain provider.Domain) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		app, ok := s.appFor(w, r, domain)
		if !ok {
			return
		}

		var params provider.Params
		if err := decodeBody(r, &params); err != nil {
			writeError(w, err)
			return
		}
		req, err := provider.Build(domain, provider.ModeBlocking, params, app.APIKey)
		if err != nil {
			writeError(w, err)
			return
		}

		start := time.Now()
		resp, err := s.client.Execute(r.Context(), req)
		result := "ok"
		if err != nil {
			result = string(provider.AsError(err).Kind)
		}
		s.metrics.BlockingRequest(string(domain), result, time.Since(start))

		if err != nil {
			entry := requestLog(r).WithFields(log.Fields{
				"domain": string(domain),
				"app":    app.ID,
				"kind":   result,
				"error":  err.Error(),
			})
			// Connect failures mean the upstream itself is unwell; the
			// rest are answers about this one request.
			if provider.IsKind(err, provider.KindConnect) {
				entry.Error("blocking request failed: upstream unreachable")
			} else {
				entry.Warn("blocking request failed")
			}
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// handleWebSocket relays one streaming call over a WebSocket. The first
// text message from the client is the request body; the domain comes
// from the query string or the app's configured domain.
//
// The session's context is not the request's: after the upgrade the
// HTTP request is over as far as net/http is concerned, so disconnects
// are learned from the socket instead. sink.Watch reads client frames
// in the background and cancels ctx when the peer goes away, which the
// relay loop sees as a downstream disconnect.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	app, ok := s.appFor(w, r, "")
	if !ok {
		return
	}
	domainName := r.URL.Query().Get("domain")
	if domainName == "" {
		domainName = app.Domain
	}
	domain, err := provider.ParseDomain(domainName)
	if err != nil {
		writeError(w, err)
		return
	}
	if app.Domain != "" && !strings.EqualFold(app.Domain, string(domain)) {
		writeError(w, provider.NewValidationError("domain does not match the app's domain"))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the client.
		requestLog(r).WithError(err).Debug("websocket upgrade failed")
		return
	}
	sink := stream.NewWSSink(conn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fail := func(err error) {
		_ = sink.Deliver(ctx, stream.ErrorEvent(err))
		sink.Close(stream.OutcomeError)
	}

	_ = conn.SetReadDeadline(time.Now().Add(wsFirstMessageTimeout))
	msgType, msg, err := conn.ReadMessage()
	if err != nil {
		sink.Close(stream.OutcomeDisconnected)
		return
	}
	if msgType != websocket.TextMessage {
		fail(provider.NewValidationError("first message must be a JSON text message"))
		return
	}

	var params provider.Params
	if err := json.Unmarshal(msg, &params); err != nil {
		fail(provider.NewValidationError("invalid request message: " + err.Error()))
		return
	}
	req, err := provider.Build(domain, provider.ModeStreaming, params, app.APIKey)
	if err != nil {
		fail(err)
		return
	}

	session, err := s.relay.Open(r.Header.Get(sessionHeader), req, sink)
	if err != nil {
		fail(errBusy)
		return
	}

	go sink.Watch(cancel)
	if s.idleTimeout > 0 {
		go abortWhenIdle(ctx, session, s.idleTimeout)
	}
	_ = session.Run(ctx)
}
