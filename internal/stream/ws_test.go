package stream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/howard-nolan/difyrelay/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wsRelayServer relays upstream to every WebSocket client that connects.
func wsRelayServer(t *testing.T, up Upstream, domain provider.Domain) *httptest.Server {
	t.Helper()
	req := streamRequest(t, domain)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = New(up, 0, nil).Run(context.Background(), "", req, NewWSSink(conn))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestWSSink_EnvelopesAndNormalClose(t *testing.T) {
	up := &fakeUpstream{body: io.NopCloser(strings.NewReader(lines(
		`data: {"event":"workflow_started"}`,
		`data: {"event":"workflow_finished","data":{"outputs":{"text":"ok"}}}`,
	)))}
	conn := dial(t, wsRelayServer(t, up, provider.DomainWorkflow))

	var got []string
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			require.True(t, errors.As(err, &closeErr), "got %v", err)
			assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
			break
		}
		got = append(got, string(msg))
	}

	require.Len(t, got, 2)
	assert.JSONEq(t, `{"event":"workflow_started","data":{"event":"workflow_started"}}`, got[0])
	assert.JSONEq(t, `{"event":"workflow_finished","data":{"event":"workflow_finished","data":{"outputs":{"text":"ok"}}}}`, got[1])
}

func TestWSSink_ErrorClose(t *testing.T) {
	up := &fakeUpstream{err: provider.NewProviderError(provider.CodeAppUnavailable, "app unavailable", 400)}
	conn := dial(t, wsRelayServer(t, up, provider.DomainChat))

	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"event":"error","data":{"kind":"provider_error","code":"app_unavailable","message":"app unavailable"}}`,
		string(msg))

	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "got %v", err)
	assert.Equal(t, websocket.CloseInternalServerErr, closeErr.Code)
}

func TestEnvelopeDefaultsEmptyPayload(t *testing.T) {
	msg, err := envelope(Event{Kind: "ping"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"ping","data":{}}`, string(msg))
}
