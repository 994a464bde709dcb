package provider

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/dnaeon/go-vcr.v4/pkg/cassette"
	"gopkg.in/dnaeon/go-vcr.v4/pkg/recorder"
)

// replayClient returns a Client whose transport replays the named
// cassette from testdata. Requests match on method and URL only.
func replayClient(t *testing.T, name string) *Client {
	t.Helper()
	rec, err := recorder.New("testdata/"+name,
		recorder.WithMode(recorder.ModeReplayOnly),
		recorder.WithSkipRequestLatency(true),
		recorder.WithMatcher(func(r *http.Request, i cassette.Request) bool {
			return r.Method == i.Method && r.URL.String() == i.URL
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rec.Stop() })

	return NewClient("https://api.dify.test/v1", rec.GetDefaultClient(), 5*time.Second)
}

func TestExecute_QuotaExceededIn200Body(t *testing.T) {
	client := replayClient(t, "workflow_blocking_quota")

	req, err := Build(DomainWorkflow, ModeBlocking, Params{
		User:   "u-1",
		Inputs: map[string]any{"topic": "rivers"},
	}, "app-key")
	require.NoError(t, err)

	resp, err := client.Execute(context.Background(), req)
	assert.Nil(t, resp)
	require.Error(t, err)

	relayErr := AsError(err)
	assert.Equal(t, KindProvider, relayErr.Kind)
	assert.Equal(t, CodeProviderQuotaExceeded, relayErr.Code)
	assert.False(t, relayErr.Retryable())
}

func TestExecute_ChatSuccess(t *testing.T) {
	client := replayClient(t, "chat_blocking_ok")

	req, err := Build(DomainChat, ModeBlocking, Params{Query: "Hi", User: "u-1"}, "app-key")
	require.NoError(t, err)

	resp, err := client.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "Hi there", resp["answer"])
	assert.Equal(t, "c-1", resp["conversation_id"])
}

func TestExecute_SendsHeadersAndBody(t *testing.T) {
	var gotAuth, gotAccept, gotContentType, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
		gotContentType = r.Header.Get("Content-Type")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"answer":"ok"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client(), time.Second)
	req, err := Build(DomainCompletion, ModeBlocking, Params{Query: "q", User: "u"}, "secret")
	require.NoError(t, err)

	_, err = client.Execute(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "application/json", gotAccept)
	assert.Equal(t, "application/json", gotContentType)
	assert.JSONEq(t, `{"query":"q","inputs":{},"user":"u","response_mode":"blocking"}`, gotBody)
}

func TestExecute_ErrorMapping(t *testing.T) {
	cases := []struct {
		name       string
		status     int
		body       string
		wantKind   Kind
		wantCode   string
		wantStatus int
	}{
		{"invalid param 400", http.StatusBadRequest, `{"code":"invalid_param","message":"query is required","status":400}`, KindProvider, CodeInvalidParam, http.StatusBadRequest},
		{"app unavailable", http.StatusBadRequest, `{"code":"app_unavailable","message":"app unavailable"}`, KindProvider, CodeAppUnavailable, http.StatusServiceUnavailable},
		{"workflow failed in 200", http.StatusOK, `{"code":"workflow_request_error","message":"node 3 failed"}`, KindProvider, CodeWorkflowRequestError, http.StatusBadGateway},
		{"unrecognized code", http.StatusOK, `{"error":"something_new"}`, KindInternal, CodeInternal, http.StatusInternalServerError},
		{"bare 500", http.StatusInternalServerError, `oops`, KindInternal, CodeInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			client := NewClient(srv.URL, srv.Client(), time.Second)
			req, err := Build(DomainWorkflow, ModeBlocking, Params{User: "u"}, "key")
			require.NoError(t, err)

			_, err = client.Execute(context.Background(), req)
			relayErr := AsError(err)
			require.NotNil(t, relayErr)
			assert.Equal(t, tc.wantKind, relayErr.Kind)
			assert.Equal(t, tc.wantCode, relayErr.Code)
			assert.Equal(t, tc.wantStatus, relayErr.HTTPStatus())
		})
	}
}

func TestExecute_WorkflowNullErrorIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"workflow_run_id":"r-1","data":{"status":"succeeded","error":null},"error":null}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client(), time.Second)
	req, err := Build(DomainWorkflow, ModeBlocking, Params{User: "u"}, "key")
	require.NoError(t, err)

	resp, err := client.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "r-1", resp["workflow_run_id"])
}

func TestExecute_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	client := NewClient(srv.URL, srv.Client(), 50*time.Millisecond)
	req, err := Build(DomainChat, ModeBlocking, Params{User: "u"}, "key")
	require.NoError(t, err)

	_, err = client.Execute(context.Background(), req)
	relayErr := AsError(err)
	require.NotNil(t, relayErr)
	assert.Equal(t, KindConnect, relayErr.Kind)
	assert.Equal(t, CodeTimeout, relayErr.Code)
	assert.Equal(t, http.StatusGatewayTimeout, relayErr.HTTPStatus())
}

func TestExecute_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := NewClient(url, http.DefaultClient, time.Second)
	req, err := Build(DomainChat, ModeBlocking, Params{User: "u"}, "key")
	require.NoError(t, err)

	_, err = client.Execute(context.Background(), req)
	relayErr := AsError(err)
	require.NotNil(t, relayErr)
	assert.Equal(t, KindConnect, relayErr.Kind)
	assert.Equal(t, CodeUnreachable, relayErr.Code)
}

func TestExecute_RejectsStreamingRequest(t *testing.T) {
	client := NewClient("http://unused", http.DefaultClient, time.Second)
	req, err := Build(DomainChat, ModeStreaming, Params{User: "u"}, "key")
	require.NoError(t, err)

	_, err = client.Execute(context.Background(), req)
	assert.True(t, IsKind(err, KindInternal))
}

func TestOpenStream(t *testing.T) {
	var gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAccept = r.Header.Get("Accept")
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"answer\":\"Hi\"}\n\n"))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client(), time.Second)
	req, err := Build(DomainChat, ModeStreaming, Params{Query: "hi", User: "u"}, "key")
	require.NoError(t, err)

	body, err := client.OpenStream(context.Background(), req)
	require.NoError(t, err)
	defer body.Close()

	raw, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "data: {\"answer\":\"Hi\"}\n\n", string(raw))
	assert.Equal(t, "text/event-stream", gotAccept)
}

func TestOpenStream_ProviderErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"provider_not_initialize","message":"no credentials"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client(), time.Second)
	req, err := Build(DomainChat, ModeStreaming, Params{User: "u"}, "key")
	require.NoError(t, err)

	body, err := client.OpenStream(context.Background(), req)
	assert.Nil(t, body)
	relayErr := AsError(err)
	require.NotNil(t, relayErr)
	assert.Equal(t, KindProvider, relayErr.Kind)
	assert.Equal(t, CodeProviderNotInitialize, relayErr.Code)
	assert.Equal(t, "no credentials", relayErr.Message)
	assert.Equal(t, http.StatusBadRequest, relayErr.Status)
}

func TestOpenStream_RejectsBlockingRequest(t *testing.T) {
	client := NewClient("http://unused", http.DefaultClient, time.Second)
	req, err := Build(DomainChat, ModeBlocking, Params{User: "u"}, "key")
	require.NoError(t, err)

	_, err = client.OpenStream(context.Background(), req)
	assert.True(t, IsKind(err, KindInternal))
}
