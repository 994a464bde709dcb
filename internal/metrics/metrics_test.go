package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_SessionLifecycle(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.SessionOpened("chat")
	c.SessionOpened("chat")
	assert.Equal(t, 2.0, testutil.ToFloat64(c.sessionsActive.WithLabelValues("chat")))

	c.SessionClosed("chat", "done")
	c.SessionClosed("chat", "disconnected")
	assert.Equal(t, 0.0, testutil.ToFloat64(c.sessionsActive.WithLabelValues("chat")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sessionsTotal.WithLabelValues("chat", "done")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sessionsTotal.WithLabelValues("chat", "disconnected")))
}

func TestCollector_EventsAndBlocking(t *testing.T) {
	c := NewCollector(nil)

	for i := 0; i < 3; i++ {
		c.EventDelivered("workflow")
	}
	c.BlockingRequest("workflow", "ok", 200*time.Millisecond)
	c.BlockingRequest("workflow", "provider_error", time.Second)

	assert.Equal(t, 3.0, testutil.ToFloat64(c.eventsTotal.WithLabelValues("workflow")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.blockingTotal.WithLabelValues("workflow", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.blockingTotal.WithLabelValues("workflow", "provider_error")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.blockingDuration))
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.SessionOpened("chat")
		c.SessionClosed("chat", "done")
		c.EventDelivered("chat")
		c.BlockingRequest("chat", "ok", time.Millisecond)
	})
	assert.Nil(t, c.Registry())

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector(nil)
	c.SessionOpened("completion")

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `difyrelay_relay_sessions_active{domain="completion"} 1`))
}
