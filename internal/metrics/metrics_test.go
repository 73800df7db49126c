package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperifyio/snippetd/internal/engine"
)

func TestObserve(t *testing.T) {
	c := New(nil)

	c.ObserveRequest("tools/call", 0)
	c.ObserveRequest("tools/call", 0)
	c.ObserveRequest("bogus", -32601)
	assert.Equal(t, 2.0, testutil.ToFloat64(c.Requests.WithLabelValues("tools/call", "0")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Requests.WithLabelValues("bogus", "-32601")))

	c.ObserveExecution(context.Background(), &engine.Outcome{Succeeded: true, Elapsed: time.Millisecond})
	c.ObserveExecution(context.Background(), &engine.Outcome{Fault: &engine.Fault{Kind: engine.FaultDeadline}, Elapsed: time.Second})
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Executions.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Executions.WithLabelValues("deadline")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.ExecutionDuration))

	c.ObserveBatchOperation("execute", true)
	c.ObserveBatchOperation("execute", false)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.BatchOperations.WithLabelValues("execute", "failed")))
}

func TestNilCollectorsAreNoops(t *testing.T) {
	var c *Collectors
	c.ObserveRequest("x", 0)
	c.ObserveExecution(context.Background(), &engine.Outcome{})
	c.ObserveBatchOperation("x", true)
}

func TestRouter(t *testing.T) {
	c := New(nil)
	c.ObserveRequest("ping", 0)
	srv := httptest.NewServer(c.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), `snippetd_requests_total{code="0",method="ping"} 1`))

	resp, err = http.Get(srv.URL + "/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 1.0, testutil.ToFloat64(c.HTTPRequests.WithLabelValues("GET", "/healthz", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.HTTPRequests.WithLabelValues("GET", unmatched, "404")))
}
