package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()
	m.ConnectionAdmitted()
	m.ConnectionAdmitted()
	m.ConnectionRemoved()
	m.MessagePublished("websocket")
	m.MessagePublished("polling")
	m.MessagePublished("polling")
	m.HandshakeRejected("missing_token")

	if got := testutil.ToFloat64(m.connections); got != 1 {
		t.Errorf("expected 1 active connection, got %v", got)
	}
	if got := testutil.ToFloat64(m.messages.WithLabelValues("polling")); got != 2 {
		t.Errorf("expected 2 polling messages, got %v", got)
	}
	if got := testutil.ToFloat64(m.rejectedHandshake.WithLabelValues("missing_token")); got != 1 {
		t.Errorf("expected 1 rejection, got %v", got)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.ConnectionAdmitted()
	m.ConnectionEvicted()
	m.PollRequest("GET", "200")
	if m.Registry() != nil {
		t.Error("nil metrics should have no registry")
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.ConnectionEvicted()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "socialchat_liveness_evictions_total 1") {
		t.Errorf("expected eviction counter in exposition, got:\n%s", body)
	}
}
