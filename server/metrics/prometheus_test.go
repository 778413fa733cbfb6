package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusExporter(t *testing.T) {
	exporter := NewPrometheusExporter(Config{})

	t.Run("RecordChatRequest", func(t *testing.T) {
		exporter.RecordChatRequest("dify1", "passthrough", 2*time.Second)
		exporter.RecordChatRequest("dify1", "passthrough", time.Second)
		exporter.RecordChatRequest("dify2", "error_frame", 100*time.Millisecond)

		assert.Equal(t, 2.0, testutil.ToFloat64(exporter.chatRequests.WithLabelValues("dify1", "passthrough")))
		assert.Equal(t, 1.0, testutil.ToFloat64(exporter.chatRequests.WithLabelValues("dify2", "error_frame")))
	})

	t.Run("ActiveStreams", func(t *testing.T) {
		exporter.StreamStarted()
		exporter.StreamStarted()
		exporter.StreamFinished()
		assert.Equal(t, 1.0, testutil.ToFloat64(exporter.chatActive))
	})

	t.Run("ForwardedBytes", func(t *testing.T) {
		exporter.AddForwardedBytes("dify1", 128)
		exporter.AddForwardedBytes("dify1", 0)
		assert.Equal(t, 128.0, testutil.ToFloat64(exporter.forwardedBytes.WithLabelValues("dify1")))
	})

	t.Run("ReconcileAndStore", func(t *testing.T) {
		exporter.RecordReconcile("updated")
		exporter.RecordStoreError("append_message")
		assert.Equal(t, 1.0, testutil.ToFloat64(exporter.reconcileResults.WithLabelValues("updated")))
		assert.Equal(t, 1.0, testutil.ToFloat64(exporter.storeErrors.WithLabelValues("append_message")))
	})
}

func TestNilExporter(t *testing.T) {
	var exporter *PrometheusExporter
	assert.NotPanics(t, func() {
		exporter.RecordChatRequest("dify1", "passthrough", time.Second)
		exporter.StreamStarted()
		exporter.StreamFinished()
		exporter.AddForwardedBytes("dify1", 10)
		exporter.RecordReconcile("skipped")
		exporter.RecordStoreError("list_messages")
	})
}

func TestPrometheusExporterHandler(t *testing.T) {
	exporter := NewPrometheusExporter(DefaultConfig())
	exporter.RecordChatRequest("dify1", "passthrough", time.Second)
	exporter.RecordReconcile("updated")

	req := httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody)
	w := httptest.NewRecorder()
	exporter.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `convrelay_relay_chat_requests_total{model="dify1",outcome="passthrough"} 1`)
	assert.Contains(t, body, `convrelay_relay_reconcile_total{result="updated"} 1`)
	assert.Contains(t, body, "convrelay_relay_stream_duration_seconds_bucket")
	assert.Contains(t, body, "go_goroutines")
}
