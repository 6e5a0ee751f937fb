package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExporter_RecordAndExportText(t *testing.T) {
	e := New(DefaultConfig())
	e.SetQueueDepth("chat1", 3)
	e.RecordBatch("finished", 120*time.Millisecond)
	e.SetActiveStreams(2)
	e.RecordStreamError("cancelled")
	e.SetStoreSize(5)
	e.RecordExpiry("chat")
	e.RecordEdit("edit_text", 10*time.Millisecond, nil)
	e.RecordEdit("edit_text", 10*time.Millisecond, errors.New("boom"))
	e.RecordAccessDenied("not_allowed")

	text, err := e.ExportText()
	require.NoError(t, err)
	for _, want := range []string{
		"chatbroker_executor_batch_queue_depth",
		"chatbroker_streaming_active_streams",
		"chatbroker_store_entries",
		"chatbroker_messenger_edit_latency_seconds",
		"chatbroker_access_denied_total",
	} {
		assert.Contains(t, text, want)
	}
}

func TestExporter_HandlerServesPrometheusFormat(t *testing.T) {
	e := New(DefaultConfig())
	e.SetStoreSize(1)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	e.Handler().ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "chatbroker_store_entries"))
}

func TestExporter_RegisterHandlerAndClose(t *testing.T) {
	e := New(DefaultConfig())
	e.RegisterHandler("/debug", http.NotFoundHandler())
	require.NoError(t, e.Close())
}
