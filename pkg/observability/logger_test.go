package observability

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerEmitsJSONWithFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	logger.WithComponent("ingest").
		WithField("model", "card").
		WithError(errors.New("boom")).
		Info("batch failed")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "batch failed", line["msg"])
	assert.Equal(t, "ingest", line["component"])
	assert.Equal(t, "card", line["model"])
	assert.Equal(t, "boom", line["error"])
}

func TestLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(WarnLevel, &buf)

	logger.Info("quiet")
	assert.Zero(t, buf.Len())

	logger.Warnf("loud %d", 1)
	assert.NotZero(t, buf.Len())
}

func TestWithErrorNilIsNoop(t *testing.T) {
	logger := NopLogger()
	assert.Same(t, logger, logger.WithError(nil))
}

func TestMetricsRegisterAndServe(t *testing.T) {
	m := NewMetrics(nil)

	m.DocumentsIndexedTotal.WithLabelValues("card").Inc()
	m.QueueDepth.Set(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `searchcore_documents_indexed_total{model="card"} 1`)
	assert.Contains(t, body, "searchcore_queue_depth 3")
}
