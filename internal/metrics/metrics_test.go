package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecordRequest(t *testing.T) {
	m := New()
	m.RecordRequest("ask", nil)
	m.RecordRequest("ask", nil)
	m.RecordRequest("ask", errors.New("boom"))

	require.Equal(t, 2.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("ask", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("ask", "error")))
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.RecordGeneration("openai", nil, 150*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	require.Equal(t, 200, rec.Code)
	require.True(t, strings.Contains(body, `chatter_generations_total{provider="openai",status="success"} 1`), body)
	require.Contains(t, body, "chatter_generation_duration_seconds_bucket")
}

func TestNewUsesIsolatedRegistries(t *testing.T) {
	a, b := New(), New()
	a.RecordRequest("reset", nil)
	require.Equal(t, 0.0, testutil.ToFloat64(b.RequestsTotal.WithLabelValues("reset", "success")))
}
