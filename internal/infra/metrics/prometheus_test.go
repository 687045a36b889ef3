package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"voice-client/internal/application"
	"voice-client/internal/domain"
	"voice-client/internal/infra/metrics"
)

var _ application.Recorder = (*metrics.Metrics)(nil)

func TestMetrics_Counters(t *testing.T) {
	m := metrics.NewMetrics()

	m.FrameSent()
	m.FrameSent()
	m.FrameMuted()
	m.FrameScheduled(0.2)
	m.DecodeFailed()
	m.QueueDepth(4)

	if got := testutil.ToFloat64(m.FramesSent); got != 2 {
		t.Errorf("frames sent = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.FramesMuted); got != 1 {
		t.Errorf("frames muted = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.FramesScheduled); got != 1 {
		t.Errorf("frames scheduled = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.QueueDepthGauge); got != 4 {
		t.Errorf("queue depth = %v, want 4", got)
	}
}

func TestMetrics_StatusIsOneHot(t *testing.T) {
	m := metrics.NewMetrics()
	m.Status(domain.StatusConnected)
	m.Status(domain.StatusError)

	if got := testutil.ToFloat64(m.ConnectionStatus.WithLabelValues("error")); got != 1 {
		t.Errorf("error = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ConnectionStatus.WithLabelValues("connected")); got != 0 {
		t.Errorf("connected = %v, want 0", got)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := metrics.NewMetrics()
	m.TurnCommitted()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(string(body), "voice_turns_committed_total 1") {
		t.Errorf("exposition missing turn counter:\n%s", body)
	}
}

func TestMetrics_IndependentRegistries(t *testing.T) {
	a := metrics.NewMetrics()
	b := metrics.NewMetrics()
	a.FrameSent()

	if got := testutil.ToFloat64(b.FramesSent); got != 0 {
		t.Errorf("second instance saw %v frames", got)
	}
}
