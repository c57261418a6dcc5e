package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// TestNewTimer tests timer creation
func TestNewTimer(t *testing.T) {
	timer := NewTimer()

	if timer == nil {
		t.Fatal("NewTimer() returned nil")
	}
	if timer.start.IsZero() {
		t.Error("NewTimer() start time is zero")
	}
	if time.Since(timer.start) > time.Second {
		t.Error("NewTimer() start time is not recent")
	}
}

// TestTimerObserveDuration tests histogram observation
func TestTimerObserveDuration(t *testing.T) {
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_duration_seconds",
		Help:    "Test duration histogram",
		Buckets: prometheus.DefBuckets,
	})

	timer := NewTimer()
	time.Sleep(20 * time.Millisecond)
	timer.ObserveDuration(histogram)

	var m dto.Metric
	if err := histogram.Write(&m); err != nil {
		t.Fatalf("failed to read histogram: %v", err)
	}
	if got := m.GetHistogram().GetSampleCount(); got != 1 {
		t.Errorf("histogram sample count = %d, want 1", got)
	}
	if got := m.GetHistogram().GetSampleSum(); got < 0.02 {
		t.Errorf("histogram sample sum = %f, want >= 0.02", got)
	}
}

// TestHandler tests that the metrics endpoint handler is non-nil
func TestHandler(t *testing.T) {
	if Handler() == nil {
		t.Fatal("Handler() returned nil")
	}
}
