package observability

import (
	"testing"
	"time"
)

func TestLatencyWindowSnapshot(t *testing.T) {
	w := newLatencyWindow(8)
	w.Observe(StageFirstAudio, 500)
	w.Observe(StageFirstAudio, 700)
	w.Observe(StageFirstAudio, 900)
	w.ObserveIndicator("barge_in")
	w.ObserveIndicator("barge_in")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Stage != StageFirstAudio || s.Samples != 3 {
		t.Fatalf("stage = %+v, want 3 samples of %s", s, StageFirstAudio)
	}
	if s.LastMS != 900 || s.P50MS != 700 {
		t.Fatalf("LastMS = %.2f P50MS = %.2f, want 900 and 700", s.LastMS, s.P50MS)
	}
	if s.P95MS <= 700 || s.P95MS > 900 {
		t.Fatalf("P95MS = %.2f, want (700,900]", s.P95MS)
	}
	if s.TargetP95MS != 1200 {
		t.Fatalf("TargetP95MS = %.2f, want 1200", s.TargetP95MS)
	}
	if len(snap.Indicators) != 1 || snap.Indicators[0].Count != 2 {
		t.Fatalf("Indicators = %+v, want barge_in x2", snap.Indicators)
	}
}

func TestLatencyWindowWrapsAround(t *testing.T) {
	w := newLatencyWindow(2)
	for _, v := range []float64{100, 200, 300} {
		w.Observe(StageWebhookResponse, v)
	}
	w.Observe(StageWebhookResponse, -1)
	s := w.Snapshot().Stages[0]
	if s.Samples != 2 || s.AvgMS != 250 {
		t.Fatalf("stage = %+v, want 2 samples averaging 250", s)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveStage(StageEvaluation, time.Second)
	m.ObserveFirstAudioLatency(time.Second)
	m.ObserveIndicator("barge_in")
	if snap := m.SnapshotLatency(); len(snap.Stages) != 0 {
		t.Fatalf("nil metrics snapshot = %+v, want empty", snap)
	}
}
