package monitor

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestSampleOnceCollects(t *testing.T) {
	m := New(zap.NewNop(), t.TempDir(), 10)
	m.sampleOnce()

	latest, ok := m.Latest()
	if !ok {
		t.Fatal("no sample recorded")
	}
	if latest.Timestamp.IsZero() {
		t.Error("sample missing timestamp")
	}
	if latest.ProcessRSSBytes == 0 {
		t.Error("process RSS should be non-zero for a live process")
	}
}

func TestRingStaysBounded(t *testing.T) {
	m := New(zap.NewNop(), t.TempDir(), 5)

	for i := 0; i < 200; i++ {
		m.sampleOnce()
	}
	m.Trim()

	if got := len(m.Samples()); got > 5 {
		t.Errorf("ring length = %d, want <= 5", got)
	}
}

func TestTrimKeepsNewestSamples(t *testing.T) {
	m := New(zap.NewNop(), t.TempDir(), 3)

	for i := 0; i < 6; i++ {
		m.mu.Lock()
		m.ring = append(m.ring, Sample{Timestamp: time.Unix(int64(i), 0)})
		m.mu.Unlock()
	}
	m.Trim()

	samples := m.Samples()
	if len(samples) != 3 {
		t.Fatalf("len = %d, want 3", len(samples))
	}
	if samples[0].Timestamp.Unix() != 3 {
		t.Errorf("oldest retained = %v, want the newest three", samples[0].Timestamp)
	}
}

func TestLatestEmpty(t *testing.T) {
	m := New(zap.NewNop(), t.TempDir(), 3)
	if _, ok := m.Latest(); ok {
		t.Error("Latest on an empty ring should report none")
	}
}
