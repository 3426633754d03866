package audit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type captureStorage struct {
	mu      sync.Mutex
	batches [][]DecisionEvent
}

func (s *captureStorage) WriteBatch(_ context.Context, events []DecisionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := make([]DecisionEvent, len(events))
	copy(batch, events)
	s.batches = append(s.batches, batch)
	return nil
}

func (s *captureStorage) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func TestTrailDrainsOnStop(t *testing.T) {
	storage := &captureStorage{}
	trail := NewTrail(storage, zap.NewNop())
	trail.Start()

	const n = 42
	for i := 0; i < n; i++ {
		trail.Log(DecisionEvent{
			ID:      fmt.Sprintf("evt-%d", i),
			AgentID: "agent-1",
			Status:  "APPROVED",
		})
	}

	// Stop обязан дослать всё, что лежит в буфере
	trail.Stop()

	if got := storage.total(); got != n {
		t.Errorf("persisted %d events, want %d", got, n)
	}
}

func TestTrailBatchesBySize(t *testing.T) {
	storage := &captureStorage{}
	trail := NewTrail(storage, zap.NewNop())
	trail.Start()

	// Полная сотня выталкивается без ожидания тикера
	for i := 0; i < 100; i++ {
		trail.Log(DecisionEvent{ID: fmt.Sprintf("evt-%d", i)})
	}

	deadline := time.After(time.Second)
	for storage.total() < 100 {
		select {
		case <-deadline:
			t.Fatalf("size-triggered flush never happened, persisted %d", storage.total())
		case <-time.After(5 * time.Millisecond):
		}
	}
	trail.Stop()
}

func TestTrailDropsAfterStop(t *testing.T) {
	storage := &captureStorage{}
	trail := NewTrail(storage, zap.NewNop())
	trail.Start()
	trail.Stop()

	// Log после Stop — no-op без паники на закрытом канале
	trail.Log(DecisionEvent{ID: "late"})
	if storage.total() != 0 {
		t.Errorf("late event persisted, want drop")
	}
}

func TestTrailFillsTimestamp(t *testing.T) {
	storage := &captureStorage{}
	trail := NewTrail(storage, zap.NewNop())
	trail.Start()

	trail.Log(DecisionEvent{ID: "evt-1"})
	trail.Stop()

	if storage.total() != 1 {
		t.Fatalf("persisted %d events, want 1", storage.total())
	}
	if storage.batches[0][0].Timestamp.IsZero() {
		t.Error("missing timestamp was not filled")
	}
}
