package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeInserter captures batches for assertions.
type fakeInserter struct {
	mu      sync.Mutex
	batches [][]Disclosure
	err     error
}

func (f *fakeInserter) BatchInsert(_ context.Context, ds []Disclosure) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	batch := make([]Disclosure, len(ds))
	copy(batch, ds)
	f.batches = append(f.batches, batch)
	return nil
}

func (f *fakeInserter) totalRecords() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func (f *fakeInserter) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func testDisclosure(id string) Disclosure {
	return Disclosure{
		ID:        id,
		AccountID: "acct",
		Analysis:  "debt-analysis",
		Epsilon:   0.5,
		Timestamp: time.Now().UTC(),
		Outcome:   "ok",
	}
}

func TestCollectorFlushesOnBatchSize(t *testing.T) {
	store := &fakeInserter{}
	c := NewCollector(store, 3, time.Hour)

	c.Record(testDisclosure("1"))
	c.Record(testDisclosure("2"))
	if store.batchCount() != 0 {
		t.Fatal("should not flush before batch size is reached")
	}

	c.Record(testDisclosure("3"))
	if store.batchCount() != 1 {
		t.Fatalf("expected 1 batch after reaching batch size, got %d", store.batchCount())
	}
	if store.totalRecords() != 3 {
		t.Fatalf("expected 3 records flushed, got %d", store.totalRecords())
	}
}

func TestCollectorFlushesOnInterval(t *testing.T) {
	store := &fakeInserter{}
	c := NewCollector(store, 100, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Start(ctx)

	c.Record(testDisclosure("1"))

	deadline := time.After(2 * time.Second)
	for store.totalRecords() < 1 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for interval flush")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestCollectorStopFlushesRemainder(t *testing.T) {
	store := &fakeInserter{}
	c := NewCollector(store, 100, time.Hour)

	started := make(chan struct{})
	doneCh := make(chan struct{})
	go func() {
		close(started)
		c.Start(context.Background())
		close(doneCh)
	}()
	<-started

	c.Record(testDisclosure("1"))
	c.Record(testDisclosure("2"))
	c.Stop()

	select {
	case <-doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("collector did not stop")
	}

	if store.totalRecords() != 2 {
		t.Fatalf("expected 2 records flushed on stop, got %d", store.totalRecords())
	}
}

func TestCollectorKeepsAcceptingAfterStoreError(t *testing.T) {
	store := &fakeInserter{err: errors.New("db down")}
	c := NewCollector(store, 1, time.Hour)

	// Flush fails; the collector must not panic or block.
	c.Record(testDisclosure("1"))

	store.mu.Lock()
	store.err = nil
	store.mu.Unlock()

	c.Record(testDisclosure("2"))
	if store.totalRecords() != 1 {
		t.Fatalf("expected the post-recovery record to flush, got %d", store.totalRecords())
	}
}
