package gate

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/privalyze/gateway/internal/audit"
	"github.com/privalyze/gateway/internal/budget"
	"github.com/privalyze/gateway/internal/mechanism"
)

// fakeMechanism returns a canned payload or error, optionally recording the
// context it was called with.
type fakeMechanism struct {
	mu      sync.Mutex
	payload json.RawMessage
	err     error
	calls   int
	lastCtx context.Context
	block   bool // block until the call context is done, then return its error
}

func (f *fakeMechanism) Run(ctx context.Context, epsilon float64, q mechanism.QueryDescriptor) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls++
	f.lastCtx = ctx
	block := f.block
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.payload, nil
}

func (f *fakeMechanism) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// recordingSink captures disclosures for assertions.
type recordingSink struct {
	mu sync.Mutex
	ds []audit.Disclosure
}

func (r *recordingSink) Record(d audit.Disclosure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ds = append(r.ds, d)
}

func (r *recordingSink) last(t *testing.T) audit.Disclosure {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ds) == 0 {
		t.Fatal("no disclosure recorded")
	}
	return r.ds[len(r.ds)-1]
}

func newTestGate(t *testing.T, initial float64, mech Mechanism) (*Gate, *budget.MemoryStore, *recordingSink) {
	t.Helper()
	store := budget.NewMemoryStore()
	if err := store.Initialize(context.Background(), "acct", initial); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	g := New(budget.NewValidator(0, 1.0), budget.NewLedger(store, 5), mech, time.Second)
	sink := &recordingSink{}
	g.SetDisclosureRecorder(sink)
	return g, store, sink
}

var testQuery = mechanism.QueryDescriptor{Analysis: "debt-analysis", Query: "average", TableName: "credit"}

func TestExecuteSuccessCommitsCost(t *testing.T) {
	ctx := context.Background()
	mech := &fakeMechanism{payload: json.RawMessage(`{"value": 41.7}`)}
	g, store, sink := newTestGate(t, 5.0, mech)

	result, err := g.Execute(ctx, "acct", 1.0, testQuery)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if string(result.Payload) != `{"value": 41.7}` {
		t.Fatalf("unexpected payload: %s", result.Payload)
	}
	if result.RemainingBudget != 4.0 {
		t.Fatalf("expected remaining 4.0, got %g", result.RemainingBudget)
	}

	remaining, _, _ := store.Get(ctx, "acct")
	if remaining != 4.0 {
		t.Fatalf("expected store remaining 4.0, got %g", remaining)
	}

	d := sink.last(t)
	if d.Outcome != "ok" || d.Epsilon != 1.0 || d.AccountID != "acct" {
		t.Fatalf("unexpected disclosure: %+v", d)
	}
}

func TestExecuteInvalidCostSkipsStore(t *testing.T) {
	ctx := context.Background()
	mech := &fakeMechanism{payload: json.RawMessage(`{}`)}
	g, store, sink := newTestGate(t, 5.0, mech)

	for _, cost := range []float64{0, -1, 1.5} {
		_, err := g.Execute(ctx, "acct", cost, testQuery)
		var ice *budget.InvalidCostError
		if !errors.As(err, &ice) {
			t.Fatalf("cost %g: expected *InvalidCostError, got %v", cost, err)
		}
	}

	if mech.callCount() != 0 {
		t.Fatal("mechanism must not be called for invalid costs")
	}
	remaining, _, _ := store.Get(ctx, "acct")
	if remaining != 5.0 {
		t.Fatalf("balance changed on invalid cost: %g", remaining)
	}
	if d := sink.last(t); d.Outcome != "invalid_cost" {
		t.Fatalf("expected invalid_cost disclosure, got %s", d.Outcome)
	}
}

func TestExecuteInsufficientBudget(t *testing.T) {
	ctx := context.Background()
	mech := &fakeMechanism{payload: json.RawMessage(`{}`)}
	g, _, sink := newTestGate(t, 0.4, mech)

	_, err := g.Execute(ctx, "acct", 0.5, testQuery)
	var insufficient *budget.InsufficientBudgetError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected *InsufficientBudgetError, got %v", err)
	}
	if insufficient.Remaining != 0.4 {
		t.Fatalf("error should carry remaining 0.4, got %g", insufficient.Remaining)
	}
	if mech.callCount() != 0 {
		t.Fatal("mechanism must not be called when budget is insufficient")
	}
	d := sink.last(t)
	if d.Outcome != "insufficient_budget" || d.RemainingAfter != 0.4 {
		t.Fatalf("unexpected disclosure: %+v", d)
	}
}

func TestExecuteUpstreamFailureRestoresBudget(t *testing.T) {
	ctx := context.Background()
	mech := &fakeMechanism{err: errors.New("mechanism exploded")}
	g, store, sink := newTestGate(t, 5.0, mech)

	_, err := g.Execute(ctx, "acct", 1.0, testQuery)
	var upstream *UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected *UpstreamError, got %v", err)
	}

	// The reservation must have been rolled back.
	remaining, _, _ := store.Get(ctx, "acct")
	if remaining != 5.0 {
		t.Fatalf("expected budget restored to 5.0, got %g", remaining)
	}
	if d := sink.last(t); d.Outcome != "upstream_error" {
		t.Fatalf("expected upstream_error disclosure, got %s", d.Outcome)
	}
}

func TestExecuteUpstreamTimeoutRestoresBudget(t *testing.T) {
	ctx := context.Background()
	mech := &fakeMechanism{block: true}
	store := budget.NewMemoryStore()
	_ = store.Initialize(ctx, "acct", 5.0)
	g := New(budget.NewValidator(0, 1.0), budget.NewLedger(store, 5), mech, 20*time.Millisecond)

	start := time.Now()
	_, err := g.Execute(ctx, "acct", 1.0, testQuery)
	var upstream *UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected *UpstreamError on timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("timeout took too long: %v", elapsed)
	}

	remaining, _, _ := store.Get(ctx, "acct")
	if remaining != 5.0 {
		t.Fatalf("expected budget restored after timeout, got %g", remaining)
	}
}

func TestExecuteDetachedFromCallerCancellation(t *testing.T) {
	// A canceled caller context must not cancel the mechanism call: the
	// reservation still has to resolve one way or the other.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	mech := &fakeMechanism{payload: json.RawMessage(`{"value": 1}`)}
	g, store, _ := newTestGate(t, 5.0, mech)

	result, err := g.Execute(ctx, "acct", 0.5, testQuery)
	if err != nil {
		t.Fatalf("execute with canceled caller should still succeed, got %v", err)
	}
	if result.RemainingBudget != 4.5 {
		t.Fatalf("expected remaining 4.5, got %g", result.RemainingBudget)
	}

	mech.mu.Lock()
	callCtx := mech.lastCtx
	mech.mu.Unlock()
	if callCtx.Err() != nil {
		t.Fatalf("mechanism context should be live despite canceled caller, got %v", callCtx.Err())
	}

	remaining, _, _ := store.Get(context.Background(), "acct")
	if remaining != 4.5 {
		t.Fatalf("expected store remaining 4.5, got %g", remaining)
	}
}

func TestExecuteUnknownAccount(t *testing.T) {
	mech := &fakeMechanism{payload: json.RawMessage(`{}`)}
	store := budget.NewMemoryStore()
	g := New(budget.NewValidator(0, 1.0), budget.NewLedger(store, 5), mech, time.Second)

	_, err := g.Execute(context.Background(), "ghost", 0.5, testQuery)
	if !errors.Is(err, budget.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if mech.callCount() != 0 {
		t.Fatal("mechanism must not be called for unknown accounts")
	}
}

func TestExecuteSequentialSpendToExhaustion(t *testing.T) {
	ctx := context.Background()
	mech := &fakeMechanism{payload: json.RawMessage(`{}`)}
	g, _, _ := newTestGate(t, 2.0, mech)

	// Two 1.0 queries drain the budget, the third is rejected.
	for i := 0; i < 2; i++ {
		if _, err := g.Execute(ctx, "acct", 1.0, testQuery); err != nil {
			t.Fatalf("query %d failed: %v", i+1, err)
		}
	}

	_, err := g.Execute(ctx, "acct", 1.0, testQuery)
	var insufficient *budget.InsufficientBudgetError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected exhaustion after 2 queries, got %v", err)
	}
	if insufficient.Remaining != 0 {
		t.Fatalf("expected remaining 0, got %g", insufficient.Remaining)
	}
}
