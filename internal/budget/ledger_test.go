package budget

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

type fakeSpendStore struct {
	mu    sync.Mutex
	spend map[string]float64
	fail  bool
}

func newFakeSpendStore() *fakeSpendStore {
	return &fakeSpendStore{spend: make(map[string]float64)}
}

func (f *fakeSpendStore) AddSpend(_ context.Context, keyID string, amount float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("store down")
	}
	f.spend[keyID] += amount
	return nil
}

func (f *fakeSpendStore) GetSpend(_ context.Context, keyID string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spend[keyID], nil
}

func TestReserveCommitRelease(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(nil, nil)

	id, err := l.Reserve(ctx, "k1", 10.0, 4.0)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	committed, reserved := l.Snapshot(ctx, "k1")
	if committed != 0 || reserved != 4.0 {
		t.Fatalf("after reserve: committed=%v reserved=%v", committed, reserved)
	}

	if err := l.Commit(ctx, "k1", id, 2.5); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	committed, reserved = l.Snapshot(ctx, "k1")
	if committed != 2.5 || reserved != 0 {
		t.Fatalf("after commit: committed=%v reserved=%v", committed, reserved)
	}

	id2, err := l.Reserve(ctx, "k1", 10.0, 3.0)
	if err != nil {
		t.Fatalf("Reserve #2: %v", err)
	}
	if err := l.Release(ctx, "k1", id2); err != nil {
		t.Fatalf("Release: %v", err)
	}

	committed, reserved = l.Snapshot(ctx, "k1")
	if committed != 2.5 || reserved != 0 {
		t.Fatalf("after release: committed=%v reserved=%v", committed, reserved)
	}
}

func TestReserveRejectsOverBudget(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(nil, nil)

	if _, err := l.Reserve(ctx, "k1", 5.0, 4.0); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	// 4.0 held + 2.0 > 5.0 limit
	if _, err := l.Reserve(ctx, "k1", 5.0, 2.0); !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("err = %v, want ErrBudgetExceeded", err)
	}
}

func TestUnlimitedBudget(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(nil, nil)

	for i := 0; i < 100; i++ {
		id, err := l.Reserve(ctx, "k1", 0, 1000.0)
		if err != nil {
			t.Fatalf("Reserve #%d: %v", i, err)
		}
		if err := l.Commit(ctx, "k1", id, 1000.0); err != nil {
			t.Fatalf("Commit #%d: %v", i, err)
		}
	}
}

func TestDoubleCommit(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(nil, nil)

	id, _ := l.Reserve(ctx, "k1", 10.0, 1.0)
	if err := l.Commit(ctx, "k1", id, 1.0); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := l.Commit(ctx, "k1", id, 1.0); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second Commit = %v, want ErrInvalidState", err)
	}
	if err := l.Release(ctx, "k1", id); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Release after Commit = %v, want ErrInvalidState", err)
	}
}

func TestUnknownReservation(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(nil, nil)

	if err := l.Commit(ctx, "k1", "not-a-uuid", 1.0); !errors.Is(err, ErrUnknownReservation) {
		t.Fatalf("err = %v, want ErrUnknownReservation", err)
	}
}

func TestConcurrentReservationsNeverOvershoot(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(nil, nil)

	const (
		limit   = 100.0
		amount  = 1.0
		workers = 500
	)

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := l.Reserve(ctx, "k1", limit, amount)
			if err != nil {
				return
			}
			admitted.Add(1)
			if err := l.Commit(ctx, "k1", id, amount); err != nil {
				t.Errorf("Commit: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := admitted.Load(); got != 100 {
		t.Fatalf("admitted %d requests, want exactly 100", got)
	}
	committed, reserved := l.Snapshot(ctx, "k1")
	if committed != limit || reserved != 0 {
		t.Fatalf("committed=%v reserved=%v, want %v and 0", committed, reserved, limit)
	}
}

func TestCommitWritesThroughToStore(t *testing.T) {
	ctx := context.Background()
	store := newFakeSpendStore()
	l := NewLedger(store, nil)

	id, _ := l.Reserve(ctx, "k1", 10.0, 2.0)
	if err := l.Commit(ctx, "k1", id, 1.5); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got, _ := store.GetSpend(ctx, "k1")
	if got != 1.5 {
		t.Fatalf("store spend = %v, want 1.5", got)
	}
}

func TestLedgerLoadsCommittedSpendFromStore(t *testing.T) {
	ctx := context.Background()
	store := newFakeSpendStore()
	store.spend["k1"] = 9.5

	l := NewLedger(store, nil)

	// 9.5 already committed, 1.0 more would exceed the 10.0 limit.
	if _, err := l.Reserve(ctx, "k1", 10.0, 1.0); !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("err = %v, want ErrBudgetExceeded", err)
	}
	if _, err := l.Reserve(ctx, "k1", 10.0, 0.5); err != nil {
		t.Fatalf("Reserve within remaining budget: %v", err)
	}
}

func TestCommitSurvivesStoreFailure(t *testing.T) {
	ctx := context.Background()
	store := newFakeSpendStore()
	store.fail = true
	l := NewLedger(store, nil)

	id, _ := l.Reserve(ctx, "k1", 10.0, 2.0)
	if err := l.Commit(ctx, "k1", id, 2.0); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	committed, _ := l.Snapshot(ctx, "k1")
	if committed != 2.0 {
		t.Fatalf("committed = %v, want 2.0 despite store failure", committed)
	}
}

func TestCharge(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(nil, nil)

	if err := l.Charge(ctx, "k1", 5.0, 3.0); err != nil {
		t.Fatalf("Charge: %v", err)
	}
	if err := l.Charge(ctx, "k1", 5.0, 3.0); !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("second Charge = %v, want ErrBudgetExceeded", err)
	}
}
