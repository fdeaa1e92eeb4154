// Package budget tracks per-key spend with a reserve/commit/release ledger.
//
// Admission is checked against committed spend plus all open reservations, so
// concurrent requests cannot overshoot a budget between them. Committed spend
// is written through to the store so it survives restarts; reservations are
// in-memory only and die with the process.
package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrBudgetExceeded rejects a reservation that would push spend past the
	// key's limit.
	ErrBudgetExceeded = errors.New("budget: limit exceeded")

	// ErrInvalidState rejects a second commit or release of a reservation.
	ErrInvalidState = errors.New("budget: reservation already resolved")

	// ErrUnknownReservation rejects operations on reservation ids the ledger
	// never issued (or issued before a restart).
	ErrUnknownReservation = errors.New("budget: unknown reservation")
)

// SpendStore persists committed spend. Implemented by the store; nil disables
// persistence (tests, ephemeral setups).
type SpendStore interface {
	AddSpend(ctx context.Context, keyID string, amount float64) error
	GetSpend(ctx context.Context, keyID string) (float64, error)
}

type reservation struct {
	keyID  string
	amount float64
}

type account struct {
	mu        sync.Mutex
	loaded    bool
	committed float64
	reserved  float64
	open      map[string]*reservation
}

// Ledger is the per-key spend ledger. Safe for concurrent use; operations on
// different keys never contend.
type Ledger struct {
	mu       sync.Mutex // guards accounts map only
	accounts map[string]*account
	store    SpendStore
	log      *slog.Logger
}

func NewLedger(store SpendStore, log *slog.Logger) *Ledger {
	if log == nil {
		log = slog.Default()
	}
	return &Ledger{
		accounts: make(map[string]*account),
		store:    store,
		log:      log,
	}
}

func (l *Ledger) account(keyID string) *account {
	l.mu.Lock()
	defer l.mu.Unlock()

	a, ok := l.accounts[keyID]
	if !ok {
		a = &account{open: make(map[string]*reservation)}
		l.accounts[keyID] = a
	}
	return a
}

// load pulls committed spend from the store on first touch. Caller holds a.mu.
func (l *Ledger) load(ctx context.Context, keyID string, a *account) {
	if a.loaded {
		return
	}
	a.loaded = true
	if l.store == nil {
		return
	}
	spent, err := l.store.GetSpend(ctx, keyID)
	if err != nil {
		l.log.ErrorContext(ctx, "budget: load committed spend", "key_id", keyID, "error", err)
		return
	}
	a.committed = spent
}

// Reserve holds amount against the key's budget and returns a reservation id.
// A limit <= 0 means unlimited; the reservation is still recorded so the
// commit/release lifecycle stays uniform.
func (l *Ledger) Reserve(ctx context.Context, keyID string, limit, amount float64) (string, error) {
	if amount < 0 {
		return "", fmt.Errorf("budget: negative reservation %f", amount)
	}

	a := l.account(keyID)
	a.mu.Lock()
	defer a.mu.Unlock()

	l.load(ctx, keyID, a)

	if limit > 0 && a.committed+a.reserved+amount > limit {
		return "", ErrBudgetExceeded
	}

	id := uuid.NewString()
	a.reserved += amount
	a.open[id] = &reservation{keyID: keyID, amount: amount}
	return id, nil
}

// Commit settles a reservation at the actual cost, which may differ from the
// reserved estimate in either direction.
func (l *Ledger) Commit(ctx context.Context, keyID, reservationID string, actual float64) error {
	a := l.account(keyID)
	a.mu.Lock()

	r, ok := a.open[reservationID]
	if !ok {
		a.mu.Unlock()
		return resolveMissing(reservationID)
	}

	delete(a.open, reservationID)
	a.reserved -= r.amount
	a.committed += actual
	a.mu.Unlock()

	if l.store != nil && actual != 0 {
		if err := l.store.AddSpend(ctx, keyID, actual); err != nil {
			// In-memory state stays authoritative for admission; the store
			// catches up on the next successful write or restart reconcile.
			l.log.ErrorContext(ctx, "budget: persist committed spend",
				"key_id", keyID, "amount", actual, "error", err)
		}
	}
	return nil
}

// Release cancels a reservation, returning the held amount to the budget.
func (l *Ledger) Release(_ context.Context, keyID, reservationID string) error {
	a := l.account(keyID)
	a.mu.Lock()
	defer a.mu.Unlock()

	r, ok := a.open[reservationID]
	if !ok {
		return resolveMissing(reservationID)
	}

	delete(a.open, reservationID)
	a.reserved -= r.amount
	return nil
}

// resolveMissing classifies an id absent from the open map: either it was
// already resolved or it was never issued. Tracking every resolved id forever
// would leak, so a well-formed uuid is treated as double-resolution.
func resolveMissing(reservationID string) error {
	if _, err := uuid.Parse(reservationID); err != nil {
		return ErrUnknownReservation
	}
	return ErrInvalidState
}

// Charge reserves and commits in one step. Used for cache hits billed at the
// original request's cost, where no upstream call happens in between.
func (l *Ledger) Charge(ctx context.Context, keyID string, limit, amount float64) error {
	id, err := l.Reserve(ctx, keyID, limit, amount)
	if err != nil {
		return err
	}
	return l.Commit(ctx, keyID, id, amount)
}

// Snapshot reports the key's committed and reserved totals.
func (l *Ledger) Snapshot(ctx context.Context, keyID string) (committed, reserved float64) {
	a := l.account(keyID)
	a.mu.Lock()
	defer a.mu.Unlock()
	l.load(ctx, keyID, a)
	return a.committed, a.reserved
}
