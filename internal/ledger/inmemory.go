package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var errTxClosed = errors.New("transaction closed")

// InMemoryStore keeps the ledger and aggregates in process memory. It honors
// the same per-wallet locking and idempotency contract as the Postgres store
// and backs unit tests and local development.
type InMemoryStore struct {
	mu           sync.Mutex
	locks        map[string]chan struct{}
	balances     map[string]Balance
	entries      []Entry
	byKey        map[string]int
	reservedKeys map[string]bool
	nextID       int64
}

// NewInMemory creates an empty in-memory store.
func NewInMemory() *InMemoryStore {
	return &InMemoryStore{
		locks:        make(map[string]chan struct{}),
		balances:     make(map[string]Balance),
		byKey:        make(map[string]int),
		reservedKeys: make(map[string]bool),
		nextID:       1,
	}
}

// Begin acquires the wallet's exclusive lock, blocking until it is free or
// the context ends. Writes are buffered in the returned transaction and
// become visible only on Commit.
func (s *InMemoryStore) Begin(ctx context.Context, walletID string) (Tx, error) {
	s.mu.Lock()
	sem, ok := s.locks[walletID]
	if !ok {
		sem = make(chan struct{}, 1)
		s.locks[walletID] = sem
	}
	s.mu.Unlock()

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: wallet %s", ErrLockTimeout, walletID)
	}

	s.mu.Lock()
	bal, ok := s.balances[walletID]
	if !ok {
		bal = Balance{WalletID: walletID}
	}
	s.mu.Unlock()

	return &memTx{store: s, sem: sem, walletID: walletID, snapshot: bal}, nil
}

func (s *InMemoryStore) Balance(_ context.Context, walletID string) (Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bal, ok := s.balances[walletID]
	if !ok {
		return Balance{WalletID: walletID}, nil
	}
	return bal, nil
}

func (s *InMemoryStore) Entries(_ context.Context, walletID string, limit int, beforeID int64) ([]Entry, error) {
	limit = normalizeLimit(limit)
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, limit)
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if e.WalletID != walletID {
			continue
		}
		if beforeID > 0 && e.ID >= beforeID {
			continue
		}
		out = append(out, e)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *InMemoryStore) FindByKey(_ context.Context, idemKey string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findByKeyLocked(idemKey), nil
}

func (s *InMemoryStore) findByKeyLocked(idemKey string) *Entry {
	idx, ok := s.byKey[idemKey]
	if !ok {
		return nil
	}
	e := s.entries[idx]
	return &e
}

type memTx struct {
	store    *InMemoryStore
	sem      chan struct{}
	walletID string
	snapshot Balance

	pending    []Entry
	reserved   []string
	dAvailable int64
	dPendingIn int64
	dHeld      int64
	done       bool
}

func (t *memTx) Balance() Balance { return t.snapshot }

func (t *memTx) FindByKey(_ context.Context, idemKey string) (*Entry, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	return t.store.findByKeyLocked(idemKey), nil
}

func (t *memTx) Append(_ context.Context, e Entry) (int64, error) {
	if t.done {
		return 0, errTxClosed
	}
	if e.Amount <= 0 {
		return 0, ErrInvalidAmount
	}

	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	if e.IdempotencyKey != "" {
		if _, exists := t.store.byKey[e.IdempotencyKey]; exists {
			return 0, ErrDuplicateOperation
		}
		if t.store.reservedKeys[e.IdempotencyKey] {
			return 0, ErrDuplicateOperation
		}
		t.store.reservedKeys[e.IdempotencyKey] = true
		t.reserved = append(t.reserved, e.IdempotencyKey)
	}

	e.ID = t.store.nextID
	t.store.nextID++
	e.WalletID = t.walletID
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	t.pending = append(t.pending, e)
	return e.ID, nil
}

func (t *memTx) ApplyDelta(_ context.Context, dAvailable, dPendingIn, dHeld int64) error {
	if t.done {
		return errTxClosed
	}
	next := Balance{
		Available: t.snapshot.Available + t.dAvailable + dAvailable,
		PendingIn: t.snapshot.PendingIn + t.dPendingIn + dPendingIn,
		Held:      t.snapshot.Held + t.dHeld + dHeld,
	}
	if next.Available < 0 || next.PendingIn < 0 || next.Held < 0 {
		return fmt.Errorf("wallet %s: delta would drive a bucket below zero", t.walletID)
	}
	t.dAvailable += dAvailable
	t.dPendingIn += dPendingIn
	t.dHeld += dHeld
	return nil
}

func (t *memTx) SumAmountByTypeSince(_ context.Context, typ EntryType, since time.Time) (int64, error) {
	if t.done {
		return 0, errTxClosed
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	var sum int64
	for _, e := range t.store.entries {
		if e.WalletID == t.walletID && e.Type == typ && !e.CreatedAt.Before(since) {
			sum += e.Amount
		}
	}
	for _, e := range t.pending {
		if e.Type == typ && !e.CreatedAt.Before(since) {
			sum += e.Amount
		}
	}
	return sum, nil
}

func (t *memTx) Commit(_ context.Context) error {
	if t.done {
		return errTxClosed
	}

	t.store.mu.Lock()
	bal, ok := t.store.balances[t.walletID]
	if !ok {
		bal = Balance{WalletID: t.walletID}
	}
	bal.Available += t.dAvailable
	bal.PendingIn += t.dPendingIn
	bal.Held += t.dHeld
	if n := len(t.pending); n > 0 {
		bal.UpdatedAt = t.pending[n-1].CreatedAt
	}
	t.store.balances[t.walletID] = bal

	for _, e := range t.pending {
		if e.IdempotencyKey != "" {
			t.store.byKey[e.IdempotencyKey] = len(t.store.entries)
			delete(t.store.reservedKeys, e.IdempotencyKey)
		}
		t.store.entries = append(t.store.entries, e)
	}
	t.store.mu.Unlock()

	t.done = true
	<-t.sem
	return nil
}

func (t *memTx) Rollback(_ context.Context) error {
	if t.done {
		return nil
	}

	t.store.mu.Lock()
	for _, k := range t.reserved {
		delete(t.store.reservedKeys, k)
	}
	t.store.mu.Unlock()

	t.done = true
	<-t.sem
	return nil
}

func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	}
	return limit
}
