package wallet

import (
	"context"
	"sync"
)

type memoryRepository struct {
	mu      sync.RWMutex
	byID    map[string]Wallet
	byOwner map[string]Wallet
}

// NewMemoryRepository constructs an in-memory repository for tests and
// local development.
func NewMemoryRepository() Repository {
	return &memoryRepository{
		byID:    make(map[string]Wallet),
		byOwner: make(map[string]Wallet),
	}
}

func ownerKey(ownerID, asset string) string {
	return ownerID + "/" + asset
}

func (r *memoryRepository) GetOrCreate(_ context.Context, wallet Wallet) (Wallet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byOwner[ownerKey(wallet.OwnerID, wallet.Asset)]; ok {
		return existing, nil
	}
	r.byID[wallet.ID] = wallet
	r.byOwner[ownerKey(wallet.OwnerID, wallet.Asset)] = wallet
	return wallet, nil
}

func (r *memoryRepository) Get(_ context.Context, id string) (Wallet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wallet, ok := r.byID[id]
	if !ok {
		return Wallet{}, ErrNotFound
	}
	return wallet, nil
}
