package wallet

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidInput reports a resolve request missing owner or asset.
var ErrInvalidInput = errors.New("owner and asset are required")

// Service exposes the wallet registry.
type Service struct {
	repo Repository
}

// NewService builds a wallet service instance.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Resolve returns the wallet for (owner, asset), creating it on first use.
// Asset codes are case-insensitive and stored uppercase, so "btc" and "BTC"
// resolve to the same wallet.
func (s *Service) Resolve(ctx context.Context, ownerID, asset string) (Wallet, error) {
	ownerID = strings.TrimSpace(ownerID)
	asset = strings.ToUpper(strings.TrimSpace(asset))
	if ownerID == "" || asset == "" {
		return Wallet{}, ErrInvalidInput
	}
	candidate := Wallet{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Asset:     asset,
		CreatedAt: time.Now().UTC(),
	}
	return s.repo.GetOrCreate(ctx, candidate)
}

// Get retrieves wallet metadata.
func (s *Service) Get(ctx context.Context, id string) (Wallet, error) {
	return s.repo.Get(ctx, id)
}
