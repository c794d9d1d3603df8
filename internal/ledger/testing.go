package ledger

import "time"

// SeedBalance is a test helper that seeds a wallet's aggregate when using
// the in-memory store. It writes no ledger entries, so replay verification
// does not hold for seeded wallets; tests exercising the derivability
// invariant must build state through engine operations instead.
func SeedBalance(s Store, walletID string, available, pendingIn, held int64) {
	if mem, ok := s.(*InMemoryStore); ok {
		mem.mu.Lock()
		defer mem.mu.Unlock()
		mem.balances[walletID] = Balance{
			WalletID:  walletID,
			Available: available,
			PendingIn: pendingIn,
			Held:      held,
			UpdatedAt: time.Now(),
		}
	}
}
