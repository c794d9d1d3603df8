package risk

import (
	"context"
	"fmt"
	"time"
)

// DailyCapPolicy denies a reservation when the trailing-window withdrawal
// volume plus the new amount would exceed a fixed cap. A cap of zero
// disables the check.
type DailyCapPolicy struct {
	cap    int64
	window time.Duration
}

// NewDailyCapPolicy builds the default policy. The window falls back to 24h
// when unset.
func NewDailyCapPolicy(cap int64, window time.Duration) *DailyCapPolicy {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &DailyCapPolicy{cap: cap, window: window}
}

func (p *DailyCapPolicy) Window() time.Duration { return p.window }

func (p *DailyCapPolicy) Approve(_ context.Context, _ string, amount, windowSum int64, _ Context) Decision {
	if p.cap > 0 && windowSum+amount > p.cap {
		return Decision{Reason: fmt.Sprintf("daily withdrawal volume %d exceeds cap %d", windowSum+amount, p.cap)}
	}
	return Decision{Allowed: true}
}
