package room

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Reaper enforces the idle lease on seats: a seat with no client activity
// for longer than the idle timeout is released.
type Reaper struct {
	membership *Membership
	idle       time.Duration
	interval   time.Duration
}

// NewReaper sweeps seats idle for longer than idle once per interval.
func NewReaper(m *Membership, idle, interval time.Duration) *Reaper {
	return &Reaper{membership: m, idle: idle, interval: interval}
}

// Run sweeps every interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	log.Info().Str("module", "reaper").Dur("idle", r.idle).Dur("interval", r.interval).Msg("reaper started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs a single expiry pass.
func (r *Reaper) Sweep(ctx context.Context) int {
	n, err := r.membership.ExpireIdle(ctx, r.idle)
	if err != nil {
		log.Error().Str("module", "reaper").Err(err).Msg("expire idle seats failed")
		return 0
	}
	if n > 0 {
		log.Info().Str("module", "reaper").Int("released", n).Msg("released idle seats")
	}
	return n
}
