package tracker

import (
	"context"

	"golang.org/x/time/rate"
)

// ReplayPacer throttles the burst of session/consumer/producer/transaction
// recreation commands a reconnect replays to the broker, so a connection
// carrying hundreds of tracked objects does not flood the broker with a
// single-instant command storm.
type ReplayPacer struct {
	limiter *rate.Limiter
}

// NewReplayPacer creates a pacer allowing burst commands immediately and
// perSecond thereafter. A non-positive perSecond disables pacing.
func NewReplayPacer(perSecond float64, burst int) *ReplayPacer {
	if perSecond <= 0 {
		return &ReplayPacer{}
	}
	return &ReplayPacer{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Wait blocks until the pacer admits the next replay command, or ctx is
// done. A pacer constructed with no limiter never blocks.
func (p *ReplayPacer) Wait(ctx context.Context) error {
	if p == nil || p.limiter == nil {
		return nil
	}
	return p.limiter.Wait(ctx)
}
