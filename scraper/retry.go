package scraper

import (
	"math/rand/v2"
	"time"

	"github.com/aluiziolira/go-acquire/config"
	"github.com/aluiziolira/go-acquire/models"
)

// RetryScheduler produces randomized inter-attempt delays. Ordinary pacing
// draws from the retry band; a Blocked outcome draws from the longer blocked
// band. Delays never grow without bound.
type RetryScheduler struct {
	retryMin, retryMax     time.Duration
	blockedMin, blockedMax time.Duration
	ceiling                time.Duration

	int64N func(n int64) int64
}

// NewRetryScheduler builds a scheduler from the delay bands in cfg.
func NewRetryScheduler(cfg *config.Config) *RetryScheduler {
	return &RetryScheduler{
		retryMin:   cfg.RetryDelayMin,
		retryMax:   cfg.RetryDelayMax,
		blockedMin: cfg.BlockedDelayMin,
		blockedMax: cfg.BlockedDelayMax,
		ceiling:    cfg.DelayCeiling,
		int64N:     rand.Int64N,
	}
}

// NextDelay returns the pause before attempt number attempt (1-based) given
// the previous outcome. Later attempts draw from the upper half of the band.
func (rs *RetryScheduler) NextDelay(attempt int, kind models.OutcomeKind) time.Duration {
	lo, hi := rs.retryMin, rs.retryMax
	if kind == models.OutcomeBlocked {
		lo, hi = rs.blockedMin, rs.blockedMax
	}
	if attempt > 1 {
		// shift the floor halfway up the band, at most
		shift := (hi - lo) / 2
		if step := (hi - lo) / 8 * time.Duration(attempt-1); step < shift {
			shift = step
		}
		lo += shift
	}

	delay := lo
	if span := int64(hi - lo); span > 0 {
		delay += time.Duration(rs.int64N(span + 1))
	}

	if delay <= 0 {
		delay = time.Millisecond
	}
	if rs.ceiling > 0 && delay >= rs.ceiling {
		delay = rs.ceiling - time.Millisecond
	}
	return delay
}
