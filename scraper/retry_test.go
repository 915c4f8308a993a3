package scraper

import (
	"testing"
	"time"

	"github.com/aluiziolira/go-acquire/config"
	"github.com/aluiziolira/go-acquire/models"
)

func TestNextDelayWithinBands(t *testing.T) {
	cfg := config.DefaultConfig()
	rs := NewRetryScheduler(cfg)

	kinds := []models.OutcomeKind{models.OutcomeTransient, models.OutcomeMalformed, models.OutcomeCaptcha, models.OutcomeBlocked}
	for attempt := 1; attempt <= 50; attempt++ {
		for _, kind := range kinds {
			lo, hi := cfg.RetryDelayMin, cfg.RetryDelayMax
			if kind == models.OutcomeBlocked {
				lo, hi = cfg.BlockedDelayMin, cfg.BlockedDelayMax
			}
			for i := 0; i < 20; i++ {
				d := rs.NextDelay(attempt, kind)
				if d <= 0 || d >= cfg.DelayCeiling {
					t.Fatalf("NextDelay(%d, %s) = %v, outside (0, %v)", attempt, kind, d, cfg.DelayCeiling)
				}
				if d < lo || d > hi {
					t.Fatalf("NextDelay(%d, %s) = %v, outside [%v, %v]", attempt, kind, d, lo, hi)
				}
			}
		}
	}
}

func TestNextDelayBlockedIsLonger(t *testing.T) {
	cfg := config.DefaultConfig()
	rs := NewRetryScheduler(cfg)
	rs.int64N = func(n int64) int64 { return n - 1 }

	ordinary := rs.NextDelay(1, models.OutcomeTransient)
	rs.int64N = func(int64) int64 { return 0 }
	blocked := rs.NextDelay(1, models.OutcomeBlocked)

	if blocked <= ordinary {
		t.Fatalf("blocked delay %v should exceed the longest ordinary delay %v", blocked, ordinary)
	}
}

func TestNextDelayFloorRisesWithAttempts(t *testing.T) {
	cfg := config.DefaultConfig()
	rs := NewRetryScheduler(cfg)
	rs.int64N = func(int64) int64 { return 0 }

	first := rs.NextDelay(1, models.OutcomeTransient)
	later := rs.NextDelay(4, models.OutcomeTransient)
	capped := rs.NextDelay(100, models.OutcomeTransient)

	if first != cfg.RetryDelayMin {
		t.Fatalf("first delay = %v, want band floor %v", first, cfg.RetryDelayMin)
	}
	if later <= first {
		t.Fatalf("later delay %v should be above first %v", later, first)
	}
	mid := cfg.RetryDelayMin + (cfg.RetryDelayMax-cfg.RetryDelayMin)/2
	if capped != mid {
		t.Fatalf("floor should stop at the band midpoint %v, got %v", mid, capped)
	}
}

func TestNextDelayDegenerateBand(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RetryDelayMin = 50 * time.Millisecond
	cfg.RetryDelayMax = 50 * time.Millisecond
	rs := NewRetryScheduler(cfg)

	if got := rs.NextDelay(3, models.OutcomeTransient); got != 50*time.Millisecond {
		t.Fatalf("NextDelay() = %v, want 50ms", got)
	}
}
