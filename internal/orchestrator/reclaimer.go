package orchestrator

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/Will-Luck/command-orchestrator/internal/clock"
	"github.com/Will-Luck/command-orchestrator/internal/config"
	"github.com/Will-Luck/command-orchestrator/internal/logging"
	"github.com/Will-Luck/command-orchestrator/internal/metrics"
	"github.com/Will-Luck/command-orchestrator/internal/store"
)

// Reclaimer runs the stale-reclamation task (§4.4) on a fixed interval. It
// must never overlap with itself; busy guards a skip-if-running check
// rather than letting ticks queue up.
type Reclaimer struct {
	store *store.Store
	cfg   *config.Config
	log   *logging.Logger
	clock clock.Clock

	resetCh      chan struct{}
	busy         atomic.Bool
	tickCallback func()
}

// SetTickCallback registers a function invoked after every reclaim tick,
// successful or not. Used to drive the optional textfile metrics export.
func (r *Reclaimer) SetTickCallback(fn func()) {
	r.tickCallback = fn
}

// NewReclaimer constructs a Reclaimer.
func NewReclaimer(st *store.Store, cfg *config.Config, log *logging.Logger, clk clock.Clock) *Reclaimer {
	return &Reclaimer{
		store:   st,
		cfg:     cfg,
		log:     log,
		clock:   clk,
		resetCh: make(chan struct{}, 1),
	}
}

// Run executes reclaim_stale on every StaleCheckInterval tick until ctx is
// cancelled.
func (r *Reclaimer) Run(ctx context.Context) error {
	for {
		select {
		case <-r.clock.After(r.cfg.StaleCheckInterval()):
			r.tick()
		case <-r.resetCh:
			r.log.Info("stale-check interval changed, resetting timer", "interval", r.cfg.StaleCheckInterval())
		case <-ctx.Done():
			r.log.Info("reclaimer stopped")
			return nil
		}
	}
}

func (r *Reclaimer) tick() {
	if !r.busy.CompareAndSwap(false, true) {
		r.log.Warn("skipping stale-reclaim tick; previous tick still running")
		return
	}
	defer r.busy.Store(false)
	if r.tickCallback != nil {
		defer r.tickCallback()
	}

	now := r.clock.Now()
	cutoff := now.Add(-r.cfg.CommandTimeout())
	n, err := r.store.ReclaimStale(cutoff, now)
	if err != nil {
		r.log.Error("stale-reclaim failed", "error", err)
		return
	}
	if n > 0 {
		r.log.Info("reclaimed stale commands", "count", n)
	}
	metrics.ReclaimedStale.Add(float64(n))
}

// SetStaleCheckInterval updates the reclaim period at runtime and wakes the
// run loop so the new interval takes effect without waiting out the old one.
func (r *Reclaimer) SetStaleCheckInterval(d time.Duration) {
	r.cfg.SetStaleCheckInterval(d)
	select {
	case r.resetCh <- struct{}{}:
	default:
	}
}
