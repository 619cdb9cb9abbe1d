package history

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parlorhq/parlor/internal/v1/logging"
	"github.com/parlorhq/parlor/internal/v1/metrics"
)

// Sweeper drives the store's retention policy. It runs Sweep on a fixed
// interval and additionally whenever the store signals that a room overshot
// its cap. Runs never overlap; kicks arriving mid-sweep coalesce into at
// most one follow-up run.
type Sweeper struct {
	store    *Store
	interval time.Duration

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewSweeper returns a sweeper for store. Call Start to begin sweeping and
// Stop to shut it down.
func NewSweeper(store *Store, interval time.Duration) *Sweeper {
	return &Sweeper{
		store:    store,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop in its own goroutine.
func (w *Sweeper) Start() {
	go w.run()
}

// Stop halts the sweep loop and waits for any in-flight sweep to finish.
// Safe to call more than once.
func (w *Sweeper) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		<-w.done
	})
}

func (w *Sweeper) run() {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
		case <-w.store.SweepSignal():
		}
		w.sweepOnce()
	}
}

func (w *Sweeper) sweepOnce() {
	ctx := context.Background()
	ttlDeleted, capDeleted, err := w.store.Sweep(ctx, time.Now())
	if err != nil {
		logging.Error(ctx, "Retention sweep failed", zap.Error(err))
		return
	}
	if ttlDeleted > 0 {
		metrics.HistorySweptRows.WithLabelValues("ttl").Add(float64(ttlDeleted))
	}
	if capDeleted > 0 {
		metrics.HistorySweptRows.WithLabelValues("cap").Add(float64(capDeleted))
	}
	if ttlDeleted+capDeleted > 0 {
		logging.Info(ctx, "Retention sweep removed rows",
			zap.Int64("ttl_deleted", ttlDeleted),
			zap.Int64("cap_deleted", capDeleted))
	}
}
