package settlement

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/chainvenue/core/internal/matching"
)

// MarketSource lists markets worth sweeping.
type MarketSource interface {
	OpenMarkets(ctx context.Context) ([]string, error)
}

// Status is the worker's observable state.
type Status struct {
	IsRunning    bool `json:"is_running"`
	IsProcessing bool `json:"is_processing"`
}

// TriggerResult is the synchronous outcome of one manual settlement cycle.
type TriggerResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// Worker drives the retroactive matcher, the batcher and the submitter on a
// single periodic timeline. A single-flight flag keeps overlapping ticks from
// running concurrently in one process; the worker is constructed once at
// startup and owns its own lifecycle.
type Worker struct {
	markets   MarketSource
	retro     *matching.RetroactiveMatcher
	batcher   *Batcher
	submitter *Submitter
	logger    *zap.Logger

	mu         sync.Mutex
	running    bool
	cancel     context.CancelFunc
	done       chan struct{}
	processing atomic.Bool
}

// NewWorker creates the background settlement worker.
func NewWorker(markets MarketSource, retro *matching.RetroactiveMatcher, batcher *Batcher, submitter *Submitter, logger *zap.Logger) *Worker {
	return &Worker{
		markets:   markets,
		retro:     retro,
		batcher:   batcher,
		submitter: submitter,
		logger:    logger.Named("settlement-worker"),
	}
}

// Start launches the periodic loop. A second Start while running is an
// error, not a second loop.
func (w *Worker) Start(interval time.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("settlement worker already running")
	}
	if interval <= 0 {
		return fmt.Errorf("invalid worker interval %v", interval)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true

	go w.run(ctx, interval)
	w.logger.Info("settlement worker started", zap.Duration("interval", interval))
	return nil
}

// Stop halts the loop and waits for an in-flight tick to drain.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	cancel()
	<-done
	w.logger.Info("settlement worker stopped")
}

// GetStatus reports the worker's lifecycle and tick state.
func (w *Worker) GetStatus() Status {
	w.mu.Lock()
	running := w.running
	w.mu.Unlock()
	return Status{IsRunning: running, IsProcessing: w.processing.Load()}
}

// TriggerSettlementNow runs one batch-and-drain cycle immediately, used by
// the order submission path as a fire-and-forget hint. The retroactive sweep
// is skipped; only settlement is urgent here.
func (w *Worker) TriggerSettlementNow() TriggerResult {
	if !w.processing.CompareAndSwap(false, true) {
		return TriggerResult{Success: false, Message: "settlement cycle already in progress"}
	}
	defer w.processing.Store(false)

	ctx := context.Background()
	batched, err := w.batcher.BatchPending(ctx)
	if err != nil {
		return TriggerResult{Success: false, Message: "batching failed", Error: err.Error()}
	}
	confirmed, err := w.submitter.Drain(ctx)
	if err != nil {
		return TriggerResult{Success: false, Message: "drain failed", Error: err.Error()}
	}
	return TriggerResult{
		Success: true,
		Message: fmt.Sprintf("settlement cycle complete: %d batched, %d confirmed", batched, confirmed),
	}
}

func (w *Worker) run(ctx context.Context, interval time.Duration) {
	defer close(w.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

// tick runs one full cycle. Nothing may escape: a panicking or failing step
// is logged and the next tick gets a clean slate.
func (w *Worker) tick(ctx context.Context) {
	if !w.processing.CompareAndSwap(false, true) {
		w.logger.Debug("previous cycle still running, skipping tick")
		return
	}
	defer w.processing.Store(false)
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("settlement tick panicked", zap.Any("panic", r))
		}
	}()

	w.sweepMarkets(ctx)

	if _, err := w.batcher.BatchPending(ctx); err != nil {
		w.logger.Error("batching failed this tick", zap.Error(err))
	}
	if _, err := w.submitter.Drain(ctx); err != nil {
		w.logger.Error("drain failed this tick", zap.Error(err))
	}
}

func (w *Worker) sweepMarkets(ctx context.Context) {
	markets, err := w.markets.OpenMarkets(ctx)
	if err != nil {
		w.logger.Error("could not list markets for sweep", zap.Error(err))
		return
	}
	for _, market := range markets {
		if _, err := w.retro.Sweep(ctx, market); err != nil {
			w.logger.Error("retroactive sweep failed",
				zap.String("market", market), zap.Error(err))
		}
	}
}
