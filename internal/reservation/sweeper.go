package reservation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SweeperConfig contains configuration for the lock sweeper.
type SweeperConfig struct {
	// Interval between sweeps
	Interval time.Duration
	// BatchSize is the number of locks reclaimed per sweep
	BatchSize int
}

// DefaultSweeperConfig returns default configuration.
func DefaultSweeperConfig() *SweeperConfig {
	return &SweeperConfig{
		Interval:  5 * time.Second,
		BatchSize: 200,
	}
}

// Sweeper periodically reclaims expired locks so seats free up even when
// nobody tries to acquire them.
type Sweeper struct {
	svc     *Service
	config  *SweeperConfig
	log     *zap.Logger
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	// Stats
	totalFreed int64
	lastSweep  time.Time
}

// SweeperStats is a snapshot of sweeper activity.
type SweeperStats struct {
	Running    bool      `json:"running"`
	TotalFreed int64     `json:"total_freed"`
	LastSweep  time.Time `json:"last_sweep"`
}

// NewSweeper creates a sweeper for svc.
func NewSweeper(svc *Service, config *SweeperConfig, log *zap.Logger) *Sweeper {
	if config == nil {
		config = DefaultSweeperConfig()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{
		svc:    svc,
		config: config,
		log:    log,
		stopCh: make(chan struct{}),
	}
}

// Start runs the sweep loop in the background.
func (w *Sweeper) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("sweeper already running")
	}
	w.running = true
	w.mu.Unlock()

	w.log.Info("starting lock sweeper",
		zap.Duration("interval", w.config.Interval),
		zap.Int("batch_size", w.config.BatchSize))

	w.wg.Add(1)
	go w.loop(ctx)
	return nil
}

// Stop stops the loop and waits for the sweep in progress.
func (w *Sweeper) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	w.wg.Wait()
	w.log.Info("lock sweeper stopped")
}

func (w *Sweeper) loop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	// Run immediately on start
	w.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce sweeps until a batch comes back short, so a backlog drains in
// one tick.
func (w *Sweeper) RunOnce(ctx context.Context) {
	for {
		freed, err := w.svc.Sweep(ctx, w.config.BatchSize)
		w.mu.Lock()
		w.lastSweep = time.Now()
		w.totalFreed += int64(freed)
		w.mu.Unlock()
		if err != nil {
			w.log.Error("lock sweep failed", zap.Error(err))
			return
		}
		if freed > 0 {
			w.log.Info("expired locks reclaimed", zap.Int("seats", freed))
		}
		if freed < w.config.BatchSize || ctx.Err() != nil {
			return
		}
	}
}

// Stats returns sweeper statistics.
func (w *Sweeper) Stats() SweeperStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return SweeperStats{Running: w.running, TotalFreed: w.totalFreed, LastSweep: w.lastSweep}
}
