package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Expirer moves overdue unfunded trades to expired.
type Expirer interface {
	ExpireDue(ctx context.Context, limit int) (int, error)
}

// Timer periodically runs a reconciliation pass and the expiry sweep.
type Timer struct {
	reconciler *Reconciler
	expirer    Expirer
	interval   time.Duration
	logger     *slog.Logger
	stop       chan struct{}
	running    atomic.Bool
}

// NewTimer creates a reconciliation timer.
func NewTimer(reconciler *Reconciler, expirer Expirer, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Timer{
		reconciler: reconciler,
		expirer:    expirer,
		interval:   interval,
		logger:     logger,
		stop:       make(chan struct{}),
	}
}

// Running reports whether the timer loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the periodic loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconciliation pass", "panic", fmt.Sprint(r))
		}
	}()

	summary, err := t.reconciler.RunAll(ctx)
	if err != nil {
		t.logger.Warn("reconciliation pass failed", "error", err)
	} else if summary.NewDeposits > 0 || summary.Funded > 0 || summary.Failed > 0 {
		t.logger.Info("reconciliation pass complete",
			"checked", summary.Checked,
			"new_deposits", summary.NewDeposits,
			"funded", summary.Funded,
			"failed", summary.Failed)
	}

	if t.expirer != nil {
		if expired, err := t.expirer.ExpireDue(ctx, 100); err != nil {
			t.logger.Warn("expiry sweep failed", "error", err)
		} else if expired > 0 {
			t.logger.Info("expired unfunded trades", "count", expired)
		}
	}
}
