package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bitsimlab/levtrade/internal/book"
	"github.com/bitsimlab/levtrade/internal/domain"
)

// reconcileLockKey guards reconciliation across replicas so only one process
// performs the wholesale book replace per round.
const reconcileLockKey = "reconcile"

// Reconciler periodically reloads both books from the ledger snapshots to
// repair state drifted by missed notifications or crashed in-flight
// executions. It never overrides an entity currently marked in flight; the
// coordinator's completion is authoritative for those.
type Reconciler struct {
	ledger    domain.Ledger
	positions *book.PositionBook
	orders    *book.OrderBook
	inflight  *book.InFlight
	locks     domain.LockManager // optional
	interval  time.Duration
	logger    *slog.Logger
}

// NewReconciler creates a Reconciler. locks may be nil for single-replica
// deployments.
func NewReconciler(
	ledger domain.Ledger,
	positions *book.PositionBook,
	orders *book.OrderBook,
	inflight *book.InFlight,
	locks domain.LockManager,
	interval time.Duration,
	logger *slog.Logger,
) *Reconciler {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Reconciler{
		ledger:    ledger,
		positions: positions,
		orders:    orders,
		inflight:  inflight,
		locks:     locks,
		interval:  interval,
		logger:    logger.With(slog.String("component", "reconciler")),
	}
}

// Resync replaces both books wholesale with the ledger's current open
// positions and pending limit orders, keeping in-flight entities untouched.
func (r *Reconciler) Resync(ctx context.Context) error {
	positions, err := r.ledger.OpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("engine: load open positions: %w", err)
	}
	orders, err := r.ledger.PendingLimitOrders(ctx)
	if err != nil {
		return fmt.Errorf("engine: load pending orders: %w", err)
	}

	keep := r.inflight.Snapshot()

	prevPositions := r.positions.Len()
	prevOrders := r.orders.Len()

	r.positions.ReplaceAll(positions, keep)
	r.orders.ReplaceAll(orders, keep)

	if r.positions.Len() != prevPositions || r.orders.Len() != prevOrders {
		r.logger.Info("books resynced, drift repaired",
			slog.Int("positions", r.positions.Len()),
			slog.Int("positions_before", prevPositions),
			slog.Int("orders", r.orders.Len()),
			slog.Int("orders_before", prevOrders),
		)
	} else {
		r.logger.Debug("books resynced",
			slog.Int("positions", r.positions.Len()),
			slog.Int("orders", r.orders.Len()),
		)
	}
	return nil
}

// Run resyncs on the configured interval until ctx is cancelled. The caller
// seeds the books with a synchronous Resync before starting the loop; Run
// itself waits for the first interval. Failed rounds are retried on the next
// interval; nothing here is fatal to the process.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.resyncLocked(ctx); err != nil {
				r.logger.Warn("resync failed", slog.String("error", err.Error()))
			}
		}
	}
}

// resyncLocked wraps Resync in the distributed reconcile lock when a lock
// manager is configured. A held lock means another replica is on it this
// round; that is not an error.
func (r *Reconciler) resyncLocked(ctx context.Context) error {
	if r.locks == nil {
		return r.Resync(ctx)
	}

	unlock, err := r.locks.Acquire(ctx, reconcileLockKey, r.interval)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			r.logger.Debug("reconcile lock held by another replica, skipping round")
			return nil
		}
		return fmt.Errorf("engine: acquire reconcile lock: %w", err)
	}
	defer unlock()

	return r.Resync(ctx)
}
