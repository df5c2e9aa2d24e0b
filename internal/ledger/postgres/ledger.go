package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bitsimlab/levtrade/internal/domain"
)

// SQLSTATEs raised by the ledger functions in migrations/001_init.sql.
const (
	sqlstateStale               = "LT001"
	sqlstateInsufficientBalance = "LT002"
)

// Ledger implements domain.Ledger using PostgreSQL. Terminal transitions call
// plpgsql functions so each one is a single atomic statement.
type Ledger struct {
	pool *pgxpool.Pool
}

// NewLedger creates a Ledger backed by the given connection pool.
func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

var _ domain.Ledger = (*Ledger)(nil)

// mapError translates the function SQLSTATEs into domain sentinels so the
// engine can tell a raced transition from a transient failure.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlstateStale:
			return domain.ErrStaleState
		case sqlstateInsufficientBalance:
			return domain.ErrInsufficientBalance
		}
	}
	return err
}

// ClosePosition atomically closes an open position via
// close_position_with_balance.
func (l *Ledger) ClosePosition(ctx context.Context, positionID string, closePrice, pnl float64, reason domain.CloseReason) (domain.CloseResult, error) {
	var res domain.CloseResult
	err := l.pool.QueryRow(ctx,
		`SELECT old_balance, new_balance, return_amount
		 FROM close_position_with_balance($1, $2, $3, $4)`,
		positionID, closePrice, pnl, string(reason),
	).Scan(&res.OldBalance, &res.NewBalance, &res.ReturnAmount)
	if err != nil {
		return domain.CloseResult{}, fmt.Errorf("postgres: close position %s: %w", positionID, mapError(err))
	}
	return res, nil
}

// FillLimitOrder atomically fills a pending order via create_or_merge_position
// and returns the resulting position.
func (l *Ledger) FillLimitOrder(ctx context.Context, orderID string, fillPrice float64) (domain.FillResult, error) {
	var action, positionID string
	err := l.pool.QueryRow(ctx,
		`SELECT action, position_id FROM create_or_merge_position($1, $2)`,
		orderID, fillPrice,
	).Scan(&action, &positionID)
	if err != nil {
		return domain.FillResult{}, fmt.Errorf("postgres: fill order %s: %w", orderID, mapError(err))
	}

	pos, err := l.PositionByID(ctx, positionID)
	if err != nil {
		return domain.FillResult{}, fmt.Errorf("postgres: load filled position %s: %w", positionID, err)
	}

	return domain.FillResult{
		Action:     domain.FillAction(action),
		PositionID: positionID,
		Position:   pos,
	}, nil
}

// CancelOrder marks a pending order cancelled. A zero-row update means the
// order already left the pending state.
func (l *Ledger) CancelOrder(ctx context.Context, orderID, reason string) error {
	tag, err := l.pool.Exec(ctx,
		`UPDATE trading_orders
		 SET status = 'cancelled', cancel_reason = $2, updated_at = NOW()
		 WHERE id = $1 AND status = 'pending'`,
		orderID, reason,
	)
	if err != nil {
		return fmt.Errorf("postgres: cancel order %s: %w", orderID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStaleState
	}
	return nil
}

// UpdatePositionMark persists a non-terminal mark refresh for an open
// position.
func (l *Ledger) UpdatePositionMark(ctx context.Context, positionID string, markPrice, pnl, pnlPct float64) error {
	_, err := l.pool.Exec(ctx,
		`UPDATE trading_positions
		 SET mark_price = $2, pnl = $3, pnl_percentage = $4, updated_at = NOW()
		 WHERE id = $1 AND status = 'open'`,
		positionID, markPrice, pnl, pnlPct,
	)
	if err != nil {
		return fmt.Errorf("postgres: update mark for %s: %w", positionID, err)
	}
	return nil
}

// PositionStatus re-reads the durable status of a position.
func (l *Ledger) PositionStatus(ctx context.Context, positionID string) (domain.PositionStatus, error) {
	var status string
	err := l.pool.QueryRow(ctx,
		`SELECT status FROM trading_positions WHERE id = $1`, positionID,
	).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.ErrNotFound
		}
		return "", fmt.Errorf("postgres: position status %s: %w", positionID, err)
	}
	return domain.PositionStatus(status), nil
}

// OrderStatus re-reads the durable status of an order.
func (l *Ledger) OrderStatus(ctx context.Context, orderID string) (domain.OrderStatus, error) {
	var status string
	err := l.pool.QueryRow(ctx,
		`SELECT status FROM trading_orders WHERE id = $1`, orderID,
	).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.ErrNotFound
		}
		return "", fmt.Errorf("postgres: order status %s: %w", orderID, err)
	}
	return domain.OrderStatus(status), nil
}

const positionSelectCols = `id, user_id, symbol, side, size, entry_price,
	leverage, margin, take_profit, stop_loss, status, COALESCE(mark_price, 0),
	pnl, pnl_percentage, opened_at, closed_at`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var side, status string

	err := row.Scan(
		&p.ID, &p.UserID, &p.Symbol, &side,
		&p.Size, &p.EntryPrice, &p.Leverage, &p.Margin,
		&p.TakeProfit, &p.StopLoss, &status,
		&p.MarkPrice, &p.PnL, &p.PnLPercentage,
		&p.OpenedAt, &p.ClosedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Side = domain.PositionSide(side)
	p.Status = domain.PositionStatus(status)
	return p, nil
}

// PositionByID retrieves a single position.
func (l *Ledger) PositionByID(ctx context.Context, id string) (domain.Position, error) {
	row := l.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM trading_positions WHERE id = $1`, id)

	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// OpenPositions returns the snapshot of all open positions.
func (l *Ledger) OpenPositions(ctx context.Context) ([]domain.Position, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM trading_positions
		 WHERE status = 'open'
		 ORDER BY opened_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: open positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan open positions: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate open positions: %w", err)
	}
	return positions, nil
}

const orderSelectCols = `id, user_id, symbol, side, order_type, price, size,
	leverage, take_profit, stop_loss, status, created_at, filled_at`

func scanOrder(row pgx.Row) (domain.Order, error) {
	var o domain.Order
	var side, orderType, status string

	err := row.Scan(
		&o.ID, &o.UserID, &o.Symbol, &side, &orderType,
		&o.Price, &o.Size, &o.Leverage,
		&o.TakeProfit, &o.StopLoss, &status,
		&o.CreatedAt, &o.FilledAt,
	)
	if err != nil {
		return domain.Order{}, err
	}
	o.Side = domain.OrderSide(side)
	o.Type = domain.OrderType(orderType)
	o.Status = domain.OrderStatus(status)
	return o, nil
}

// PendingLimitOrders returns the snapshot of all pending limit orders.
func (l *Ledger) PendingLimitOrders(ctx context.Context) ([]domain.Order, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT `+orderSelectCols+` FROM trading_orders
		 WHERE status = 'pending' AND order_type = 'limit'
		 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: pending orders: %w", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan pending orders: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate pending orders: %w", err)
	}
	return orders, nil
}

// CreateOrder inserts a new order and returns it with the generated id and
// timestamps. Used by the order intake surface; market orders are filled
// immediately by the caller via FillLimitOrder at the current price.
func (l *Ledger) CreateOrder(ctx context.Context, o domain.Order) (domain.Order, error) {
	row := l.pool.QueryRow(ctx,
		`INSERT INTO trading_orders
			(user_id, symbol, side, order_type, price, size, leverage, take_profit, stop_loss)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING `+orderSelectCols,
		o.UserID, o.Symbol, string(o.Side), string(o.Type),
		o.Price, o.Size, o.Leverage, o.TakeProfit, o.StopLoss,
	)

	created, err := scanOrder(row)
	if err != nil {
		return domain.Order{}, fmt.Errorf("postgres: create order: %w", err)
	}
	return created, nil
}

// AvailableBalance returns the user's free balance, creating the account with
// the starting balance on first touch.
func (l *Ledger) AvailableBalance(ctx context.Context, userID string) (float64, error) {
	var balance float64
	err := l.pool.QueryRow(ctx,
		`SELECT get_available_balance($1)`, userID,
	).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("postgres: available balance for %s: %w", userID, err)
	}
	return balance, nil
}
