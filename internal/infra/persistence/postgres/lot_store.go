package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/veloxtrade/riskcore/internal/ledger"
	"github.com/veloxtrade/riskcore/internal/schema"
)

// LotStore persists the ledger's open lots. The ordinal column preserves the
// FIFO order that lot matching depends on.
type LotStore struct {
	pool *pgxpool.Pool
}

// NewLotStore constructs a LotStore backed by the provided pool.
func NewLotStore(pool *pgxpool.Pool) *LotStore {
	return &LotStore{pool: pool}
}

const (
	lotDeleteAllSQL = `DELETE FROM lots;`

	lotInsertSQL = `
INSERT INTO lots (ordinal, symbol, side, quantity, entry_price, currency, opened_at)
VALUES (@ordinal, @symbol, @side, @quantity, @entry_price, @currency, @opened_at);
`

	lotSelectSQL = `
SELECT symbol, side, quantity::text, entry_price::text, currency, opened_at
FROM lots
ORDER BY ordinal ASC;
`
)

// Replace atomically swaps the persisted lot set for the given snapshot.
func (s *LotStore) Replace(ctx context.Context, lots []ledger.Lot) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("lot store: begin tx: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			_ = rbErr
		}
	}()

	if _, err := tx.Exec(ctx, lotDeleteAllSQL); err != nil {
		return fmt.Errorf("lot store: clear lots: %w", err)
	}
	for i, lot := range lots {
		args := pgx.NamedArgs{
			"ordinal":     int64(i),
			"symbol":      lot.Symbol,
			"side":        string(lot.Side),
			"quantity":    lot.Quantity.String(),
			"entry_price": lot.EntryPrice.String(),
			"currency":    lot.Currency,
			"opened_at":   lot.OpenedAt,
		}
		if _, err := tx.Exec(ctx, lotInsertSQL, args); err != nil {
			return fmt.Errorf("lot store: insert lot %d: %w", i, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("lot store: commit: %w", err)
	}
	return nil
}

// Load returns the persisted lots in FIFO order.
func (s *LotStore) Load(ctx context.Context) ([]ledger.Lot, error) {
	rows, err := s.pool.Query(ctx, lotSelectSQL)
	if err != nil {
		return nil, fmt.Errorf("lot store: select lots: %w", err)
	}
	defer rows.Close()

	var lots []ledger.Lot
	for rows.Next() {
		var (
			symbol     string
			side       string
			quantity   string
			entryPrice string
			currency   string
			openedAt   time.Time
		)
		if err := rows.Scan(&symbol, &side, &quantity, &entryPrice, &currency, &openedAt); err != nil {
			return nil, fmt.Errorf("lot store: scan lot: %w", err)
		}
		qty, err := decimal.NewFromString(quantity)
		if err != nil {
			return nil, fmt.Errorf("lot store: parse quantity: %w", err)
		}
		price, err := decimal.NewFromString(entryPrice)
		if err != nil {
			return nil, fmt.Errorf("lot store: parse entry price: %w", err)
		}
		lots = append(lots, ledger.Lot{
			Symbol:     symbol,
			Side:       schema.TradeSide(side),
			Quantity:   qty,
			EntryPrice: price,
			Currency:   currency,
			OpenedAt:   openedAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lot store: iterate lots: %w", err)
	}
	return lots, nil
}
