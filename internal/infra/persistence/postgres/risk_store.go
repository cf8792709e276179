package postgres

import (
	"context"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/veloxtrade/riskcore/internal/risk"
)

// RiskStateStore persists the single live risk-counter snapshot.
type RiskStateStore struct {
	pool *pgxpool.Pool
}

// NewRiskStateStore constructs a RiskStateStore backed by the provided pool.
func NewRiskStateStore(pool *pgxpool.Pool) *RiskStateStore {
	return &RiskStateStore{pool: pool}
}

const (
	riskUpsertSQL = `
INSERT INTO risk_states (id, state, updated_at)
VALUES (1, @state::jsonb, NOW())
ON CONFLICT (id) DO UPDATE SET
    state = EXCLUDED.state,
    updated_at = NOW();
`

	riskSelectSQL = `SELECT state FROM risk_states WHERE id = 1;`
)

// Save upserts the risk state snapshot.
func (s *RiskStateStore) Save(ctx context.Context, state risk.State) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("risk store: encode state: %w", err)
	}
	if _, err := s.pool.Exec(ctx, riskUpsertSQL, pgx.NamedArgs{"state": payload}); err != nil {
		return fmt.Errorf("risk store: upsert state: %w", err)
	}
	return nil
}

// Load returns the persisted risk state, if any.
func (s *RiskStateStore) Load(ctx context.Context) (risk.State, bool, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, riskSelectSQL).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return risk.State{}, false, nil
		}
		return risk.State{}, false, fmt.Errorf("risk store: select state: %w", err)
	}
	var state risk.State
	if err := json.Unmarshal(payload, &state); err != nil {
		return risk.State{}, false, fmt.Errorf("risk store: decode state: %w", err)
	}
	return state, true, nil
}
