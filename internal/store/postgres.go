package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/quantenergx/trading-engine/internal/model"
)

// PostgresCollateral reads collateral balances from the collateral
// service's PostgreSQL tables. All amounts are NUMERIC and cross the wire
// as text to keep exact decimal precision.
type PostgresCollateral struct {
	pool *pgxpool.Pool
}

// NewPostgresCollateral creates a PostgreSQL-backed collateral store.
func NewPostgresCollateral(pool *pgxpool.Pool) *PostgresCollateral {
	return &PostgresCollateral{pool: pool}
}

func (s *PostgresCollateral) Collateral(ctx context.Context, userID, region string) (model.Collateral, error) {
	var cashS, secS, comS string

	err := s.pool.QueryRow(ctx,
		`SELECT cash::TEXT, securities::TEXT, commodities::TEXT
		 FROM collateral WHERE user_id = $1 AND region = $2`, userID, region).
		Scan(&cashS, &secS, &comS)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Collateral{}, nil
	}
	if err != nil {
		return model.Collateral{}, fmt.Errorf("get collateral %s/%s: %w", userID, region, err)
	}

	c, err := parseCollateral(cashS, secS, comS)
	if err != nil {
		return model.Collateral{}, fmt.Errorf("get collateral %s/%s: %w", userID, region, err)
	}
	return c, nil
}

// parseCollateral converts the NUMERIC text columns. A value that does not
// parse is an error, never a zero balance.
func parseCollateral(cash, securities, commodities string) (model.Collateral, error) {
	var c model.Collateral
	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"cash", cash, &c.Cash},
		{"securities", securities, &c.Securities},
		{"commodities", commodities, &c.Commodities},
	}
	for _, f := range fields {
		v, err := decimal.NewFromString(f.raw)
		if err != nil {
			return model.Collateral{}, fmt.Errorf("parse %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = v
	}
	return c, nil
}

func (s *PostgresCollateral) SetCollateral(ctx context.Context, userID, region string, c model.Collateral) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO collateral (user_id, region, cash, securities, commodities, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, now())
		 ON CONFLICT (user_id, region) DO UPDATE
		 SET cash = EXCLUDED.cash, securities = EXCLUDED.securities,
		     commodities = EXCLUDED.commodities, updated_at = now()`,
		userID, region, c.Cash.String(), c.Securities.String(), c.Commodities.String(),
	)
	if err != nil {
		return fmt.Errorf("set collateral %s/%s: %w", userID, region, err)
	}
	return nil
}
