package database

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"crossarb/internal/config"
	"crossarb/internal/model"
)

// Repository defines the standard interface for audit log storage.
type Repository interface {
	Record(ctx context.Context, e model.TradeEntry) error
	History(ctx context.Context, planID string) ([]model.TradeEntry, error)
	Stranded(ctx context.Context) ([]model.TradeEntry, error)
}

// PostgresRepository stores trade entries in the trade_entries table. Rows
// are only ever inserted.
type PostgresRepository struct {
	Pool *pgxpool.Pool
}

// Connect opens a connection pool and checks it.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("database: parse config: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("database: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database: ping: %w", err)
	}
	return pool, nil
}

const entryColumns = `plan_id, ts, state, exchange_buy, exchange_sell, asset, network, amounts, order_refs, outcome, error`

func (r *PostgresRepository) Record(ctx context.Context, e model.TradeEntry) error {
	amounts, err := json.Marshal(nonNilAmounts(e.Amounts))
	if err != nil {
		return fmt.Errorf("database: encode amounts: %w", err)
	}
	refs, err := json.Marshal(nonNilRefs(e.OrderRefs))
	if err != nil {
		return fmt.Errorf("database: encode order refs: %w", err)
	}
	sql := `INSERT INTO trade_entries (` + entryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9::jsonb, $10, $11)`
	_, err = r.Pool.Exec(ctx, sql,
		e.PlanID, e.Timestamp, string(e.State), e.ExchangeBuy, e.ExchangeSell, e.Asset, e.Network,
		string(amounts), string(refs), string(e.Outcome), e.Error,
	)
	if err != nil {
		return fmt.Errorf("database: insert trade entry: %w", err)
	}
	return nil
}

func (r *PostgresRepository) History(ctx context.Context, planID string) ([]model.TradeEntry, error) {
	rows, err := r.Pool.Query(ctx, `SELECT `+entryColumns+` FROM trade_entries WHERE plan_id = $1 ORDER BY id`, planID)
	if err != nil {
		return nil, fmt.Errorf("database: query history: %w", err)
	}
	return collect(rows)
}

// Stranded returns the latest entry of every plan whose last state is
// STRANDED, oldest first.
func (r *PostgresRepository) Stranded(ctx context.Context) ([]model.TradeEntry, error) {
	sql := `SELECT ` + entryColumns + ` FROM (
			SELECT DISTINCT ON (plan_id) id, ` + entryColumns + `
			FROM trade_entries
			ORDER BY plan_id, id DESC
		) latest
		WHERE state = $1
		ORDER BY ts, id`
	rows, err := r.Pool.Query(ctx, sql, string(model.StateStranded))
	if err != nil {
		return nil, fmt.Errorf("database: query stranded: %w", err)
	}
	return collect(rows)
}

func collect(rows pgx.Rows) ([]model.TradeEntry, error) {
	defer rows.Close()
	var out []model.TradeEntry
	for rows.Next() {
		var (
			e                   model.TradeEntry
			state, outcome      string
			amountsRaw, refsRaw []byte
		)
		err := rows.Scan(&e.PlanID, &e.Timestamp, &state, &e.ExchangeBuy, &e.ExchangeSell, &e.Asset,
			&e.Network, &amountsRaw, &refsRaw, &outcome, &e.Error)
		if err != nil {
			return nil, fmt.Errorf("database: scan trade entry: %w", err)
		}
		e.State, e.Outcome = model.State(state), model.Outcome(outcome)
		if err := json.Unmarshal(amountsRaw, &e.Amounts); err != nil {
			return nil, fmt.Errorf("database: decode amounts: %w", err)
		}
		if err := json.Unmarshal(refsRaw, &e.OrderRefs); err != nil {
			return nil, fmt.Errorf("database: decode order refs: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nonNilAmounts(m map[string]decimal.Decimal) map[string]decimal.Decimal {
	if m == nil {
		return map[string]decimal.Decimal{}
	}
	return m
}

func nonNilRefs(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

var _ Repository = (*PostgresRepository)(nil)
