package sqlite

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/nulzo/relay/internal/metering"
)

// Repository persists mirrored ledger entries for querying. The JSONL
// ledger stays the source of truth; this mirror only serves aggregation.
type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Close() error { return r.db.Close() }

const insertEntry = `
INSERT INTO usage_entries (
    ts, trace_id, request_id, agent, provider, model,
    tokens_in, tokens_out, tokens_reasoning,
    latency_ms, cost_micro_usd,
    usage_source, pricing_source,
    phase_id, sprint_id, attempt, outcome, error
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// Insert mirrors one ledger entry.
func (r *Repository) Insert(ctx context.Context, e *metering.Entry) error {
	_, err := r.db.ExecContext(ctx, insertEntry,
		e.TS, e.TraceID, e.RequestID, e.Agent, e.Provider, e.Model,
		e.TokensIn, e.TokensOut, e.TokensReasoning,
		e.LatencyMS, e.CostMicroUSD,
		e.UsageSource, e.PricingSource,
		e.PhaseID, e.SprintID, e.Attempt, e.Outcome, e.Error,
	)
	return err
}

// DailySpend is aggregated cost for one provider on one day.
type DailySpend struct {
	Day           string `db:"day" json:"day"`
	Provider      string `db:"provider" json:"provider"`
	CostMicroUSD  int64  `db:"cost_micro_usd" json:"cost_micro_usd"`
	Calls         int64  `db:"calls" json:"calls"`
	TokensIn      int64  `db:"tokens_in" json:"tokens_in"`
	TokensOut     int64  `db:"tokens_out" json:"tokens_out"`
	EstimatedRows int64  `db:"estimated_rows" json:"estimated_rows"`
}

const spendByDay = `
SELECT substr(ts, 1, 10) AS day,
       provider,
       COALESCE(SUM(cost_micro_usd), 0) AS cost_micro_usd,
       COUNT(*) AS calls,
       COALESCE(SUM(tokens_in), 0) AS tokens_in,
       COALESCE(SUM(tokens_out), 0) AS tokens_out,
       COALESCE(SUM(CASE WHEN usage_source = 'estimated' THEN 1 ELSE 0 END), 0) AS estimated_rows
FROM usage_entries
WHERE ts >= ?
GROUP BY day, provider
ORDER BY day DESC, provider`

// SpendSince aggregates per-day per-provider spend from the given
// RFC3339 timestamp onward.
func (r *Repository) SpendSince(ctx context.Context, since string) ([]DailySpend, error) {
	var out []DailySpend
	err := r.db.SelectContext(ctx, &out, spendByDay, since)
	return out, err
}
