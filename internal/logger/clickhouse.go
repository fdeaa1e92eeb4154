package logger

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const requestLogDDL = `
CREATE TABLE IF NOT EXISTS request_logs (
	id                UUID,
	key_id            String,
	model_alias       LowCardinality(String),
	deployment        LowCardinality(String),
	provider          LowCardinality(String),
	input_tokens      UInt32,
	output_tokens     UInt32,
	cost_usd          Float64,
	latency_ms        UInt32,
	status            UInt16,
	cached            Bool,
	pricing_missing   Bool,
	failover_attempts UInt8,
	error_kind        LowCardinality(String),
	error_message     String,
	created_at        DateTime64(3, 'UTC')
)
ENGINE = MergeTree
PARTITION BY toYYYYMM(created_at)
ORDER BY (key_id, created_at)
TTL toDateTime(created_at) + INTERVAL 90 DAY
`

const requestLogInsert = `INSERT INTO request_logs (
	id, key_id, model_alias, deployment, provider,
	input_tokens, output_tokens, cost_usd, latency_ms, status,
	cached, pricing_missing, failover_attempts, error_kind, error_message,
	created_at
)`

// ClickHouseSink batch-inserts request logs into ClickHouse for analytics
// and spend reconciliation.
type ClickHouseSink struct {
	conn driver.Conn
}

// NewClickHouseSink connects, verifies with a ping, and ensures the table.
func NewClickHouseSink(ctx context.Context, dsn string) (*ClickHouseSink, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("logger: parse clickhouse dsn: %w", err)
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("logger: open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("logger: ping clickhouse: %w", err)
	}
	if err := conn.Exec(ctx, requestLogDDL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("logger: ensure request_logs table: %w", err)
	}

	return &ClickHouseSink{conn: conn}, nil
}

func (s *ClickHouseSink) WriteBatch(ctx context.Context, entries []RequestLog) error {
	batch, err := s.conn.PrepareBatch(ctx, requestLogInsert)
	if err != nil {
		return fmt.Errorf("logger: prepare batch: %w", err)
	}

	for _, e := range entries {
		err := batch.Append(
			e.ID,
			e.KeyID,
			e.ModelAlias,
			e.Deployment,
			e.Provider,
			e.InputTokens,
			e.OutputTokens,
			e.CostUSD,
			e.LatencyMs,
			e.Status,
			e.Cached,
			e.PricingMissing,
			e.FailoverAttempts,
			e.ErrorKind,
			e.ErrorMessage,
			e.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("logger: append row: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("logger: send batch: %w", err)
	}
	return nil
}

// SpendBucket is one group of the spend aggregation.
type SpendBucket struct {
	Group        string  `json:"group"`
	Requests     uint64  `json:"requests"`
	InputTokens  uint64  `json:"input_tokens"`
	OutputTokens uint64  `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// spendDimensions maps the analytics group_by values onto request_logs
// columns. Whitelisted so the dimension never reaches the query as raw input.
var spendDimensions = map[string]string{
	"model":    "model_alias",
	"provider": "provider",
	"key":      "key_id",
}

// SpendByDimension aggregates request logs since the cutoff, grouped by one
// of "model", "provider", or "key", costliest group first.
func (s *ClickHouseSink) SpendByDimension(ctx context.Context, dimension string, since time.Time) ([]SpendBucket, error) {
	col, ok := spendDimensions[dimension]
	if !ok {
		return nil, fmt.Errorf("logger: unknown spend dimension %q", dimension)
	}

	query := fmt.Sprintf(`
		SELECT
			%s AS grp,
			count() AS requests,
			sum(input_tokens) AS input_tokens,
			sum(output_tokens) AS output_tokens,
			sum(cost_usd) AS cost_usd
		FROM request_logs
		WHERE created_at >= ?
		GROUP BY grp
		ORDER BY cost_usd DESC`, col)

	rows, err := s.conn.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("logger: spend by %s: %w", dimension, err)
	}
	defer rows.Close()

	var out []SpendBucket
	for rows.Next() {
		var b SpendBucket
		if err := rows.Scan(&b.Group, &b.Requests, &b.InputTokens, &b.OutputTokens, &b.CostUSD); err != nil {
			return nil, fmt.Errorf("logger: scan spend bucket: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *ClickHouseSink) Close() error { return s.conn.Close() }
