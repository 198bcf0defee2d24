package logger

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// requestsTable is the analytics table batches are inserted into. The schema
// matches RequestLog column for column:
//
//	CREATE TABLE gateway_requests (
//	    id            UUID,
//	    provider      LowCardinality(String),
//	    model         LowCardinality(String),
//	    input_tokens  UInt32,
//	    output_tokens UInt32,
//	    latency_ms    UInt16,
//	    status        UInt16,
//	    cached        Bool,
//	    created_at    DateTime
//	) ENGINE = MergeTree ORDER BY (created_at, provider)
const requestsTable = "gateway_requests"

// ClickHouseSink writes request-log batches to ClickHouse for analytics.
type ClickHouseSink struct {
	conn driver.Conn
}

// NewClickHouseSink connects using a clickhouse:// DSN and verifies the
// connection with a ping.
func NewClickHouseSink(ctx context.Context, dsn string) (*ClickHouseSink, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("clickhouse sink: parse DSN: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("clickhouse sink: open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close() //nolint:errcheck
		return nil, fmt.Errorf("clickhouse sink: ping: %w", err)
	}
	return &ClickHouseSink{conn: conn}, nil
}

// Write inserts one batch. A failed batch is dropped by the caller; request
// logs are best-effort analytics, not an audit trail.
func (s *ClickHouseSink) Write(ctx context.Context, batch []RequestLog) error {
	b, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+requestsTable)
	if err != nil {
		return fmt.Errorf("clickhouse sink: prepare: %w", err)
	}
	for _, e := range batch {
		if err := b.Append(
			e.ID,
			e.Provider,
			e.Model,
			e.InputTokens,
			e.OutputTokens,
			e.LatencyMs,
			e.Status,
			e.Cached,
			normalizeTime(e.CreatedAt),
		); err != nil {
			return fmt.Errorf("clickhouse sink: append: %w", err)
		}
	}
	if err := b.Send(); err != nil {
		return fmt.Errorf("clickhouse sink: send: %w", err)
	}
	return nil
}

// Ready reports whether the connection answers a ping; the health checker
// probes it.
func (s *ClickHouseSink) Ready(ctx context.Context) bool {
	return s.conn.Ping(ctx) == nil
}

// Close releases the connection.
func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
