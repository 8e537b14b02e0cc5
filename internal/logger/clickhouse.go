package logger

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const defaultTable = "request_log"

// ClickHouseConfig holds connection settings for the analytics sink.
type ClickHouseConfig struct {
	Addr     string
	Database string
	Username string
	Password string

	// Table defaults to "request_log".
	Table string
}

// ClickHouseSink inserts audit batches into a ClickHouse table. The expected
// schema:
//
//	CREATE TABLE request_log (
//	    request_id    String,
//	    backend       LowCardinality(String),
//	    model         LowCardinality(String),
//	    input_tokens  UInt32,
//	    output_tokens UInt32,
//	    latency_ms    UInt16,
//	    status        UInt16,
//	    stream        Bool,
//	    created_at    DateTime
//	) ENGINE = MergeTree ORDER BY created_at
type ClickHouseSink struct {
	conn  driver.Conn
	table string
}

// NewClickHouseSink opens the connection and verifies it with a ping.
func NewClickHouseSink(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseSink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse: open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse: ping: %w", err)
	}

	table := cfg.Table
	if table == "" {
		table = defaultTable
	}

	return &ClickHouseSink{conn: conn, table: table}, nil
}

func (s *ClickHouseSink) Write(ctx context.Context, entries []RequestLog) error {
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+s.table)
	if err != nil {
		return fmt.Errorf("clickhouse: prepare: %w", err)
	}
	for _, e := range entries {
		if err := batch.Append(
			e.RequestID,
			e.Backend,
			e.Model,
			e.InputTokens,
			e.OutputTokens,
			e.LatencyMs,
			e.Status,
			e.Stream,
			normalizeTime(e.CreatedAt),
		); err != nil {
			return fmt.Errorf("clickhouse: append: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("clickhouse: send: %w", err)
	}
	return nil
}

func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
