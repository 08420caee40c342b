package accounting

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const apiRequestsDDL = `
CREATE TABLE IF NOT EXISTS api_requests (
	id             String,
	user_id        String,
	model          String,
	endpoint       String,
	method         String,
	status         String,
	tokens_used    Int64,
	credits_used   Int64,
	latency_ms     Int64,
	request_bytes  Int64,
	response_bytes Int64,
	status_code    Int32,
	error_message  String,
	retry_count    Int32,
	ip_address     String,
	user_agent     String,
	created_at     DateTime64(3),
	updated_at     DateTime64(3)
) ENGINE = MergeTree
ORDER BY (created_at, user_id)`

const apiRequestsInsert = `INSERT INTO api_requests (
	id, user_id, model, endpoint, method, status,
	tokens_used, credits_used, latency_ms, request_bytes, response_bytes,
	status_code, error_message, retry_count, ip_address, user_agent,
	created_at, updated_at)`

// ClickHouse is the analytics Inserter backed by clickhouse-go.
type ClickHouse struct {
	conn driver.Conn
}

// OpenClickHouse connects, verifies with a ping, and ensures the
// api_requests table exists.
func OpenClickHouse(ctx context.Context, dsn string) (*ClickHouse, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("accounting: parse clickhouse dsn: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("accounting: open clickhouse: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("accounting: clickhouse ping: %w", err)
	}
	if err := conn.Exec(ctx, apiRequestsDDL); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("accounting: ensure api_requests table: %w", err)
	}
	return &ClickHouse{conn: conn}, nil
}

// Insert writes one batch of terminal records.
func (c *ClickHouse) Insert(ctx context.Context, rows []Record) error {
	batch, err := c.conn.PrepareBatch(ctx, apiRequestsInsert)
	if err != nil {
		return fmt.Errorf("accounting: prepare batch: %w", err)
	}
	for _, r := range rows {
		err := batch.Append(
			r.ID, r.UserID, r.Model, r.Endpoint, r.Method, r.Status,
			int64(r.TokensUsed), r.CreditsUsed, r.LatencyMs,
			int64(r.RequestBytes), int64(r.ResponseBytes),
			int32(r.StatusCode), r.ErrorMessage, int32(r.RetryCount),
			r.IPAddress, r.UserAgent,
			r.CreatedAt, r.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("accounting: append row %s: %w", r.ID, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("accounting: send batch: %w", err)
	}
	return nil
}

// Close releases the connection.
func (c *ClickHouse) Close() error { return c.conn.Close() }
