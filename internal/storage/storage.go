// Package storage archives deduplicated trades in ClickHouse.
package storage

import (
	"context"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/navid-fn/pricefeed/internal/model"
)

// batchConn is the part of driver.Conn the archive uses.
type batchConn interface {
	PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error)
	Close() error
}

// ClickHouse writes trades with the native driver's batch insert.
// Safe for concurrent use.
type ClickHouse struct {
	conn batchConn
	now  func() time.Time
}

// NewClickHouse parses the DSN, opens a connection and verifies it with a ping.
func NewClickHouse(dsn string) (*ClickHouse, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	return &ClickHouse{conn: conn, now: time.Now}, nil
}

// CreateTrades inserts trades in one batch. All rows share the same inserted_at.
// The table is a ReplacingMergeTree keyed by (product_id, timestamp_ms), so a
// redelivered batch collapses on merge.
func (s *ClickHouse) CreateTrades(ctx context.Context, trades []model.Trade) error {
	if len(trades) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO trades (
			product_id, price, quantity,
			timestamp_ms, event_time, inserted_at
		)
	`)
	if err != nil {
		return err
	}

	now := s.now()
	for _, t := range trades {
		err := batch.Append(
			t.ProductID,
			t.Price,
			t.Quantity,
			t.TimestampMs,
			t.Time().UTC(),
			now,
		)
		if err != nil {
			return err
		}
	}

	return batch.Send()
}

// Close closes the ClickHouse connection.
func (s *ClickHouse) Close() error {
	return s.conn.Close()
}
