package storage

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/navid-fn/pricefeed/internal/model"
)

// fakeBatch records appended rows; the embedded interface covers methods the archive never calls.
type fakeBatch struct {
	driver.Batch
	rows [][]any
	sent bool
}

func (b *fakeBatch) Append(v ...any) error {
	b.rows = append(b.rows, v)
	return nil
}

func (b *fakeBatch) Send() error {
	b.sent = true
	return nil
}

type fakeConn struct {
	query   string
	batch   *fakeBatch
	prepErr error
	closed  bool
}

func (c *fakeConn) PrepareBatch(_ context.Context, query string, _ ...driver.PrepareBatchOption) (driver.Batch, error) {
	if c.prepErr != nil {
		return nil, c.prepErr
	}
	c.query = query
	c.batch = &fakeBatch{}
	return c.batch, nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func TestCreateTrades(t *testing.T) {
	conn := &fakeConn{}
	insertedAt := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	s := &ClickHouse{conn: conn, now: func() time.Time { return insertedAt }}

	trade, err := model.NewTrade("BTC/EUR", 42000.5, 0.01, "2024-01-02T03:04:05.123456Z")
	require.NoError(t, err)

	require.NoError(t, s.CreateTrades(context.Background(), []model.Trade{trade}))
	assert.True(t, strings.Contains(conn.query, "INSERT INTO trades"))
	require.True(t, conn.batch.sent)
	require.Len(t, conn.batch.rows, 1)

	row := conn.batch.rows[0]
	assert.Equal(t, "BTC/EUR", row[0])
	assert.Equal(t, 42000.5, row[1])
	assert.Equal(t, 0.01, row[2])
	assert.Equal(t, int64(1704164645123), row[3])
	assert.True(t, time.UnixMilli(1704164645123).Equal(row[4].(time.Time)))
	assert.Equal(t, insertedAt, row[5])
}

func TestCreateTradesEmptyIsNoop(t *testing.T) {
	conn := &fakeConn{}
	s := &ClickHouse{conn: conn, now: time.Now}

	require.NoError(t, s.CreateTrades(context.Background(), nil))
	assert.Nil(t, conn.batch)
}

func TestCreateTradesPrepareError(t *testing.T) {
	boom := errors.New("table missing")
	s := &ClickHouse{conn: &fakeConn{prepErr: boom}, now: time.Now}

	trade, err := model.NewTrade("BTC/EUR", 1, 1, "2024-01-02T03:04:05Z")
	require.NoError(t, err)
	assert.ErrorIs(t, s.CreateTrades(context.Background(), []model.Trade{trade}), boom)
}

func TestClose(t *testing.T) {
	conn := &fakeConn{}
	s := &ClickHouse{conn: conn, now: time.Now}
	require.NoError(t, s.Close())
	assert.True(t, conn.closed)
}
