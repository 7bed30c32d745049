// Package model defines the Trade record that flows from the exchange
// connectors through Kafka to the downstream services.
package model

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/goccy/go-json"
)

// TimestampLayout is the ISO-8601 layout used for trades built from epoch seconds.
// Microsecond precision matches what Kraken reports.
const TimestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// Trade represents one executed trade.
// Values are built by NewTrade and passed by value; nothing mutates them afterwards.
type Trade struct {
	// ProductID is the traded pair as the exchange names it (e.g. "BTC/EUR").
	ProductID string `json:"product_id"`

	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`

	// Timestamp is the execution time in ISO-8601.
	Timestamp string `json:"timestamp"`

	// TimestampMs is Timestamp in epoch milliseconds. Downstream services
	// order and deduplicate on it.
	TimestampMs int64 `json:"timestamp_ms"`
}

// NewTrade validates the fields and derives TimestampMs from timestamp.
func NewTrade(productID string, price, quantity float64, timestamp string) (Trade, error) {
	if productID == "" {
		return Trade{}, fmt.Errorf("missing product id")
	}
	if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
		return Trade{}, fmt.Errorf("invalid price: %v", price)
	}
	if math.IsNaN(quantity) || math.IsInf(quantity, 0) || quantity <= 0 {
		return Trade{}, fmt.Errorf("invalid quantity: %v", quantity)
	}

	parsed, err := time.Parse(time.RFC3339Nano, timestamp)
	if err != nil {
		return Trade{}, fmt.Errorf("invalid timestamp %q: %w", timestamp, err)
	}

	return Trade{
		ProductID:   productID,
		Price:       price,
		Quantity:    quantity,
		Timestamp:   timestamp,
		TimestampMs: EpochMillis(parsed),
	}, nil
}

// NewTradeFromEpoch builds a trade from a fractional epoch-seconds time, the
// format Kraken's REST API uses.
func NewTradeFromEpoch(productID string, price, quantity, epochSeconds float64) (Trade, error) {
	return NewTrade(productID, price, quantity, FormatEpoch(epochSeconds))
}

// FormatEpoch renders fractional epoch seconds as a UTC ISO-8601 string.
func FormatEpoch(epochSeconds float64) string {
	micros := int64(math.Round(epochSeconds * 1e6))
	return time.UnixMicro(micros).UTC().Format(TimestampLayout)
}

// EpochMillis rounds t to the nearest millisecond since the epoch.
func EpochMillis(t time.Time) int64 {
	ms := t.Unix() * 1000
	nanos := int64(t.Nanosecond())
	ms += nanos / int64(time.Millisecond)
	if nanos%int64(time.Millisecond) >= int64(time.Millisecond)/2 {
		ms++
	}
	return ms
}

// Time returns the execution time.
func (t Trade) Time() time.Time {
	return time.UnixMilli(t.TimestampMs)
}

// DedupKey identifies a trade for the deduplication service.
func (t Trade) DedupKey() string {
	return t.ProductID + ":" + strconv.FormatInt(t.TimestampMs, 10)
}

// Marshal serializes the trade as the flat JSON record published to Kafka.
func (t Trade) Marshal() ([]byte, error) {
	return json.Marshal(t)
}

// UnmarshalTrade decodes a record produced by Marshal.
func UnmarshalTrade(data []byte) (Trade, error) {
	var t Trade
	if err := json.Unmarshal(data, &t); err != nil {
		return Trade{}, fmt.Errorf("decode trade: %w", err)
	}
	if t.ProductID == "" || t.TimestampMs == 0 {
		return Trade{}, fmt.Errorf("decode trade: missing product_id or timestamp_ms")
	}
	return t, nil
}
