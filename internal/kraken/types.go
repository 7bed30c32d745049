// Package kraken connects to the Kraken exchange: a REST fetcher for
// historical backfills and a WebSocket connector for the live trade channel.
// Both produce model.Trade values.
package kraken

import (
	"fmt"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/navid-fn/pricefeed/internal/model"
)

// RawTrade is one positional REST entry:
// [price, volume, time, side, orderType, misc, (tradeID)].
type RawTrade []any

func (r RawTrade) Price() (float64, error)  { return r.float(0, "price") }
func (r RawTrade) Volume() (float64, error) { return r.float(1, "volume") }

// Time is the execution time in fractional epoch seconds.
func (r RawTrade) Time() (float64, error) { return r.float(2, "time") }

// Trade converts the entry into a model.Trade for productID.
func (r RawTrade) Trade(productID string) (model.Trade, error) {
	price, err := r.Price()
	if err != nil {
		return model.Trade{}, err
	}
	volume, err := r.Volume()
	if err != nil {
		return model.Trade{}, err
	}
	epoch, err := r.Time()
	if err != nil {
		return model.Trade{}, err
	}
	return model.NewTradeFromEpoch(productID, price, volume, epoch)
}

func (r RawTrade) float(idx int, field string) (float64, error) {
	if idx >= len(r) {
		return 0, fmt.Errorf("entry has %d fields, missing %s", len(r), field)
	}
	switch v := r[idx].(type) {
	case float64:
		return v, nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid %s %q: %w", field, v, err)
		}
		return f, nil
	case json.Number:
		return v.Float64()
	default:
		return 0, fmt.Errorf("invalid %s type %T", field, v)
	}
}

// subscribeRequest is the v2 subscribe message.
type subscribeRequest struct {
	Method string          `json:"method"`
	Params subscribeParams `json:"params"`
}

type subscribeParams struct {
	Channel  string   `json:"channel"`
	Symbol   []string `json:"symbol"`
	Snapshot bool     `json:"snapshot"`
}

func newTradeSubscription(productIDs []string) subscribeRequest {
	return subscribeRequest{
		Method: "subscribe",
		Params: subscribeParams{
			Channel:  "trade",
			Symbol:   productIDs,
			Snapshot: false,
		},
	}
}

// wsEnvelope covers every inbound v2 message we care about. Acks carry
// Method, channel pushes carry Channel and Data.
type wsEnvelope struct {
	Method  string          `json:"method"`
	Channel string          `json:"channel"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
}

type wsTrade struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Qty       float64 `json:"qty"`
	Timestamp string  `json:"timestamp"`
}
