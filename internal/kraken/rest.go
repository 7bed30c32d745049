package kraken

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/navid-fn/pricefeed/internal/backoff"
	"github.com/navid-fn/pricefeed/internal/metrics"
	"github.com/navid-fn/pricefeed/internal/model"
)

const (
	DefaultRESTURL = "https://api.kraken.com/0/public/Trades"

	// RequestTimeout bounds a single page request.
	RequestTimeout = 30 * time.Second

	// LiveEdge: pagination stops once the newest trade is this close to now.
	LiveEdge = 60 * time.Second

	MaxConsecutiveEmptyPages = 3
)

// HTTPConfig holds pagination pacing for the historical endpoint.
type HTTPConfig struct {
	BaseURL        string
	RateLimiter    *rate.Limiter
	RequestTimeout time.Duration

	// PageDelay is the pause between pages; every SlowEvery-th request
	// waits SlowPageDelay instead.
	PageDelay     time.Duration
	SlowPageDelay time.Duration
	SlowEvery     int

	// EmptyPageDelay is the pause before retrying after an empty or failed page.
	EmptyPageDelay time.Duration
}

// DefaultHTTPConfig returns the pacing Kraken's public endpoint tolerates.
func DefaultHTTPConfig(baseURL string) *HTTPConfig {
	return &HTTPConfig{
		BaseURL:        baseURL,
		RateLimiter:    rate.NewLimiter(rate.Limit(1), 2),
		RequestTimeout: RequestTimeout,
		PageDelay:      1 * time.Second,
		SlowPageDelay:  2 * time.Second,
		SlowEvery:      10,
		EmptyPageDelay: 5 * time.Second,
	}
}

// Page is one successful response from the historical endpoint.
type Page struct {
	Entries []RawTrade

	// Cursor is the "last" token to request the next page with. Empty means
	// upstream has no more data.
	Cursor string
}

// FailureReason classifies a failed page request.
type FailureReason string

const (
	ReasonTransport FailureReason = "transport"
	ReasonStatus    FailureReason = "http_status"
	ReasonDecode    FailureReason = "decode"
	ReasonUpstream  FailureReason = "upstream_error"
	ReasonNoPair    FailureReason = "missing_pair"
)

// FetchError is returned by FetchPage when a page could not be obtained.
// Callers treat it like an empty page but can tell it apart from "no data".
type FetchError struct {
	ProductID string
	Reason    FailureReason
	Err       error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %s: %v", e.ProductID, e.Reason, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// tradesResponse is the envelope of GET /0/public/Trades.
// result holds one key per pair plus "last".
type tradesResponse struct {
	Error  []string                   `json:"error"`
	Result map[string]json.RawMessage `json:"result"`
}

// BatchFunc receives each page's trades as soon as they are parsed.
type BatchFunc func(trades []model.Trade) error

// HistoricalFetcher pages through the trades endpoint for a lookback window.
type HistoricalFetcher struct {
	productIDs []string
	lastNDays  int
	config     *HTTPConfig
	client     *http.Client
	logger     logrus.FieldLogger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewHistoricalFetcher creates a fetcher for productIDs over the last lastNDays days.
func NewHistoricalFetcher(productIDs []string, lastNDays int, config *HTTPConfig, logger logrus.FieldLogger) *HistoricalFetcher {
	if config == nil {
		config = DefaultHTTPConfig(DefaultRESTURL)
	}
	return &HistoricalFetcher{
		productIDs: productIDs,
		lastNDays:  lastNDays,
		config:     config,
		client:     &http.Client{Timeout: config.RequestTimeout},
		logger:     logger.WithField("component", "historical"),
		now:        time.Now,
		sleep:      backoff.Sleep,
	}
}

// Fetch returns every trade in the window, accumulated in memory.
func (f *HistoricalFetcher) Fetch(ctx context.Context) ([]model.Trade, error) {
	return f.FetchStreaming(ctx, nil)
}

// FetchStreaming hands each page's trades to onBatch as soon as they are parsed
// and also returns the accumulated list. Products are fetched sequentially.
// A failure on one product never stops the others; an onBatch error or a
// cancelled context aborts the whole fetch.
func (f *HistoricalFetcher) FetchStreaming(ctx context.Context, onBatch BatchFunc) ([]model.Trade, error) {
	earliest := f.now().AddDate(0, 0, -f.lastNDays)
	f.logger.WithFields(logrus.Fields{
		"since":    earliest.UTC().Format(time.RFC3339),
		"products": len(f.productIDs),
	}).Info("Starting historical fetch")

	var all []model.Trade
	for _, productID := range f.productIDs {
		trades, err := f.fetchProduct(ctx, productID, earliest, onBatch)
		all = append(all, trades...)
		if err != nil {
			return all, err
		}
	}

	f.logger.WithField("trades", len(all)).Info("Completed historical fetch across all products")
	return all, nil
}

func (f *HistoricalFetcher) fetchProduct(ctx context.Context, productID string, earliest time.Time, onBatch BatchFunc) ([]model.Trade, error) {
	log := f.logger.WithField("product_id", productID)
	log.WithField("days", f.lastNDays).Info("Fetching trades")

	var (
		trades        []model.Trade
		requestCount  int
		emptyPages    int
		since         = strconv.FormatInt(earliest.UnixNano(), 10)
		liveEdge      = f.now().Add(-LiveEdge)
		earliestEpoch = float64(earliest.UnixNano()) / 1e9
	)

	for {
		if err := ctx.Err(); err != nil {
			return trades, err
		}

		requestCount++
		page, err := f.FetchPage(ctx, productID, since)
		if err != nil || len(page.Entries) == 0 {
			if err != nil && ctx.Err() != nil {
				return trades, ctx.Err()
			}
			emptyPages++
			result := "empty"
			if err != nil {
				result = "failed"
			}
			metrics.HistoricalPages.WithLabelValues(productID, result).Inc()
			log.WithFields(logrus.Fields{"request": requestCount, "error": err}).Warn("No trades received")

			if emptyPages >= MaxConsecutiveEmptyPages {
				log.WithField("empty_pages", emptyPages).Error("Giving up on product after consecutive empty responses")
				return trades, nil
			}
			if err := f.sleep(ctx, f.config.EmptyPageDelay); err != nil {
				return trades, err
			}
			continue
		}
		emptyPages = 0
		metrics.HistoricalPages.WithLabelValues(productID, "ok").Inc()

		batch, latest := f.parseEntries(log, productID, page.Entries, earliestEpoch)
		if len(batch) > 0 {
			log.WithFields(logrus.Fields{"request": requestCount, "trades": len(batch)}).Debug("Parsed page")
			if onBatch != nil {
				if err := onBatch(batch); err != nil {
					return trades, fmt.Errorf("deliver batch for %s: %w", productID, err)
				}
			}
			trades = append(trades, batch...)
		}

		if latest > 0 && latest >= float64(liveEdge.UnixNano())/1e9 {
			log.Info("Reached current time")
			break
		}
		if page.Cursor == "" {
			log.Info("No more data available")
			break
		}
		// Upstream returned the cursor we asked with; paging further would loop forever.
		if page.Cursor == since {
			log.WithField("cursor", since).Warn("Pagination not progressing, cursor unchanged")
			break
		}
		since = page.Cursor

		delay := f.config.PageDelay
		if f.config.SlowEvery > 0 && requestCount%f.config.SlowEvery == 0 {
			delay = f.config.SlowPageDelay
		}
		if err := f.sleep(ctx, delay); err != nil {
			return trades, err
		}
	}

	log.WithField("trades", len(trades)).Info("Completed fetching trades")
	return trades, nil
}

// parseEntries converts raw entries, dropping those before earliestEpoch and
// those that fail validation. latest is the newest entry time seen, filtered or not.
func (f *HistoricalFetcher) parseEntries(log logrus.FieldLogger, productID string, entries []RawTrade, earliestEpoch float64) ([]model.Trade, float64) {
	batch := make([]model.Trade, 0, len(entries))
	var latest float64

	for _, entry := range entries {
		epoch, err := entry.Time()
		if err != nil {
			log.WithError(err).Debug("Skipping entry without time")
			continue
		}
		latest = max(latest, epoch)
		if epoch < earliestEpoch {
			continue
		}

		trade, err := entry.Trade(productID)
		if err != nil {
			log.WithError(err).Error("Error transforming trade data")
			continue
		}
		batch = append(batch, trade)
	}
	return batch, latest
}

// FetchPage issues one page request. Any failure comes back as a *FetchError.
func (f *HistoricalFetcher) FetchPage(ctx context.Context, productID, since string) (Page, error) {
	fail := func(reason FailureReason, err error) (Page, error) {
		return Page{}, &FetchError{ProductID: productID, Reason: reason, Err: err}
	}

	if f.config.RateLimiter != nil {
		if err := f.config.RateLimiter.Wait(ctx); err != nil {
			return fail(ReasonTransport, err)
		}
	}

	params := url.Values{}
	params.Set("pair", productID)
	if since != "" {
		params.Set("since", since)
	}

	reqCtx, cancel := context.WithTimeout(ctx, f.config.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, f.config.BaseURL+"?"+params.Encode(), nil)
	if err != nil {
		return fail(ReasonTransport, err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return fail(ReasonTransport, err)
	}
	defer resp.Body.Close()

	f.logger.WithFields(logrus.Fields{
		"product_id": productID,
		"status":     resp.StatusCode,
		"elapsed":    time.Since(start).Round(time.Millisecond),
	}).Debug("Request completed")

	if resp.StatusCode != http.StatusOK {
		return fail(ReasonStatus, fmt.Errorf("API returned status %d", resp.StatusCode))
	}

	var body tradesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fail(ReasonDecode, err)
	}
	if len(body.Error) > 0 {
		return fail(ReasonUpstream, fmt.Errorf("%v", body.Error))
	}

	var (
		entries []RawTrade
		cursor  string
		found   bool
	)
	for key, raw := range body.Result {
		if key == "last" {
			cursor, err = decodeCursor(raw)
			if err != nil {
				return fail(ReasonDecode, err)
			}
			continue
		}
		if found {
			continue
		}
		if err := json.Unmarshal(raw, &entries); err != nil {
			return fail(ReasonDecode, fmt.Errorf("pair %s: %w", key, err))
		}
		found = true
	}
	if !found {
		return fail(ReasonNoPair, fmt.Errorf("no trades key in result"))
	}

	return Page{Entries: entries, Cursor: cursor}, nil
}

// decodeCursor accepts "last" as either a JSON string or a number.
func decodeCursor(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("invalid last cursor: %s", raw)
	}
	return n.String(), nil
}
