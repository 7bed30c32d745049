package kraken

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/navid-fn/pricefeed/internal/model"
)

// fakeTradesAPI serves canned pages keyed by pair and since cursor.
type fakeTradesAPI struct {
	mu       sync.Mutex
	pages    map[string]func(since string) (int, string)
	requests map[string][]string
}

func newFakeTradesAPI() *fakeTradesAPI {
	return &fakeTradesAPI{
		pages:    make(map[string]func(since string) (int, string)),
		requests: make(map[string][]string),
	}
}

func (f *fakeTradesAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	pair := r.URL.Query().Get("pair")
	since := r.URL.Query().Get("since")

	f.mu.Lock()
	f.requests[pair] = append(f.requests[pair], since)
	page, ok := f.pages[pair]
	f.mu.Unlock()

	if !ok {
		w.Write([]byte(`{"error":["EQuery:Unknown asset pair"]}`))
		return
	}
	status, body := page(since)
	w.WriteHeader(status)
	w.Write([]byte(body))
}

func (f *fakeTradesAPI) requestsFor(pair string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests[pair]...)
}

func pageBody(key, last string, entries ...string) string {
	return fmt.Sprintf(`{"error":[],"result":{%q:[%s],"last":%q}}`, key, strings.Join(entries, ","), last)
}

func entry(price, volume string, epoch float64) string {
	return fmt.Sprintf(`[%q,%q,%v,"b","l","",1]`, price, volume, epoch)
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func newTestFetcher(t *testing.T, url string, products []string, now time.Time) (*HistoricalFetcher, *sleepRecorder, *test.Hook) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	cfg := DefaultHTTPConfig(url)
	cfg.RateLimiter = rate.NewLimiter(rate.Inf, 1)

	f := NewHistoricalFetcher(products, 1, cfg, logger)
	rec := &sleepRecorder{}
	f.sleep = rec.sleep
	f.now = func() time.Time { return now }
	return f, rec, hook
}

func hasEntry(hook *test.Hook, level logrus.Level, msg string) bool {
	for _, e := range hook.AllEntries() {
		if e.Level == level && e.Message == msg {
			return true
		}
	}
	return false
}

func TestFetchStopsWhenPaginationIsStuck(t *testing.T) {
	api := newFakeTradesAPI()
	api.pages["BTC/EUR"] = func(since string) (int, string) {
		if since == "105000000000" {
			return http.StatusOK, pageBody("XXBTZEUR", "105000000000", entry("102.0", "1.5", 110))
		}
		return http.StatusOK, pageBody("XXBTZEUR", "105000000000",
			entry("100.0", "1.0", 100), entry("101.0", "2.0", 105))
	}
	server := httptest.NewServer(api)
	defer server.Close()

	f, _, hook := newTestFetcher(t, server.URL, []string{"BTC/EUR"}, time.Unix(200, 0))

	trades, err := f.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, trades, 3)
	assert.Equal(t, []int64{100000, 105000, 110000},
		[]int64{trades[0].TimestampMs, trades[1].TimestampMs, trades[2].TimestampMs})
	assert.Len(t, api.requestsFor("BTC/EUR"), 2)
	assert.True(t, hasEntry(hook, logrus.WarnLevel, "Pagination not progressing, cursor unchanged"))
}

func TestFetchGivesUpAfterThreeEmptyPagesAndContinues(t *testing.T) {
	api := newFakeTradesAPI()
	api.pages["ETH/EUR"] = func(string) (int, string) {
		return http.StatusOK, pageBody("XETHZEUR", "", entry("2000", "0.5", 150))
	}
	server := httptest.NewServer(api)
	defer server.Close()

	f, rec, hook := newTestFetcher(t, server.URL, []string{"BAD/EUR", "ETH/EUR"}, time.Unix(200, 0))

	trades, err := f.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "ETH/EUR", trades[0].ProductID)

	assert.Len(t, api.requestsFor("BAD/EUR"), MaxConsecutiveEmptyPages)
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, rec.delays)
	assert.True(t, hasEntry(hook, logrus.ErrorLevel, "Giving up on product after consecutive empty responses"))
}

func TestFetchEmptyPageRetriesSameCursor(t *testing.T) {
	api := newFakeTradesAPI()
	calls := 0
	api.pages["BTC/EUR"] = func(string) (int, string) {
		calls++
		if calls == 1 {
			return http.StatusOK, pageBody("XXBTZEUR", "")
		}
		return http.StatusOK, pageBody("XXBTZEUR", "", entry("100", "1", 120))
	}
	server := httptest.NewServer(api)
	defer server.Close()

	f, _, _ := newTestFetcher(t, server.URL, []string{"BTC/EUR"}, time.Unix(200, 0))

	trades, err := f.Fetch(context.Background())
	require.NoError(t, err)
	assert.Len(t, trades, 1)

	reqs := api.requestsFor("BTC/EUR")
	require.Len(t, reqs, 2)
	assert.Equal(t, reqs[0], reqs[1])
}

func TestFetchStopsAtLiveEdge(t *testing.T) {
	api := newFakeTradesAPI()
	api.pages["BTC/EUR"] = func(string) (int, string) {
		return http.StatusOK, pageBody("XXBTZEUR", "999000000000", entry("100", "1", 950))
	}
	server := httptest.NewServer(api)
	defer server.Close()

	f, rec, _ := newTestFetcher(t, server.URL, []string{"BTC/EUR"}, time.Unix(1000, 0))

	trades, err := f.Fetch(context.Background())
	require.NoError(t, err)
	assert.Len(t, trades, 1)
	assert.Len(t, api.requestsFor("BTC/EUR"), 1)
	assert.Empty(t, rec.delays)
}

func TestFetchFiltersEntriesBeforeLookback(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	api := newFakeTradesAPI()
	api.pages["BTC/EUR"] = func(string) (int, string) {
		return http.StatusOK, pageBody("XXBTZEUR", "",
			entry("100", "1", 900_000), entry("101", "1", 950_000))
	}
	server := httptest.NewServer(api)
	defer server.Close()

	f, _, _ := newTestFetcher(t, server.URL, []string{"BTC/EUR"}, now)

	trades, err := f.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, int64(950_000_000), trades[0].TimestampMs)
}

// pagedAPI returns n ascending pages, each cursor being the next page number.
func pagedAPI(pages int) func(since string) (int, string) {
	return func(since string) (int, string) {
		n := 0
		fmt.Sscanf(since, "page-%d", &n)
		base := float64(100 + n*10)
		next := fmt.Sprintf("page-%d", n+1)
		if n+1 >= pages {
			next = ""
		}
		return http.StatusOK, pageBody("XXBTZEUR", next,
			entry("100", "1", base), entry("100", "1", base+1), entry("100", "1", base+1), entry("100", "1", base+5))
	}
}

func TestFetchPacingAndOrdering(t *testing.T) {
	api := newFakeTradesAPI()
	api.pages["BTC/EUR"] = pagedAPI(12)
	server := httptest.NewServer(api)
	defer server.Close()

	f, rec, _ := newTestFetcher(t, server.URL, []string{"BTC/EUR"}, time.Unix(10_000, 0))

	trades, err := f.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, trades, 48)

	for i := 1; i < len(trades); i++ {
		assert.LessOrEqual(t, trades[i-1].TimestampMs, trades[i].TimestampMs, "index %d", i)
	}

	require.Len(t, rec.delays, 11)
	for i, d := range rec.delays {
		expected := time.Second
		if (i+1)%10 == 0 {
			expected = 2 * time.Second
		}
		assert.Equal(t, expected, d, "delay after request %d", i+1)
	}
}

func TestStreamingMatchesBatch(t *testing.T) {
	api := newFakeTradesAPI()
	api.pages["BTC/EUR"] = pagedAPI(3)
	api.pages["ETH/EUR"] = pagedAPI(2)
	server := httptest.NewServer(api)
	defer server.Close()

	products := []string{"BTC/EUR", "ETH/EUR"}
	batchFetcher, _, _ := newTestFetcher(t, server.URL, products, time.Unix(10_000, 0))
	streamFetcher, _, _ := newTestFetcher(t, server.URL, products, time.Unix(10_000, 0))

	batch, err := batchFetcher.Fetch(context.Background())
	require.NoError(t, err)

	var streamed []model.Trade
	callbacks := 0
	returned, err := streamFetcher.FetchStreaming(context.Background(), func(trades []model.Trade) error {
		callbacks++
		streamed = append(streamed, trades...)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, batch, returned)
	assert.Equal(t, batch, streamed)
	assert.Equal(t, 5, callbacks)
}

func TestFetchStreamingCallbackErrorAborts(t *testing.T) {
	api := newFakeTradesAPI()
	api.pages["BTC/EUR"] = pagedAPI(3)
	api.pages["ETH/EUR"] = pagedAPI(3)
	server := httptest.NewServer(api)
	defer server.Close()

	f, _, _ := newTestFetcher(t, server.URL, []string{"BTC/EUR", "ETH/EUR"}, time.Unix(10_000, 0))

	boom := errors.New("kafka down")
	trades, err := f.FetchStreaming(context.Background(), func([]model.Trade) error { return boom })
	require.ErrorIs(t, err, boom)
	assert.Empty(t, trades)
	assert.Len(t, api.requestsFor("BTC/EUR"), 1)
	assert.Empty(t, api.requestsFor("ETH/EUR"))
}

func TestFetchPageFailures(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		expected FailureReason
	}{
		{"server error", http.StatusBadGateway, `{}`, ReasonStatus},
		{"malformed json", http.StatusOK, `{"error":[],"result":`, ReasonDecode},
		{"upstream error", http.StatusOK, `{"error":["EGeneral:Too many requests"]}`, ReasonUpstream},
		{"missing pair key", http.StatusOK, `{"error":[],"result":{"last":"1"}}`, ReasonNoPair},
		{"bad entries", http.StatusOK, `{"error":[],"result":{"XXBTZEUR":"nope","last":"1"}}`, ReasonDecode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			f, _, _ := newTestFetcher(t, server.URL, []string{"BTC/EUR"}, time.Unix(200, 0))

			page, err := f.FetchPage(context.Background(), "BTC/EUR", "1")
			require.Error(t, err)
			assert.Empty(t, page.Entries)
			assert.Empty(t, page.Cursor)

			var fetchErr *FetchError
			require.True(t, errors.As(err, &fetchErr))
			assert.Equal(t, tt.expected, fetchErr.Reason)
			assert.Equal(t, "BTC/EUR", fetchErr.ProductID)
		})
	}
}

func TestFetchPageSendsCursorAndAcceptHeader(t *testing.T) {
	var gotQuery, gotAccept string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		gotAccept = r.Header.Get("Accept")
		w.Write([]byte(`{"error":[],"result":{"XXBTZEUR":[["1.5","2",1700000000.5,"b","m",""]],"last":1700000000500000000}}`))
	}))
	defer server.Close()

	f, _, _ := newTestFetcher(t, server.URL, []string{"BTC/EUR"}, time.Unix(200, 0))

	page, err := f.FetchPage(context.Background(), "BTC/EUR", "42")
	require.NoError(t, err)
	assert.Equal(t, "pair=BTC%2FEUR&since=42", gotQuery)
	assert.Equal(t, "application/json", gotAccept)
	assert.Equal(t, "1700000000500000000", page.Cursor)
	require.Len(t, page.Entries, 1)

	trade, err := page.Entries[0].Trade("BTC/EUR")
	require.NoError(t, err)
	assert.Equal(t, 1.5, trade.Price)
	assert.Equal(t, 2.0, trade.Quantity)
	assert.Equal(t, int64(1700000000500), trade.TimestampMs)
}

func TestRawTradeRejectsShortEntries(t *testing.T) {
	_, err := RawTrade{"1.0", "2.0"}.Trade("BTC/EUR")
	assert.Error(t, err)

	_, err = RawTrade{"abc", "2.0", 1.0}.Trade("BTC/EUR")
	assert.Error(t, err)
}
