package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/navid-fn/pricefeed/internal/health"
	"github.com/navid-fn/pricefeed/internal/metrics"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func get(t *testing.T, router http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	router.ServeHTTP(rec, req)
	return rec
}

func TestProbes(t *testing.T) {
	tests := []struct {
		name          string
		setup         func(s *health.State)
		expectHealth  int
		expectReadyOK bool
	}{
		{
			name:          "starting",
			setup:         func(*health.State) {},
			expectHealth:  http.StatusOK,
			expectReadyOK: false,
		},
		{
			name: "connected",
			setup: func(s *health.State) {
				s.SetSourceConnected(true)
				s.SetKafkaConnected(true)
			},
			expectHealth:  http.StatusOK,
			expectReadyOK: true,
		},
		{
			name: "kafka down",
			setup: func(s *health.State) {
				s.SetSourceConnected(true)
			},
			expectHealth:  http.StatusOK,
			expectReadyOK: false,
		},
		{
			name: "fatal",
			setup: func(s *health.State) {
				s.SetSourceConnected(true)
				s.SetKafkaConnected(true)
				s.MarkFatal()
			},
			expectHealth:  http.StatusServiceUnavailable,
			expectReadyOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := health.NewState()
			tt.setup(state)
			router := NewRouter(state, nil)

			assert.Equal(t, tt.expectHealth, get(t, router, "/health").Code)

			ready := get(t, router, "/ready")
			if tt.expectReadyOK {
				assert.Equal(t, http.StatusOK, ready.Code)
			} else {
				assert.Equal(t, http.StatusServiceUnavailable, ready.Code)
			}
		})
	}
}

func TestStatsServesSnapshot(t *testing.T) {
	state := health.NewState()
	state.SetKafkaConnected(true)
	router := NewRouter(state, func() any { return state.Snapshot() })

	rec := get(t, router, "/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["healthy"])
	assert.Equal(t, true, body["kafka_connected"])
	assert.Equal(t, false, body["websocket_connected"])
	assert.Nil(t, body["last_trade_time"])
}

func TestMetricsEndpoint(t *testing.T) {
	metrics.PublishErrors.Add(0)
	router := NewRouter(health.NewState(), nil)

	rec := get(t, router, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "pricefeed_publish_errors_total"))
}

func TestUnknownRoute(t *testing.T) {
	router := NewRouter(health.NewState(), nil)
	assert.Equal(t, http.StatusNotFound, get(t, router, "/nope").Code)
}

func TestRunReportsStoppedBeforeShutdown(t *testing.T) {
	state := health.NewState()
	state.SetSourceConnected(true)
	state.SetKafkaConnected(true)

	logger, _ := test.NewNullLogger()
	srv := New("0", state, nil, logger)
	srv.drain = 300 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopped := srv.Run(ctx)

	require.Eventually(t, func() bool { return srv.Addr() != nil }, 2*time.Second, 5*time.Millisecond)
	base := "http://" + srv.Addr().String()

	status := func(path string) int {
		resp, err := http.Get(base + path)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}
	require.Equal(t, http.StatusOK, status("/health"))
	require.Equal(t, http.StatusOK, status("/ready"))

	cancel()
	require.Eventually(t, func() bool { return !state.Alive() }, time.Second, 5*time.Millisecond)

	// Still serving during the drain period, now in the terminal state.
	assert.Equal(t, http.StatusServiceUnavailable, status("/health"))
	assert.Equal(t, http.StatusServiceUnavailable, status("/ready"))

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down")
	}
	_, err := http.Get(base + "/health")
	assert.Error(t, err)
}
