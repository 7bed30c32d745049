// Package ingest drives the exchange connectors and publishes what they
// observe. It owns the retry policy of the live loop and the health state the
// probe server reports.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"

	"github.com/navid-fn/pricefeed/internal/backoff"
	"github.com/navid-fn/pricefeed/internal/health"
	"github.com/navid-fn/pricefeed/internal/kraken"
	"github.com/navid-fn/pricefeed/internal/model"
)

// ErrFatal wraps every error after which the process must exit non-zero.
var ErrFatal = errors.New("ingestion stopped")

// HistoricalSource is implemented by *kraken.HistoricalFetcher.
type HistoricalSource interface {
	FetchStreaming(ctx context.Context, onBatch kraken.BatchFunc) ([]model.Trade, error)
}

// LiveSource is implemented by *kraken.LiveConnector.
type LiveSource interface {
	Connect(ctx context.Context) bool
	GetTrades(ctx context.Context) ([]model.Trade, error)
	IsConnected() bool
	MarkDisconnected()
	Close() error
}

// Publisher is implemented by *publisher.Publisher.
type Publisher interface {
	Publish(ctx context.Context, trade model.Trade) error
	PublishBatch(ctx context.Context, trades []model.Trade) error
}

// Config is the live loop policy.
type Config struct {
	// FailureThreshold consecutive GetTrades errors make the loop fatal.
	FailureThreshold int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Silence forces a reconnect when no trade was seen for this long.
	Silence time.Duration
}

// DefaultConfig returns the production live loop policy.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		InitialBackoff:   time.Second,
		MaxBackoff:       60 * time.Second,
		Silence:          300 * time.Second,
	}
}

// Coordinator runs one job mode against injected sources and a shared publisher.
type Coordinator struct {
	historical HistoricalSource
	live       LiveSource
	publisher  Publisher
	state      *health.State
	cfg        Config
	logger     logrus.FieldLogger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a coordinator. Either source may be nil when the chosen mode
// does not use it.
func New(historical HistoricalSource, live LiveSource, publisher Publisher, state *health.State, cfg Config, logger logrus.FieldLogger) *Coordinator {
	if state == nil {
		state = health.NewState()
	}
	return &Coordinator{
		historical: historical,
		live:       live,
		publisher:  publisher,
		state:      state,
		cfg:        cfg,
		logger:     logger.WithField("component", "coordinator"),
		now:        time.Now,
		sleep:      backoff.Sleep,
	}
}

// Alive reports whether the process is outside the fatal state.
func (c *Coordinator) Alive() bool { return c.state.Alive() }

// Ready reports whether both the source and Kafka are connected.
func (c *Coordinator) Ready() bool { return c.state.Ready() }

// RunBackfill publishes the historical window page by page. Finding no
// trades is logged and is not an error, neither is cancellation.
func (c *Coordinator) RunBackfill(ctx context.Context) error {
	if c.historical == nil {
		return fmt.Errorf("%w: backfill needs a historical source", ErrFatal)
	}

	start := c.now()
	c.state.SetSourceConnected(true)
	defer c.state.SetSourceConnected(false)

	published := 0
	trades, err := c.historical.FetchStreaming(ctx, func(batch []model.Trade) error {
		if err := c.publisher.PublishBatch(ctx, batch); err != nil {
			return err
		}
		published += len(batch)
		c.logger.WithField("published", published).Debug("Published historical batch")
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			c.logger.WithField("published", published).Warn("Backfill interrupted")
			return nil
		}
		c.state.MarkFatal()
		return fmt.Errorf("%w: backfill: %w", ErrFatal, err)
	}

	if len(trades) == 0 {
		c.logger.Warn("No trades were found. Check the time range and product IDs.")
		return nil
	}

	c.logger.WithFields(logrus.Fields{
		"trades":  published,
		"elapsed": c.now().Sub(start).Round(time.Millisecond),
	}).Info("Successfully backfilled trades")
	return nil
}

// RunLive streams trades until ctx is cancelled or a fatal condition occurs.
// Cancellation returns nil; fatal conditions return an error wrapping ErrFatal
// and leave the health state permanently unhealthy.
func (c *Coordinator) RunLive(ctx context.Context) error {
	if c.live == nil {
		return fmt.Errorf("%w: live mode needs a live source", ErrFatal)
	}
	defer c.live.Close()

	c.logger.Info("Starting WebSocket streaming mode")
	if !c.live.Connect(ctx) {
		c.logger.Warn("Initial WebSocket connect failed, retrying through reconnect policy")
	}
	c.state.SetSourceConnected(c.live.IsConnected())

	var (
		failures  int
		delays    retry.Backoff
		lastTrade = c.now()
	)

	for {
		if ctx.Err() != nil {
			return nil
		}

		trades, err := c.live.GetTrades(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.state.SetSourceConnected(false)

			if errors.Is(err, kraken.ErrReconnectExhausted) || errors.Is(err, kraken.ErrClosed) {
				return c.fatal(err)
			}

			failures++
			if failures >= c.cfg.FailureThreshold {
				c.logger.WithField("failures", failures).Error("Too many consecutive errors")
				return c.fatal(err)
			}

			if delays == nil {
				delays = c.newBackoff()
			}
			delay, _ := delays.Next()
			c.logger.WithError(err).WithFields(logrus.Fields{
				"failures": failures,
				"delay":    delay,
			}).Warn("Error in WebSocket mode, backing off")
			if err := c.sleep(ctx, delay); err != nil {
				return nil
			}
			continue
		}

		failures, delays = 0, nil
		c.state.SetSourceConnected(c.live.IsConnected())

		if len(trades) == 0 {
			if silent := c.now().Sub(lastTrade); silent > c.cfg.Silence {
				c.logger.WithField("silent_for", silent.Round(time.Second)).Warn("No trades observed, forcing reconnect")
				c.live.MarkDisconnected()
				c.state.SetSourceConnected(false)
				lastTrade = c.now()
			}
			continue
		}

		for _, trade := range trades {
			if err := c.publisher.Publish(ctx, trade); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return c.fatal(fmt.Errorf("publish: %w", err))
			}
			c.logger.WithField("product_id", trade.ProductID).Debug("Produced message")
		}
		lastTrade = c.now()
	}
}

// RunHybrid backfills and then switches to the live stream on the same publisher.
func (c *Coordinator) RunHybrid(ctx context.Context) error {
	if err := c.RunBackfill(ctx); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return nil
	}
	c.logger.Info("Backfill complete, switching to WebSocket for live data")
	return c.RunLive(ctx)
}

func (c *Coordinator) fatal(err error) error {
	c.state.MarkFatal()
	c.logger.WithError(err).Error("Live ingestion failed permanently")
	return fmt.Errorf("%w: %w", ErrFatal, err)
}

// newBackoff is InitialBackoff doubled per consecutive failure, capped at MaxBackoff.
func (c *Coordinator) newBackoff() retry.Backoff {
	return backoff.Exponential(c.cfg.InitialBackoff, c.cfg.MaxBackoff, 0)
}
