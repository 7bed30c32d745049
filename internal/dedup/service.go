package dedup

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"

	"github.com/navid-fn/pricefeed/internal/backoff"
	"github.com/navid-fn/pricefeed/internal/health"
	"github.com/navid-fn/pricefeed/internal/metrics"
	"github.com/navid-fn/pricefeed/internal/model"
)

// Reader is the part of *kafka.Reader the service needs. Offsets are committed manually.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Writer is the part of *kafka.Writer the service needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Archive persists unique trades. Implemented by *storage.ClickHouse.
type Archive interface {
	CreateTrades(ctx context.Context, trades []model.Trade) error
}

// Config holds the service batching settings.
type Config struct {
	// Topic namespaces keys in the cache.
	Topic string

	// BatchSize is the number of consumed messages to accumulate before flushing.
	BatchSize int

	// BatchTimeout is the maximum time to wait before flushing, even if the batch isn't full.
	BatchTimeout time.Duration

	// RetryDelay is the pause between failed flush attempts.
	RetryDelay time.Duration
}

// Stats is served on /stats.
type Stats struct {
	TotalProcessed  int64 `json:"total_processed"`
	DuplicatesFound int64 `json:"duplicates_found"`
	Invalid         int64 `json:"invalid"`
	Forwarded       int64 `json:"forwarded"`
	CacheSize       int   `json:"cache_size"`
}

// Service consumes the trades topic, drops duplicates and forwards the rest.
// Delivery is at-least-once: keys are remembered and offsets committed only
// after the batch was forwarded and archived, so a redelivered message whose
// batch never completed is forwarded again rather than dropped.
type Service struct {
	reader  Reader
	writer  Writer
	cache   Cache
	archive Archive
	cfg     Config
	state   *health.State
	logger  logrus.FieldLogger

	processed  atomic.Int64
	duplicates atomic.Int64
	invalid    atomic.Int64
	forwarded  atomic.Int64
}

// NewService wires the service. archive may be nil.
func NewService(reader Reader, writer Writer, cache Cache, archive Archive, cfg Config, logger logrus.FieldLogger) *Service {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	return &Service{
		reader:  reader,
		writer:  writer,
		cache:   cache,
		archive: archive,
		cfg:     cfg,
		state:   health.NewState(),
		logger:  logger.WithFields(logrus.Fields{"component": "dedup", "topic": cfg.Topic}),
	}
}

func (s *Service) Alive() bool { return s.state.Alive() }
func (s *Service) Ready() bool { return s.state.Ready() }

// MarkStopped flips the probes to their terminal state.
func (s *Service) MarkStopped() { s.state.MarkStopped() }

func (s *Service) Stats() Stats {
	st := Stats{
		TotalProcessed:  s.processed.Load(),
		DuplicatesFound: s.duplicates.Load(),
		Invalid:         s.invalid.Load(),
		Forwarded:       s.forwarded.Load(),
	}
	if sized, ok := s.cache.(interface{ Size() int }); ok {
		st.CacheSize = sized.Size()
	}
	return st
}

// Start runs the consume loop until ctx is cancelled, then flushes what is buffered.
func (s *Service) Start(ctx context.Context) error {
	s.logger.WithField("batch_size", s.cfg.BatchSize).Info("Starting deduplication loop")
	s.state.SetKafkaConnected(true)

	out := make([]kafka.Message, 0, s.cfg.BatchSize)
	consumed := make([]kafka.Message, 0, s.cfg.BatchSize)
	unique := make([]model.Trade, 0, s.cfg.BatchSize)
	keys := make([]string, 0, s.cfg.BatchSize)
	pending := make(map[string]struct{}, s.cfg.BatchSize)

	ticker := time.NewTicker(s.cfg.BatchTimeout)
	defer ticker.Stop()

	flush := func(ctx context.Context) error {
		if len(consumed) == 0 {
			return nil
		}
		if err := s.flush(ctx, out, consumed, unique, keys); err != nil {
			return err
		}
		out, consumed, unique, keys = out[:0], consumed[:0], unique[:0], keys[:0]
		clear(pending)
		ticker.Reset(s.cfg.BatchTimeout)
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return flush(shutdownCtx)

		case <-ticker.C:
			if err := flush(ctx); err != nil {
				return s.stopOnFlushError(ctx, err)
			}

		default:
			fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.BatchTimeout)
			m, err := s.reader.FetchMessage(fetchCtx)
			cancel()

			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					s.state.SetSourceConnected(true)
					continue
				}
				if errors.Is(err, context.Canceled) {
					continue
				}
				s.state.SetSourceConnected(false)
				s.logger.WithError(err).Error("Kafka fetch error")
				_ = backoff.Sleep(ctx, time.Second)
				continue
			}
			s.state.SetSourceConnected(true)

			consumed = append(consumed, m)
			if fwd, trade, ok := s.process(ctx, m, pending); fwd {
				out = append(out, kafka.Message{Key: m.Key, Value: m.Value, Time: m.Time})
				if ok {
					key := trade.DedupKey()
					pending[key] = struct{}{}
					keys = append(keys, key)
					unique = append(unique, trade)
				}
			}

			if len(consumed) >= s.cfg.BatchSize {
				if err := flush(ctx); err != nil {
					return s.stopOnFlushError(ctx, err)
				}
			}
		}
	}
}

// process decides whether m is forwarded. ok is true when m decoded into trade.
// Undecodable records are passed through untouched. pending holds the keys of
// the unflushed batch, which the cache does not know yet.
func (s *Service) process(ctx context.Context, m kafka.Message, pending map[string]struct{}) (forward bool, trade model.Trade, ok bool) {
	s.processed.Add(1)

	trade, err := model.UnmarshalTrade(m.Value)
	if err != nil {
		s.invalid.Add(1)
		metrics.DedupRecords.WithLabelValues(s.cfg.Topic, "invalid").Inc()
		s.logger.WithError(err).Warn("Could not generate dedup key, passing message through")
		s.forwarded.Add(1)
		return true, model.Trade{}, false
	}

	_, dup := pending[trade.DedupKey()]
	if !dup {
		var err error
		dup, err = s.cache.IsDuplicate(ctx, s.cfg.Topic, trade.DedupKey())
		if err != nil {
			s.logger.WithError(err).WithField("key", trade.DedupKey()).Warn("Cache lookup failed, forwarding")
		}
	}
	if dup {
		s.duplicates.Add(1)
		metrics.DedupRecords.WithLabelValues(s.cfg.Topic, "duplicate").Inc()
		s.logger.WithField("key", trade.DedupKey()).Debug("Dropping duplicate message")
		return false, model.Trade{}, false
	}

	metrics.DedupRecords.WithLabelValues(s.cfg.Topic, "unique").Inc()
	s.forwarded.Add(1)
	return true, trade, true
}

// flush forwards, archives, remembers and commits one batch, retrying the
// first two until ctx is done.
func (s *Service) flush(ctx context.Context, out, consumed []kafka.Message, unique []model.Trade, keys []string) error {
	backoff := retry.NewConstant(s.cfg.RetryDelay)

	if len(out) > 0 {
		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			if err := s.writer.WriteMessages(ctx, out...); err != nil {
				s.state.SetKafkaConnected(false)
				s.logger.WithError(err).WithField("count", len(out)).Error("Forward failed, retrying")
				return retry.RetryableError(err)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("forward batch: %w", err)
		}
		s.state.SetKafkaConnected(true)
	}

	if s.archive != nil && len(unique) > 0 {
		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			if err := s.archive.CreateTrades(ctx, unique); err != nil {
				s.logger.WithError(err).WithField("count", len(unique)).Error("DB insert failed, retrying")
				return retry.RetryableError(err)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("archive batch: %w", err)
		}
		metrics.ArchivedTrades.Add(float64(len(unique)))
	}

	if err := s.cache.Remember(ctx, s.cfg.Topic, keys...); err != nil {
		s.logger.WithError(err).WithField("count", len(keys)).Warn("Failed to remember keys, later copies may pass")
	}

	if err := s.reader.CommitMessages(ctx, consumed...); err != nil {
		s.logger.WithError(err).Warn("Failed to commit offsets")
	}
	return nil
}

func (s *Service) stopOnFlushError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	s.state.MarkFatal()
	return err
}
