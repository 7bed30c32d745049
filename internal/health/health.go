// Package health holds the process-wide health state read by the probe server.
// Writers are the service main loops; readers are HTTP handlers running on
// other goroutines, so every field is an atomic.
package health

import (
	"sync/atomic"
	"time"
)

// State is the ingestion health record. The zero value is "not ready".
type State struct {
	healthy         atomic.Bool
	ready           atomic.Bool
	sourceConnected atomic.Bool
	kafkaConnected  atomic.Bool
	fatal           atomic.Bool
	lastTradeUnix   atomic.Int64
}

// Snapshot is a point-in-time copy of State for reporting.
type Snapshot struct {
	Healthy            bool       `json:"healthy"`
	Ready              bool       `json:"ready"`
	WebsocketConnected bool       `json:"websocket_connected"`
	KafkaConnected     bool       `json:"kafka_connected"`
	LastTradeTime      *time.Time `json:"last_trade_time"`
}

// NewState returns a state that is alive but not ready.
func NewState() *State {
	s := &State{}
	s.healthy.Store(true)
	return s
}

// SetSourceConnected records whether the exchange source (live socket, or the
// REST endpoint during a backfill) is reachable.
func (s *State) SetSourceConnected(v bool) {
	s.sourceConnected.Store(v)
	s.refreshReady()
}

func (s *State) SetKafkaConnected(v bool) {
	s.kafkaConnected.Store(v)
	s.refreshReady()
}

// RecordTrade stamps the time of the last observed trade.
func (s *State) RecordTrade(at time.Time) {
	s.lastTradeUnix.Store(at.UnixNano())
}

// MarkFatal flips the process to permanently unhealthy. Later updates cannot
// make it ready again.
func (s *State) MarkFatal() {
	s.fatal.Store(true)
	s.healthy.Store(false)
	s.ready.Store(false)
}

// MarkStopped is called on shutdown so waiting probes see the terminal state.
func (s *State) MarkStopped() {
	s.MarkFatal()
	s.sourceConnected.Store(false)
}

// Alive reports liveness.
func (s *State) Alive() bool {
	return s.healthy.Load()
}

// Ready reports readiness: alive and connected to both the source and Kafka.
func (s *State) Ready() bool {
	return s.ready.Load()
}

func (s *State) Snapshot() Snapshot {
	snap := Snapshot{
		Healthy:            s.healthy.Load(),
		Ready:              s.ready.Load(),
		WebsocketConnected: s.sourceConnected.Load(),
		KafkaConnected:     s.kafkaConnected.Load(),
	}
	if ns := s.lastTradeUnix.Load(); ns != 0 {
		t := time.Unix(0, ns).UTC()
		snap.LastTradeTime = &t
	}
	return snap
}

func (s *State) refreshReady() {
	if s.fatal.Load() {
		return
	}
	s.ready.Store(s.healthy.Load() && s.sourceConnected.Load() && s.kafkaConnected.Load())
}
