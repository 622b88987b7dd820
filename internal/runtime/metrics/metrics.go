// Package metrics holds the Prometheus collectors for event delivery. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Transport labels.
const (
	TransportWS   = "ws"
	TransportSSE  = "sse"
	TransportHTTP = "http"
)

// Delivery outcomes.
const (
	OutcomeOK        = "ok"
	OutcomeFailed    = "failed"
	OutcomeTimeout   = "timeout"
	OutcomeDuplicate = "duplicate"
	OutcomeDropped   = "dropped"
	OutcomeRejected  = "rejected"
	OutcomeResync    = "resync"
)

// Metrics tracks broadcast, delivery and connection statistics.
type Metrics struct {
	mu sync.RWMutex

	totals Snapshot

	broadcastsTotal    *prometheus.CounterVec
	broadcastDuration  prometheus.Histogram
	lastSequence       prometheus.Gauge
	deliveriesTotal    *prometheus.CounterVec
	connectionsCurrent *prometheus.GaugeVec
	connectionsTotal   *prometheus.CounterVec
	authFailuresTotal  *prometheus.CounterVec
	inboundTotal       *prometheus.CounterVec
	syncTotal          *prometheus.CounterVec
	resubscribesTotal  prometheus.Counter

	registerer prometheus.Registerer
	registered bool
}

// Snapshot is a point-in-time view of the process-local totals.
type Snapshot struct {
	Broadcasts        uint64    `json:"broadcasts"`
	BroadcastFailures uint64    `json:"broadcast_failures"`
	LastSequence      uint64    `json:"last_sequence"`
	Deliveries        uint64    `json:"deliveries"`
	DeliveryFailures  uint64    `json:"delivery_failures"`
	Connections       int64     `json:"connections"`
	AuthFailures      uint64    `json:"auth_failures"`
	Resubscribes      uint64    `json:"resubscribes"`
	CollectedAt       time.Time `json:"collected_at"`
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chirpflow",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// New creates the collectors. They are not registered until Register.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		registerer:      registerer,
		broadcastsTotal: newCounterVec("bus", "broadcasts_total", "Broadcast calls by outcome", []string{"outcome"}),
		broadcastDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chirpflow",
			Subsystem: "bus",
			Name:      "broadcast_duration_seconds",
			Help:      "Time to sequence, log and publish one envelope",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		lastSequence: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chirpflow",
			Subsystem: "bus",
			Name:      "last_sequence",
			Help:      "Highest sequence assigned by this instance",
		}),
		deliveriesTotal: newCounterVec("listener", "deliveries_total", "Local deliveries by transport and outcome", []string{"transport", "outcome"}),
		connectionsCurrent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "chirpflow",
			Subsystem: "connections",
			Name:      "current",
			Help:      "Open client connections on this instance",
		}, []string{"transport"}),
		connectionsTotal:  newCounterVec("connections", "accepted_total", "Accepted client connections", []string{"transport"}),
		authFailuresTotal: newCounterVec("connections", "auth_failures_total", "Rejected handshakes", []string{"transport"}),
		inboundTotal:      newCounterVec("protocol", "inbound_events_total", "Inbound client events by type and outcome", []string{"event_type", "outcome"}),
		syncTotal:         newCounterVec("bus", "sync_requests_total", "Catch-up requests by outcome", []string{"outcome"}),
		resubscribesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chirpflow",
			Subsystem: "listener",
			Name:      "resubscribes_total",
			Help:      "Broadcast channel resubscriptions after a failure",
		}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.broadcastsTotal,
		m.broadcastDuration,
		m.lastSequence,
		m.deliveriesTotal,
		m.connectionsCurrent,
		m.connectionsTotal,
		m.authFailuresTotal,
		m.inboundTotal,
		m.syncTotal,
		m.resubscribesTotal,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// RecordBroadcast records one broadcast attempt.
func (m *Metrics) RecordBroadcast(sequence uint64, took time.Duration, err error) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		m.totals.BroadcastFailures++
		m.broadcastsTotal.WithLabelValues(OutcomeFailed).Inc()
		return
	}
	m.totals.Broadcasts++
	m.broadcastsTotal.WithLabelValues(OutcomeOK).Inc()
	m.broadcastDuration.Observe(took.Seconds())
	if sequence > m.totals.LastSequence {
		m.totals.LastSequence = sequence
		m.lastSequence.Set(float64(sequence))
	}
}

// RecordDelivery records one local send to a connection.
func (m *Metrics) RecordDelivery(transport, outcome string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if outcome == OutcomeOK {
		m.totals.Deliveries++
	} else {
		m.totals.DeliveryFailures++
	}
	m.deliveriesTotal.WithLabelValues(transport, outcome).Inc()
}

// ConnectionOpened records an accepted connection.
func (m *Metrics) ConnectionOpened(transport string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totals.Connections++
	m.connectionsTotal.WithLabelValues(transport).Inc()
	m.connectionsCurrent.WithLabelValues(transport).Inc()
}

// ConnectionClosed records a closed connection.
func (m *Metrics) ConnectionClosed(transport string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totals.Connections--
	m.connectionsCurrent.WithLabelValues(transport).Dec()
}

// RecordAuthFailure records a rejected handshake.
func (m *Metrics) RecordAuthFailure(transport string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totals.AuthFailures++
	m.authFailuresTotal.WithLabelValues(transport).Inc()
}

// RecordInbound records one inbound client event.
func (m *Metrics) RecordInbound(eventType, outcome string) {
	if m == nil {
		return
	}
	m.inboundTotal.WithLabelValues(eventType, outcome).Inc()
}

// RecordSync records one catch-up request.
func (m *Metrics) RecordSync(outcome string) {
	if m == nil {
		return
	}
	m.syncTotal.WithLabelValues(outcome).Inc()
}

// RecordResubscribe records a listener resubscription.
func (m *Metrics) RecordResubscribe() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totals.Resubscribes++
	m.resubscribesTotal.Inc()
}

// GetSnapshot returns a copy of the process-local totals.
func (m *Metrics) GetSnapshot() Snapshot {
	if m == nil {
		return Snapshot{CollectedAt: time.Now()}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := m.totals
	snapshot.CollectedAt = time.Now()
	return snapshot
}

// Reset clears all metrics (useful for testing).
func (m *Metrics) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totals = Snapshot{}
	m.broadcastsTotal.Reset()
	m.deliveriesTotal.Reset()
	m.connectionsCurrent.Reset()
	m.connectionsTotal.Reset()
	m.authFailuresTotal.Reset()
	m.inboundTotal.Reset()
	m.syncTotal.Reset()
	m.lastSequence.Set(0)
}
