// Package metrics collects engine and hub metrics. The engine depends on
// the Collector interface so tests run with the no-op implementation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector receives engine and hub measurements.
type Collector interface {
	BidAdmitted(isProxy bool)
	BidRejected(reason string)
	CascadeLength(n int)
	TimeExtended()
	AuctionEnded()
	LanesActive(n int)
	EventPublished(eventType string)
	ConnectionOpened()
	ConnectionClosed()
	BroadcastDropped()
}

// Nop is a no-op Collector for tests and wiring without metrics.
type Nop struct{}

func (Nop) BidAdmitted(bool)        {}
func (Nop) BidRejected(string)      {}
func (Nop) CascadeLength(int)       {}
func (Nop) TimeExtended()           {}
func (Nop) AuctionEnded()           {}
func (Nop) LanesActive(int)         {}
func (Nop) EventPublished(string)   {}
func (Nop) ConnectionOpened()       {}
func (Nop) ConnectionClosed()       {}
func (Nop) BroadcastDropped()       {}

// Prometheus implements Collector with prometheus collectors.
type Prometheus struct {
	bidsAdmitted   *prometheus.CounterVec
	bidsRejected   *prometheus.CounterVec
	cascadeLength  prometheus.Histogram
	timeExtensions prometheus.Counter
	auctionsEnded  prometheus.Counter
	lanesActive    prometheus.Gauge
	eventsOut      *prometheus.CounterVec
	connections    prometheus.Gauge
	broadcastDrops prometheus.Counter
}

// NewPrometheus registers the engine metrics on reg and returns the collector.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		bidsAdmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auction_bids_admitted_total",
			Help: "Accepted bids, partitioned by origin.",
		}, []string{"origin"}),
		bidsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auction_bids_rejected_total",
			Help: "Rejected bids by reason.",
		}, []string{"reason"}),
		cascadeLength: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "auction_proxy_cascade_length",
			Help:    "Synthetic bids generated per human-triggered cascade.",
			Buckets: prometheus.LinearBuckets(0, 1, 10),
		}),
		timeExtensions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auction_time_extensions_total",
			Help: "Anti-snipe deadline extensions applied.",
		}),
		auctionsEnded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auction_ended_total",
			Help: "Auctions reaching a terminal ended state.",
		}),
		lanesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "auction_lanes_active",
			Help: "Admission lanes currently running.",
		}),
		eventsOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auction_events_published_total",
			Help: "Committed events handed to the publisher, by type.",
		}, []string{"type"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "auction_hub_connections",
			Help: "Open WebSocket connections.",
		}),
		broadcastDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auction_hub_broadcast_drops_total",
			Help: "Events dropped because a subscriber send buffer was full.",
		}),
	}
	reg.MustRegister(
		p.bidsAdmitted, p.bidsRejected, p.cascadeLength, p.timeExtensions,
		p.auctionsEnded, p.lanesActive, p.eventsOut, p.connections, p.broadcastDrops,
	)
	return p
}

func (p *Prometheus) BidAdmitted(isProxy bool) {
	origin := "human"
	if isProxy {
		origin = "proxy"
	}
	p.bidsAdmitted.WithLabelValues(origin).Inc()
}

func (p *Prometheus) BidRejected(reason string) { p.bidsRejected.WithLabelValues(reason).Inc() }
func (p *Prometheus) CascadeLength(n int)       { p.cascadeLength.Observe(float64(n)) }
func (p *Prometheus) TimeExtended()             { p.timeExtensions.Inc() }
func (p *Prometheus) AuctionEnded()             { p.auctionsEnded.Inc() }
func (p *Prometheus) LanesActive(n int)         { p.lanesActive.Set(float64(n)) }
func (p *Prometheus) EventPublished(t string)   { p.eventsOut.WithLabelValues(t).Inc() }
func (p *Prometheus) ConnectionOpened()         { p.connections.Inc() }
func (p *Prometheus) ConnectionClosed()         { p.connections.Dec() }
func (p *Prometheus) BroadcastDropped()         { p.broadcastDrops.Inc() }
