package feedmetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// adapter
	UpstreamConns = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "feed_upstream_conns",
		Help: "Connected upstream sessions per provider",
	}, []string{"provider"})
	UpstreamConnectTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feed_upstream_connect_total",
		Help: "Upstream connect attempts partitioned by result",
	}, []string{"provider", "result"})
	TicksInTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feed_ticks_in_total",
		Help: "Normalized ticks produced by adapters",
	}, []string{"provider"})
	ParseErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feed_parse_errors_total",
		Help: "Upstream payloads that could not be decoded",
	}, []string{"provider"})
	SubOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feed_sub_ops_total",
		Help: "Total subscription operations",
	}, []string{"provider", "op"}) // sub/unsub/reject
	PingSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feed_ping_sent_total",
		Help: "Liveness probes sent on idle upstream connections",
	}, []string{"provider"})
	PollDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "feed_poll_duration_seconds",
		Help:    "Duration of one REST batch request",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"provider", "status"})

	// orchestrator
	AdapterPhase = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "feed_adapter_phase",
		Help: "Adapter lifecycle phase (1 for the current phase)",
	}, []string{"provider", "phase"})
	AdapterRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feed_adapter_restarts_total",
		Help: "Supervised adapter restarts",
	}, []string{"provider"})
	AdapterFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feed_adapter_failures_total",
		Help: "Adapter failures partitioned by error kind",
	}, []string{"provider", "kind"})
	AssignedSymbols = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "feed_assigned_symbols",
		Help: "Symbols assigned per provider",
	}, []string{"provider"})
	UnassignedSymbols = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "feed_unassigned_symbols",
		Help: "Active symbols no provider could take",
	})
	RebalanceTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feed_rebalance_total",
		Help: "Rebalance runs partitioned by scope",
	}, []string{"scope"}) // full/scoped
	RebalanceDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "feed_rebalance_duration_seconds",
		Help:    "Duration of assignment computation",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
	})

	// queue
	QueueAppendTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feed_queue_append_total",
		Help: "Quote events appended per partition",
	}, []string{"partition"})
	QueueAppendErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feed_queue_append_errors_total",
		Help: "Failed appends per partition (before retry)",
	}, []string{"partition"})
	QueueRedeliveredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feed_queue_redelivered_total",
		Help: "Entries claimed after the visibility window",
	}, []string{"partition"})
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "feed_queue_depth",
		Help: "Sampled partition length",
	}, []string{"partition"})

	// relay
	RelayForwardTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feed_relay_forward_total",
		Help: "Enriched quotes forwarded to the gateway",
	}, []string{"result"})
	RelayBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "feed_relay_batch_size",
		Help:    "Entries per forwarded batch",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 512},
	})
	RelayForwardDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "feed_relay_forward_duration_seconds",
		Help:    "Duration of a gateway forward",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	})
	RelayMissingRefTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feed_relay_missing_ref_total",
		Help: "Quotes forwarded without a reference price",
	})
	RefPriceSymbols = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "feed_refprice_symbols",
		Help: "Symbols in the current reference price snapshot",
	})
	GatewayConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "feed_gateway_connected",
		Help: "1 while the gateway link is up",
	})
)

func ObserveConnect(provider string, err error) {
	if err != nil {
		UpstreamConnectTotal.WithLabelValues(provider, "err").Inc()
		return
	}
	UpstreamConnectTotal.WithLabelValues(provider, "ok").Inc()
}

func ObservePoll(provider string, dur time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "err"
	}
	PollDuration.WithLabelValues(provider, status).Observe(dur.Seconds())
}

func ObserveForward(n int, dur time.Duration, err error) {
	RelayForwardDuration.Observe(dur.Seconds())
	if err != nil {
		RelayForwardTotal.WithLabelValues("err").Add(float64(n))
		return
	}
	if n > 0 {
		RelayForwardTotal.WithLabelValues("ok").Add(float64(n))
		RelayBatchSize.Observe(float64(n))
	}
}

// SetPhase 同一 provider 只有一个 phase 为 1
func SetPhase(provider string, phases []string, current string) {
	for _, p := range phases {
		v := 0.0
		if p == current {
			v = 1
		}
		AdapterPhase.WithLabelValues(provider, p).Set(v)
	}
}
