// Package metrics defines the prometheus collectors shared by the
// multiplexer and the durable queue.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Mux holds the multiplexer collectors.
type Mux struct {
	CommandsTotal     prometheus.Counter
	CommandsSucceeded prometheus.Counter
	CommandsFailed    prometheus.Counter
	Timeouts          prometheus.Counter
	Retries           prometheus.Counter
	Uncorrelated      prometheus.Counter
	InFlight          prometheus.Gauge
	QueueWaitSeconds  prometheus.Histogram
	ExecSeconds       prometheus.Histogram
}

// NewMux registers and returns the multiplexer collectors. A nil
// registerer uses a private registry, which keeps tests independent.
func NewMux(reg prometheus.Registerer) *Mux {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Mux{
		CommandsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "foreman_mux_commands_total",
			Help: "Commands submitted to the multiplexer.",
		}),
		CommandsSucceeded: factory.NewCounter(prometheus.CounterOpts{
			Name: "foreman_mux_commands_succeeded_total",
			Help: "Commands resolved successfully.",
		}),
		CommandsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "foreman_mux_commands_failed_total",
			Help: "Commands rejected, cancelled, or timed out.",
		}),
		Timeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "foreman_mux_timeouts_total",
			Help: "Command timer expirations, including retried ones.",
		}),
		Retries: factory.NewCounter(prometheus.CounterOpts{
			Name: "foreman_mux_retries_total",
			Help: "Command retransmissions after timeout or process error.",
		}),
		Uncorrelated: factory.NewCounter(prometheus.CounterOpts{
			Name: "foreman_mux_uncorrelated_responses_total",
			Help: "Responses attributed by FIFO fallback because no correlation id matched.",
		}),
		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "foreman_mux_inflight_commands",
			Help: "Commands currently dispatched and awaiting a response.",
		}),
		QueueWaitSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "foreman_mux_queue_wait_seconds",
			Help:    "Time commands spend queued before dispatch.",
			Buckets: prometheus.DefBuckets,
		}),
		ExecSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "foreman_mux_exec_seconds",
			Help:    "Time from dispatch to resolution.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Queue holds the durable queue collectors.
type Queue struct {
	JobsAdded     prometheus.Counter
	JobsAssigned  prometheus.Counter
	JobsCompleted prometheus.Counter
	JobsFailed    prometheus.Counter
	JobsReclaimed prometheus.Counter
	JobsByState   *prometheus.GaugeVec
}

// NewQueue registers and returns the queue collectors. A nil registerer
// uses a private registry.
func NewQueue(reg prometheus.Registerer) *Queue {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Queue{
		JobsAdded: factory.NewCounter(prometheus.CounterOpts{
			Name: "foreman_queue_jobs_added_total",
			Help: "Jobs persisted to the queue.",
		}),
		JobsAssigned: factory.NewCounter(prometheus.CounterOpts{
			Name: "foreman_queue_jobs_assigned_total",
			Help: "Successful claims by workers.",
		}),
		JobsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "foreman_queue_jobs_completed_total",
			Help: "Jobs moved to the completed state.",
		}),
		JobsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "foreman_queue_jobs_failed_total",
			Help: "Jobs that exhausted their attempt budget.",
		}),
		JobsReclaimed: factory.NewCounter(prometheus.CounterOpts{
			Name: "foreman_queue_jobs_reclaimed_total",
			Help: "Stalled active jobs returned to waiting.",
		}),
		JobsByState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "foreman_queue_jobs",
			Help: "Jobs currently in each state.",
		}, []string{"state"}),
	}
}
