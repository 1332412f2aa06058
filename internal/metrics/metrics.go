package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PaymentEventsTotal counts payment deliveries by provider and ledger result.
	PaymentEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vpnbot",
		Subsystem: "payments",
		Name:      "events_total",
		Help:      "Payment events by provider and result (accepted, duplicate, rejected).",
	}, []string{"provider", "result"})

	// TransitionsTotal counts committed subscription state changes.
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vpnbot",
		Subsystem: "subscriptions",
		Name:      "transitions_total",
		Help:      "Subscription state transitions by from and to state.",
	}, []string{"from", "to"})

	ProvisioningCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vpnbot",
		Subsystem: "provisioning",
		Name:      "calls_total",
		Help:      "VPN server calls by action and outcome.",
	}, []string{"action", "outcome"})

	ProvisioningDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "vpnbot",
		Subsystem: "provisioning",
		Name:      "call_duration_seconds",
		Help:      "VPN server call latency in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"action"})

	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vpnbot",
		Subsystem: "notify",
		Name:      "notifications_total",
		Help:      "Notifications by kind and result (sent, dropped).",
	}, []string{"kind", "result"})

	NotifyQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vpnbot",
		Subsystem: "notify",
		Name:      "queue_depth",
		Help:      "Notifications waiting for delivery.",
	})

	// JobDuration tracks scheduled job runs (sweep, retry, poll).
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "vpnbot",
		Subsystem: "scheduler",
		Name:      "job_duration_seconds",
		Help:      "Scheduled job duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
	}, []string{"job"})

	JobsSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vpnbot",
		Subsystem: "scheduler",
		Name:      "jobs_skipped_total",
		Help:      "Scheduled job ticks skipped because a previous run was still in flight.",
	}, []string{"job"})

	RefundReviewsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vpnbot",
		Subsystem: "payments",
		Name:      "refund_reviews_total",
		Help:      "Payments flagged for manual refund review.",
	})
)
