package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "brokergate_polls_total",
		Help: "Order status poll iterations by broker and outcome",
	}, []string{"broker", "result"})

	ActivePollTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "brokergate_active_poll_tasks",
		Help: "Number of currently running order polling tasks",
	})

	PollTasksEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "brokergate_poll_tasks_ended_total",
		Help: "Polling tasks retired by final state (terminal, stopped, failed, cancelled)",
	}, []string{"state"})

	BrokerAPILatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "brokergate_broker_api_latency_seconds",
		Help:    "Upstream broker API call latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"broker", "op"})

	AuthExpirations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "brokergate_auth_expirations_total",
		Help: "Connections marked unauthenticated after a broker rejected their token",
	}, []string{"broker"})

	DiagnosticsRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "brokergate_diagnostics_runs_total",
		Help: "Diagnostics pipeline runs by verdict",
	}, []string{"status"})

	LatencyBucket = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "brokergate_latency_bucket",
		Help:    "Request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})
)
