package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	runs           *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	lastSuccess    *prometheus.GaugeVec
	entityFailures *prometheus.CounterVec
	billedAmount   prometheus.Counter
	billedVMs      prometheus.Counter
	forcedStops    prometheus.Counter
	serversOnline  prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "unimanager",
			Name:      "job_runs_total",
			Help:      "Scheduled job invocations by outcome (ok, error, skipped, overlap).",
		}, []string{"job", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "unimanager",
			Name:      "job_duration_seconds",
			Help:      "Wall time of completed job runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"job"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "unimanager",
			Name:      "job_last_success_timestamp_seconds",
			Help:      "Unix time of the last run that completed without error.",
		}, []string{"job"}),
		entityFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "unimanager",
			Name:      "job_entity_failures_total",
			Help:      "Entities skipped by a job run because processing them failed.",
		}, []string{"job"}),
		billedAmount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "unimanager",
			Name:      "billed_amount_total",
			Help:      "Sum of usage debits written by billing cycles.",
		}),
		billedVMs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "unimanager",
			Name:      "billed_vms_total",
			Help:      "Usage debits written by billing cycles.",
		}),
		forcedStops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "unimanager",
			Name:      "vms_force_stopped_total",
			Help:      "VMs stopped by the balance sweep.",
		}),
		serversOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "unimanager",
			Name:      "servers_online",
			Help:      "Servers found online by the last health poll.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.runs, m.duration, m.lastSuccess, m.entityFailures, m.billedAmount, m.billedVMs, m.forcedStops, m.serversOnline)
	}
	return m
}
