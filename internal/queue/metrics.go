package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsAdmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "costgate_queue_jobs_admitted_total",
			Help: "Jobs accepted into the queue",
		},
	)

	jobsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "costgate_queue_jobs_rejected_total",
			Help: "Jobs rejected at admission by reason",
		},
		[]string{"reason"},
	)

	jobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "costgate_queue_jobs_finished_total",
			Help: "Jobs reaching a terminal state by status",
		},
		[]string{"status"},
	)

	activeJobsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "costgate_queue_active_jobs",
			Help: "Jobs currently executing",
		},
	)

	pendingJobsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "costgate_queue_pending_jobs",
			Help: "Jobs waiting in the durable queue",
		},
	)
)
