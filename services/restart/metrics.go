package restart

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marionette",
		Name:      "restart_jobs_total",
		Help:      "Restart jobs by outcome.",
	}, []string{"outcome"})

	restartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marionette",
		Name:      "restart_instances_total",
		Help:      "Instance restarts attempted by the worker, by outcome.",
	}, []string{"outcome"})
)
