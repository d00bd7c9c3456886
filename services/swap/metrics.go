package swap

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marionette",
		Name:      "swap_transitions_total",
		Help:      "Stop notifications handled, by stored state before and after.",
	}, []string{"from", "to"})

	handlerErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marionette",
		Name:      "swap_errors_total",
		Help:      "Stop notifications that failed, by error kind.",
	}, []string{"kind"})

	pollAttempts = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "marionette",
		Name:      "poll_attempts",
		Help:      "Power state observations made per wait.",
		Buckets:   []float64{1, 2, 5, 10, 30, 60, 150, 300},
	}, []string{"expected", "outcome"})
)

func observeTransition(tr Transition, err error) {
	if err == nil {
		transitionsTotal.WithLabelValues(tr.From.String(), tr.To.String()).Inc()
		return
	}
	handlerErrorsTotal.WithLabelValues(errorKind(err)).Inc()
}

func errorKind(err error) string {
	var (
		unknown  *UnknownStateError
		conflict *ConflictError
		timeout  *TimeoutError
		dep      *DependencyError
	)
	switch {
	case errors.As(err, &unknown):
		return "unknown_state"
	case errors.As(err, &conflict):
		return "conflict"
	case errors.As(err, &timeout):
		return "timeout"
	case errors.As(err, &dep):
		return "dependency"
	default:
		return "other"
	}
}
