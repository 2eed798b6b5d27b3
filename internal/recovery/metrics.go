package recovery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	failuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sessiond",
		Subsystem: "recovery",
		Name:      "failures_total",
		Help:      "Classified conversation turn failures by kind.",
	}, []string{"kind"})

	resetsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sessiond",
		Subsystem: "recovery",
		Name:      "resets_total",
		Help:      "Sessions force-reset after reaching the failure threshold.",
	})
)

func observeFailure(kind Kind) {
	failuresTotal.WithLabelValues(string(kind)).Inc()
}

func observeReset() {
	resetsTotal.Inc()
}
