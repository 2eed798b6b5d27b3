package session

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// storeOperations counts store operations by op and result.
	// Labels: op (get, put, delete), result (success, conflict,
	// not_found, error)
	storeOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sessiond",
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Total number of session store operations",
		},
		[]string{"op", "result"},
	)

	// storeOperationDuration tracks store operation latency.
	storeOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sessiond",
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "Duration of session store operations in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// unreadableFields counts sensitive fields that failed decryption
	// on read. Labels: reason (tampered, key_mismatch)
	unreadableFields = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sessiond",
			Subsystem: "store",
			Name:      "unreadable_fields_total",
			Help:      "Total sensitive fields surfaced as unreadable sentinels",
		},
		[]string{"reason"},
	)
)

// observeOp records the outcome and latency of one store operation.
func observeOp(op string, start time.Time, err error) {
	result := "success"
	switch {
	case err == nil:
	case errors.Is(err, ErrConflict):
		result = "conflict"
	case errors.Is(err, ErrNotFound):
		result = "not_found"
	default:
		result = "error"
	}
	storeOperations.WithLabelValues(op, result).Inc()
	storeOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// observeUnreadable records unreadable-field sentinels found on a read.
func observeUnreadable(rec *Record) {
	if rec == nil {
		return
	}
	for _, reason := range rec.Unreadable {
		unreadableFields.WithLabelValues(reason).Inc()
	}
}
