package storage

import (
	"errors"
	"time"

	"sensorhub/internal/metrics"
	"sensorhub/internal/models"
)

// observe records latency for op. Only storage failures count as errors;
// validation and lookup misses are caller problems.
func observe(op string, start time.Time, errp *error) {
	metrics.StoreOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	var se *models.StorageError
	if errp != nil && errors.As(*errp, &se) {
		metrics.StoreErrorsTotal.WithLabelValues(op).Inc()
	}
}
