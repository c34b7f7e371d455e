package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Result label values.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

var (
	// poolAcquireTotal counts Acquire calls.
	// Labels: pool, result
	poolAcquireTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenantstore_pool_acquire_total",
			Help: "Total number of connection acquisitions",
		},
		[]string{"pool", "result"},
	)

	// poolAcquireWait tracks how long callers waited for a connection.
	poolAcquireWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tenantstore_pool_acquire_wait_seconds",
			Help:    "Time spent waiting for a pooled connection",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"pool"},
	)

	// poolDialsTotal counts new connections opened by the pool.
	poolDialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenantstore_pool_dials_total",
			Help: "Total number of connections dialed",
		},
		[]string{"pool", "result"},
	)

	poolConnsInUse = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tenantstore_pool_in_use",
			Help: "Connections currently checked out",
		},
		[]string{"pool"},
	)

	poolConnsIdle = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tenantstore_pool_idle",
			Help: "Connections currently idle",
		},
		[]string{"pool"},
	)

	// operationDuration tracks tenant accessor operations.
	// Labels: provider, operation, result
	operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tenantstore_operation_duration_seconds",
			Help:    "Duration of tenant data operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "operation", "result"},
	)
)

func storeCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		poolAcquireTotal,
		poolAcquireWait,
		poolDialsTotal,
		poolConnsInUse,
		poolConnsIdle,
		operationDuration,
	}
}

// RecordPoolAcquire records the outcome and wait time of one Acquire call.
func RecordPoolAcquire(pool string, err error, wait time.Duration) {
	poolAcquireTotal.WithLabelValues(pool, result(err)).Inc()
	poolAcquireWait.WithLabelValues(pool).Observe(wait.Seconds())
}

// RecordPoolDial records one dial attempt.
func RecordPoolDial(pool string, err error) {
	poolDialsTotal.WithLabelValues(pool, result(err)).Inc()
}

// SetPoolConns publishes the current in-use and idle connection counts.
func SetPoolConns(pool string, inUse, idle int) {
	poolConnsInUse.WithLabelValues(pool).Set(float64(inUse))
	poolConnsIdle.WithLabelValues(pool).Set(float64(idle))
}

// RecordOperation records one tenant accessor operation.
func RecordOperation(provider, operation string, err error, duration time.Duration) {
	operationDuration.WithLabelValues(provider, operation, result(err)).Observe(duration.Seconds())
}

func result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOK
}
