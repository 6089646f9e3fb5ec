package metrics

import (
	"database/sql"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wargabill_requests_total",
			Help: "Total number of API requests per route",
		},
		[]string{"route"},
	)

	RequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wargabill_request_duration_seconds",
			Help:    "Request duration in seconds per route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	RequestErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wargabill_request_errors_total",
			Help: "Total number of error responses per route and code",
		},
		[]string{"route", "code"},
	)
)

var (
	PaymentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wargabill_payments_total",
			Help: "Bill payments recorded, by ledger category and payment method",
		},
		[]string{"category", "method"},
	)

	PaymentAmountTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wargabill_payment_amount_total",
			Help: "Sum of bill payment amounts in rupiah",
		},
	)

	RecalcProgressRatio = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wargabill_recalc_progress_ratio",
			Help: "Progress of the running bill recalculation (0-1)",
		},
	)

	BillsRecalculatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wargabill_bills_recalculated_total",
			Help: "Bills rewritten by bulk recalculation",
		},
	)

	BankBalanceDrift = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wargabill_bank_balance_drift",
			Help: "Stored minus expected balance per bank account, from the last audit",
		},
		[]string{"account"},
	)
)

// RecordPayment counts one bill payment.
func RecordPayment(category, method string, amount int64) {
	PaymentsTotal.WithLabelValues(category, method).Inc()
	PaymentAmountTotal.Add(float64(amount))
}

var (
	DBOpenConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wargabill_db_open_conns",
			Help: "Open connections in the DB pool per driver",
		},
		[]string{"driver"},
	)

	DBIdleConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wargabill_db_idle_conns",
			Help: "Idle connections in the DB pool per driver",
		},
		[]string{"driver"},
	)

	DBInUseConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wargabill_db_in_use_conns",
			Help: "Connections currently in use per driver",
		},
		[]string{"driver"},
	)

	DBWaitCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wargabill_db_wait_count",
			Help: "Total number of connections waited for per driver",
		},
		[]string{"driver"},
	)
)

// UpdateDBPoolMetrics copies database/sql pool stats into the gauges.
func UpdateDBPoolMetrics(driver string, s sql.DBStats) {
	DBOpenConns.WithLabelValues(driver).Set(float64(s.OpenConnections))
	DBIdleConns.WithLabelValues(driver).Set(float64(s.Idle))
	DBInUseConns.WithLabelValues(driver).Set(float64(s.InUse))
	DBWaitCount.WithLabelValues(driver).Set(float64(s.WaitCount))
}

var (
	ScheduledJobLastRun = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wargabill_job_last_run_timestamp",
			Help: "Unix timestamp of the last completed run for a job",
		},
		[]string{"job"},
	)

	ScheduledJobLastDurationSeconds = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wargabill_job_last_duration_seconds",
			Help: "Duration of the last completed run for a job",
		},
		[]string{"job"},
	)

	ScheduledJobFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wargabill_job_failures_total",
			Help: "Total number of failed executions per job",
		},
		[]string{"job"},
	)
)

func UpdateJobMetrics(job string, startedAt time.Time, err error) {
	dur := time.Since(startedAt).Seconds()
	ScheduledJobLastDurationSeconds.WithLabelValues(job).Set(dur)
	ScheduledJobLastRun.WithLabelValues(job).Set(float64(time.Now().Unix()))
	if err != nil {
		ScheduledJobFailuresTotal.WithLabelValues(job).Inc()
	}
}
