package server

import (
	"context"
	"database/sql"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	createTotal            *prometheus.CounterVec
	confirmTotal           *prometheus.CounterVec
	settlementsTotal       *prometheus.CounterVec
	settlementDuration     prometheus.Histogram
	sweeperRunsTotal       *prometheus.CounterVec
	sweeperReclaimedTotal  prometheus.Counter
	sweeperLastRunUnix     prometheus.Gauge
	reservationsOpen       prometheus.Gauge
	reservationsOpenAmount prometheus.Gauge
}

func NewMetrics() *Metrics {
	return &Metrics{
		createTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wallet_core",
				Subsystem: "payments",
				Name:      "create_total",
				Help:      "Total transaction create attempts by payment type and result code.",
			},
			[]string{"payment_type", "result"},
		),
		confirmTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wallet_core",
				Subsystem: "payments",
				Name:      "confirm_total",
				Help:      "Total transaction confirm attempts by result code.",
			},
			[]string{"result"},
		),
		settlementsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wallet_core",
				Subsystem: "settlement",
				Name:      "settlements_total",
				Help:      "Total settlement attempts by payment type and outcome.",
			},
			[]string{"payment_type", "outcome"},
		),
		settlementDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "wallet_core",
				Subsystem: "settlement",
				Name:      "duration_seconds",
				Help:      "Wall time of a single settlement attempt, gateway calls included.",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
			},
		),
		sweeperRunsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wallet_core",
				Subsystem: "reservations",
				Name:      "sweeper_runs_total",
				Help:      "Total stale reservation sweeper runs partitioned by result.",
			},
			[]string{"result"},
		),
		sweeperReclaimedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "wallet_core",
				Subsystem: "reservations",
				Name:      "sweeper_reclaimed_total",
				Help:      "Total stale pending transactions moved to error by the sweeper.",
			},
		),
		sweeperLastRunUnix: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "wallet_core",
				Subsystem: "reservations",
				Name:      "sweeper_last_run_unix",
				Help:      "Unix time of the most recent sweeper run.",
			},
		),
		reservationsOpen: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "wallet_core",
				Subsystem: "reservations",
				Name:      "open_total",
				Help:      "Current count of transactions in a reserving state.",
			},
		),
		reservationsOpenAmount: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "wallet_core",
				Subsystem: "reservations",
				Name:      "open_amount",
				Help:      "Sum of amounts currently held by reserving transactions.",
			},
		),
	}
}

func (m *Metrics) ObserveCreate(pt PaymentType, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = string(CodeOf(err))
	}
	m.createTotal.WithLabelValues(string(pt), result).Inc()
}

func (m *Metrics) ObserveConfirm(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = string(CodeOf(err))
	}
	m.confirmTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveSettlement(pt PaymentType, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.settlementsTotal.WithLabelValues(string(pt), outcome).Inc()
	m.settlementDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveSweep(reclaimed int, err error) {
	if m == nil {
		return
	}
	m.sweeperLastRunUnix.Set(float64(time.Now().UTC().Unix()))
	if err != nil {
		m.sweeperRunsTotal.WithLabelValues("error").Inc()
		return
	}
	m.sweeperRunsTotal.WithLabelValues("success").Inc()
	if reclaimed > 0 {
		m.sweeperReclaimedTotal.Add(float64(reclaimed))
	}
}

func (m *Metrics) RefreshReservationCounts(ctx context.Context, db *sql.DB) {
	if m == nil || db == nil {
		return
	}
	const q = `
SELECT
  COUNT(*) AS open,
  COALESCE(SUM(amount), 0) AS held
FROM transactions
WHERE status IN ('pending', 'process')
`
	var open int64
	var held float64
	if err := db.QueryRowContext(ctx, q).Scan(&open, &held); err != nil {
		return
	}
	m.reservationsOpen.Set(float64(open))
	m.reservationsOpenAmount.Set(held)
}
