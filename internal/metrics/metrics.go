package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the bot. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	OpportunitiesTotal  *prometheus.CounterVec
	AnomaliesTotal      *prometheus.CounterVec
	FetchErrorsTotal    *prometheus.CounterVec
	RejectionsTotal     *prometheus.CounterVec
	PlansTotal          *prometheus.CounterVec
	PlanDuration        *prometheus.HistogramVec
	ActivePlans         prometheus.Gauge
	BalanceAnomalies    *prometheus.CounterVec
	ReservedFunds       *prometheus.GaugeVec
	TransfersTotal      *prometheus.CounterVec
	DustSoldTotal       *prometheus.CounterVec
	NetProfitPct        prometheus.Histogram
	CatalogReloadsTotal *prometheus.CounterVec
}

// New creates and registers all metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		OpportunitiesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crossarb_opportunities_total",
			Help: "Gross spreads emitted by the scanner",
		}, []string{"pair"}),
		AnomaliesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crossarb_spread_anomalies_total",
			Help: "Spreads discarded for exceeding the sanity ceiling",
		}, []string{"pair"}),
		FetchErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crossarb_fetch_errors_total",
			Help: "Order book fetch failures by exchange",
		}, []string{"exchange"}),
		RejectionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crossarb_rejections_total",
			Help: "Opportunities rejected by the analyzer by reason",
		}, []string{"reason"}),
		PlansTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crossarb_plans_total",
			Help: "Plans reaching a terminal state",
		}, []string{"state"}),
		PlanDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crossarb_plan_duration_seconds",
			Help:    "Wall time from PLANNED to a terminal state",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200},
		}, []string{"state"}),
		ActivePlans: f.NewGauge(prometheus.GaugeOpts{
			Name: "crossarb_active_plans",
			Help: "Plans currently executing",
		}),
		BalanceAnomalies: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crossarb_balance_anomalies_total",
			Help: "Refreshes that reported less available than locked",
		}, []string{"exchange"}),
		ReservedFunds: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "crossarb_reserved_funds",
			Help: "Sum of active reservations per balance key",
		}, []string{"exchange", "sub_account", "asset"}),
		TransfersTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crossarb_transfers_total",
			Help: "Cross-exchange transfers by result",
		}, []string{"result"}),
		DustSoldTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crossarb_dust_sold_total",
			Help: "Dust positions sold into the quote asset",
		}, []string{"exchange"}),
		NetProfitPct: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "crossarb_plan_net_profit_pct",
			Help:    "Expected net profit of admitted plans in percent",
			Buckets: []float64{0.1, 0.25, 0.4, 0.6, 0.8, 1, 1.5, 2, 5},
		}),
		CatalogReloadsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crossarb_fee_catalog_reloads_total",
			Help: "Fee catalog reload attempts by result",
		}, []string{"result"}),
	}
}

func (m *Metrics) RecordOpportunity(pair string) {
	if m == nil {
		return
	}
	m.OpportunitiesTotal.WithLabelValues(pair).Inc()
}

func (m *Metrics) RecordAnomaly(pair string) {
	if m == nil {
		return
	}
	m.AnomaliesTotal.WithLabelValues(pair).Inc()
}

func (m *Metrics) RecordFetchError(exchange string) {
	if m == nil {
		return
	}
	m.FetchErrorsTotal.WithLabelValues(exchange).Inc()
}

func (m *Metrics) RecordRejection(reason string) {
	if m == nil {
		return
	}
	m.RejectionsTotal.WithLabelValues(reason).Inc()
}

// RecordAdmitted observes the expected net profit of an admitted plan.
func (m *Metrics) RecordAdmitted(netPct float64) {
	if m == nil {
		return
	}
	m.NetProfitPct.Observe(netPct)
}

func (m *Metrics) PlanStarted() {
	if m == nil {
		return
	}
	m.ActivePlans.Inc()
}

// PlanFinished records a terminal state and the plan's duration.
func (m *Metrics) PlanFinished(state string, d time.Duration) {
	if m == nil {
		return
	}
	m.ActivePlans.Dec()
	m.PlansTotal.WithLabelValues(state).Inc()
	m.PlanDuration.WithLabelValues(state).Observe(d.Seconds())
}

func (m *Metrics) RecordBalanceAnomaly(exchange string) {
	if m == nil {
		return
	}
	m.BalanceAnomalies.WithLabelValues(exchange).Inc()
}

func (m *Metrics) SetReserved(exchange, sub, asset string, amount float64) {
	if m == nil {
		return
	}
	m.ReservedFunds.WithLabelValues(exchange, sub, asset).Set(amount)
}

func (m *Metrics) RecordTransfer(result string) {
	if m == nil {
		return
	}
	m.TransfersTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordDustSold(exchange string) {
	if m == nil {
		return
	}
	m.DustSoldTotal.WithLabelValues(exchange).Inc()
}

func (m *Metrics) RecordCatalogReload(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.CatalogReloadsTotal.WithLabelValues(result).Inc()
}
