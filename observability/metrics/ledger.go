package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type LedgerMetrics struct {
	stakes         *prometheus.CounterVec
	settlements    *prometheus.CounterVec
	capRedirects   prometheus.Counter
	pendingEscrows prometheus.Gauge
	passDuration   prometheus.Histogram
}

var (
	ledgerOnce     sync.Once
	ledgerRegistry *LedgerMetrics
)

func Ledger() *LedgerMetrics {
	ledgerOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			stakes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "ledger_stakes_total",
				Help: "Count of stake attempts by result.",
			}, []string{"result"}),
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "ledger_settlements_total",
				Help: "Count of escrow settlements by outcome.",
			}, []string{"outcome"}),
			capRedirects: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "ledger_cap_redirects_total",
				Help: "Count of transfers redirected to the sender because the receiver's daily earn cap was reached.",
			}),
			pendingEscrows: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "ledger_pending_escrows",
				Help: "Number of escrows currently awaiting settlement.",
			}),
			passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "ledger_settlement_pass_seconds",
				Help:    "Duration of scheduled settlement passes.",
				Buckets: prometheus.DefBuckets,
			}),
		}
		prometheus.MustRegister(
			ledgerRegistry.stakes,
			ledgerRegistry.settlements,
			ledgerRegistry.capRedirects,
			ledgerRegistry.pendingEscrows,
			ledgerRegistry.passDuration,
		)
	})
	return ledgerRegistry
}

func (m *LedgerMetrics) ObserveStake(result string) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.stakes.WithLabelValues(result).Inc()
}

func (m *LedgerMetrics) ObserveSettlement(outcome string, capRedirected bool) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.settlements.WithLabelValues(outcome).Inc()
	if capRedirected {
		m.capRedirects.Inc()
	}
}

func (m *LedgerMetrics) SetPendingEscrows(count float64) {
	if m == nil {
		return
	}
	m.pendingEscrows.Set(count)
}

func (m *LedgerMetrics) ObservePassDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.passDuration.Observe(d.Seconds())
}
