package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the bridge's Prometheus metrics. A nil *Metrics records nothing.
type Metrics struct {
	// Call metrics
	CallsTotal *prometheus.CounterVec

	// Peg-in metrics
	DepositsCredited prometheus.Counter
	CreditedAmount   prometheus.Counter
	RefundedAmount   prometheus.Counter

	// Peg-out metrics
	ReleasesRequested prometheus.Counter
	ReleasesBuilt     prometheus.Counter
	MigrationsBuilt   prometheus.Counter
	TxsFinalized      prometheus.Counter
	ReleaseQueueSize  prometheus.Gauge
	WaitingTxs        prometheus.Gauge

	// State metrics
	BestHeight  prometheus.Gauge
	LockedTotal prometheus.Gauge
	FeePerKb    prometheus.Gauge
	LockingCap  prometheus.Gauge
}

// NewMetrics creates the bridge metrics under namespace and registers them with reg.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CallsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Bridge operations by name and outcome",
		}, []string{"operation", "outcome"}),

		DepositsCredited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deposits_credited_total",
			Help:      "Total number of deposits credited to the native ledger",
		}),
		CreditedAmount: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credited_satoshis_total",
			Help:      "Total value credited by deposits in satoshis",
		}),
		RefundedAmount: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refunded_satoshis_total",
			Help:      "Total deposit value queued for refund in satoshis",
		}),

		ReleasesRequested: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "releases_requested_total",
			Help:      "Total number of accepted release requests",
		}),
		ReleasesBuilt: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "release_transactions_built_total",
			Help:      "Total number of batched release transactions built",
		}),
		MigrationsBuilt: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migration_transactions_built_total",
			Help:      "Total number of retiring federation migrations built",
		}),
		TxsFinalized: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_finalized_total",
			Help:      "Total number of transactions that reached the signing threshold",
		}),
		ReleaseQueueSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "release_queue_size",
			Help:      "Current number of queued release requests",
		}),
		WaitingTxs: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "waiting_transactions",
			Help:      "Current number of transactions awaiting signatures",
		}),

		BestHeight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "external_best_height",
			Help:      "Height of the best external chain header",
		}),
		LockedTotal: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "locked_satoshis",
			Help:      "External value currently represented on the native ledger",
		}),
		FeePerKb: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fee_per_kb_satoshis",
			Help:      "Active release fee rate",
		}),
		LockingCap: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "locking_cap_satoshis",
			Help:      "Active locking cap",
		}),
	}
}

// RecordCall records a finished operation.
func (m *Metrics) RecordCall(operation, outcome string) {
	if m == nil {
		return
	}
	m.CallsTotal.WithLabelValues(operation, outcome).Inc()
}

// RecordDeposit records a credited deposit.
func (m *Metrics) RecordDeposit(credited, refunded int64) {
	if m == nil {
		return
	}
	m.DepositsCredited.Inc()
	m.CreditedAmount.Add(float64(credited))
	m.RefundedAmount.Add(float64(refunded))
}

// RecordRelease records an accepted release request.
func (m *Metrics) RecordRelease() {
	if m == nil {
		return
	}
	m.ReleasesRequested.Inc()
}

// RecordBuilt records transactions built by a tick.
func (m *Metrics) RecordBuilt(releases, migrations int) {
	if m == nil {
		return
	}
	m.ReleasesBuilt.Add(float64(releases))
	m.MigrationsBuilt.Add(float64(migrations))
}

// RecordFinalized records a transaction reaching its signing threshold.
func (m *Metrics) RecordFinalized() {
	if m == nil {
		return
	}
	m.TxsFinalized.Inc()
}

// UpdateState refreshes the state gauges.
func (m *Metrics) UpdateState(st *State) {
	if m == nil {
		return
	}
	m.ReleaseQueueSize.Set(float64(len(st.PegOut.Queue)))
	m.WaitingTxs.Set(float64(len(st.PegOut.Waiting)))
	m.BestHeight.Set(float64(st.Headers.BestHeight()))
	m.LockedTotal.Set(float64(st.PegIn.LockedTotal))
	m.FeePerKb.Set(float64(st.Governance.FeePerKb))
	m.LockingCap.Set(float64(st.Governance.LockingCap))
}
