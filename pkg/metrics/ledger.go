package metrics

import "github.com/prometheus/client_golang/prometheus"

// Ledger operation results.
const (
	LedgerResultOK           = "ok"
	LedgerResultInsufficient = "insufficient"
	LedgerResultError        = "error"
)

// LedgerMetrics counts balance mutations.
type LedgerMetrics struct {
	ops     *prometheus.CounterVec
	credits *prometheus.CounterVec
}

func NewLedgerMetrics(reg prometheus.Registerer) *LedgerMetrics {
	if reg == nil {
		return &LedgerMetrics{}
	}
	ops := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "charforge_ledger_operations_total",
		Help: "Ledger mutations by operation and result.",
	}, []string{"operation", "result"})
	credits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "charforge_ledger_credits_total",
		Help: "Credits moved through the ledger by entry type.",
	}, []string{"entry_type"})
	reg.MustRegister(ops, credits)
	return &LedgerMetrics{ops: ops, credits: credits}
}

// Observe records one operation outcome.
func (m *LedgerMetrics) Observe(operation, result string) {
	if m == nil || m.ops == nil {
		return
	}
	m.ops.WithLabelValues(normalizeLabel(operation), normalizeLabel(result)).Inc()
}

// AddCredits accumulates the absolute amount moved for an entry type.
func (m *LedgerMetrics) AddCredits(entryType string, amount int64) {
	if m == nil || m.credits == nil || amount == 0 {
		return
	}
	if amount < 0 {
		amount = -amount
	}
	m.credits.WithLabelValues(normalizeLabel(entryType)).Add(float64(amount))
}
