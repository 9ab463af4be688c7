package metrics

import "github.com/prometheus/client_golang/prometheus"

// WebhookMetrics tracks inbound provider deliveries.
type WebhookMetrics struct {
	signatureFailures *prometheus.CounterVec
	outcomes          *prometheus.CounterVec
}

// NewWebhookMetrics registers webhook collectors on reg. A nil registerer yields a no-op recorder.
func NewWebhookMetrics(reg prometheus.Registerer) *WebhookMetrics {
	if reg == nil {
		return &WebhookMetrics{}
	}
	signatureFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "charforge_webhook_signature_failures_total",
		Help: "Webhook deliveries rejected for a missing or invalid signature.",
	}, []string{"provider"})
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "charforge_webhook_outcomes_total",
		Help: "Webhook deliveries by reconciliation outcome.",
	}, []string{"provider", "outcome"})
	reg.MustRegister(signatureFailures, outcomes)
	return &WebhookMetrics{
		signatureFailures: signatureFailures,
		outcomes:          outcomes,
	}
}

func (m *WebhookMetrics) IncSignatureFailure(provider string) {
	if m == nil || m.signatureFailures == nil {
		return
	}
	m.signatureFailures.WithLabelValues(normalizeLabel(provider)).Inc()
}

func (m *WebhookMetrics) IncOutcome(provider, outcome string) {
	if m == nil || m.outcomes == nil {
		return
	}
	m.outcomes.WithLabelValues(normalizeLabel(provider), normalizeLabel(outcome)).Inc()
}
