package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestWebhookMetricsCountsByProviderAndOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWebhookMetrics(reg)

	m.IncSignatureFailure("stripe")
	m.IncSignatureFailure("stripe")
	m.IncOutcome("training", "processed")
	m.IncOutcome("training", "duplicate")
	m.IncOutcome("training", "processed")

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	if got, err := fetchCounterValue(mfs, "charforge_webhook_signature_failures_total", "provider", "stripe"); err != nil {
		t.Fatalf("fetch signature failures: %v", err)
	} else if got != 2 {
		t.Fatalf("expected 2 signature failures, got %f", got)
	}

	got := counterWithLabels(findMetricFamily(mfs, "charforge_webhook_outcomes_total"), map[string]string{
		"provider": "training",
		"outcome":  "processed",
	})
	if got != 2 {
		t.Fatalf("expected 2 processed outcomes, got %f", got)
	}
}

func TestNilRegistererIsNoop(t *testing.T) {
	var webhooks *WebhookMetrics
	webhooks.IncOutcome("stripe", "processed")
	NewWebhookMetrics(nil).IncSignatureFailure("stripe")

	var ledger *LedgerMetrics
	ledger.Observe("debit", LedgerResultOK)
	NewLedgerMetrics(nil).AddCredits("refund", 10)
}

func TestLedgerMetricsTracksAbsoluteAmounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewLedgerMetrics(reg)

	m.Observe("debit", LedgerResultInsufficient)
	m.AddCredits("generation", -15)
	m.AddCredits("generation", -5)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	if got, err := fetchCounterValue(mfs, "charforge_ledger_credits_total", "entry_type", "generation"); err != nil {
		t.Fatalf("fetch credits: %v", err)
	} else if got != 20 {
		t.Fatalf("expected 20 credits, got %f", got)
	}
	got := counterWithLabels(findMetricFamily(mfs, "charforge_ledger_operations_total"), map[string]string{
		"operation": "debit",
		"result":    LedgerResultInsufficient,
	})
	if got != 1 {
		t.Fatalf("expected 1 insufficient debit, got %f", got)
	}
}

func counterWithLabels(mf *dto.MetricFamily, want map[string]string) float64 {
	if mf == nil {
		return -1
	}
	for _, metric := range mf.GetMetric() {
		matched := 0
		for _, label := range metric.GetLabel() {
			if v, ok := want[label.GetName()]; ok && v == label.GetValue() {
				matched++
			}
		}
		if matched == len(want) {
			return metric.GetCounter().GetValue()
		}
	}
	return -1
}

func TestOutboxMetricsCountsResults(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewOutboxMetrics(reg)

	m.Inc("credits_refunded", OutboxResultPublished)
	m.Inc("credits_refunded", OutboxResultPublished)
	m.Inc("credits_refunded", OutboxResultRetry)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	got := counterWithLabels(findMetricFamily(mfs, "charforge_outbox_publish_total"), map[string]string{
		"event_type": "credits_refunded",
		"result":     OutboxResultPublished,
	})
	if got != 2 {
		t.Fatalf("expected 2 published, got %f", got)
	}

	var nilMetrics *OutboxMetrics
	nilMetrics.Inc("credits_granted", OutboxResultSkipped)
}
