package dbtest

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestSchemaEnforcesIntegrityChecks(t *testing.T) {
	conn := Open(t)

	cases := map[string]struct {
		query string
		args  []any
	}{
		"balance must equal earned minus spent": {
			query: `INSERT INTO credit_balances (user_id, balance, total_earned, total_spent) VALUES (?, 10, 5, 0)`,
			args:  []any{uuid.NewString()},
		},
		"balance after must not be negative": {
			query: `INSERT INTO credit_ledger_entries (id, user_id, entry_type, amount, balance_after) VALUES (?, ?, 'generation', -5, -5)`,
			args:  []any{uuid.NewString(), uuid.NewString()},
		},
		"unknown entry type": {
			query: `INSERT INTO credit_ledger_entries (id, user_id, entry_type, amount, balance_after) VALUES (?, ?, 'gift', 5, 5)`,
			args:  []any{uuid.NewString(), uuid.NewString()},
		},
		"refund without charge": {
			query: `INSERT INTO paid_jobs (id, user_id, kind, external_job_id, status, credits_refunded) VALUES (?, ?, 'lora_training', 'lora_x', 'failed', 0)`,
			args:  []any{uuid.NewString(), uuid.NewString()},
		},
		"unknown job status": {
			query: `INSERT INTO paid_jobs (id, user_id, kind, external_job_id, status) VALUES (?, ?, 'lora_training', 'lora_y', 'running')`,
			args:  []any{uuid.NewString(), uuid.NewString()},
		},
		"unknown subscription status": {
			query: `INSERT INTO subscriptions (id, user_id, tier, status, current_period_start, current_period_end) VALUES (?, ?, 'pro', 'paused', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`,
			args:  []any{uuid.NewString(), uuid.NewString()},
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, conn.Exec(tc.query, tc.args...).Error)
		})
	}
}

func TestSchemaScopesWebhookMarkersByEventType(t *testing.T) {
	conn := Open(t)
	insert := `INSERT INTO webhook_events (id, provider, idempotency_key, event_type, processed_at) VALUES (?, 'stripe', 'in_1', ?, CURRENT_TIMESTAMP)`

	assert.NoError(t, conn.Exec(insert, uuid.NewString(), "invoice.payment_failed").Error)
	assert.NoError(t, conn.Exec(insert, uuid.NewString(), "invoice.paid").Error)
	assert.Error(t, conn.Exec(insert, uuid.NewString(), "invoice.paid").Error)
}
