// Package dbtest opens isolated in-memory sqlite databases carrying the
// credit schema, for repository and service tests. The schema mirrors the
// CHECK and UNIQUE constraints of the goose migrations.
package dbtest

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/charforge-backend/pkg/db"
)

var seq atomic.Int64

const schema = `
CREATE TABLE credit_balances (
	user_id TEXT PRIMARY KEY,
	balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
	total_earned INTEGER NOT NULL DEFAULT 0,
	total_spent INTEGER NOT NULL DEFAULT 0 CHECK (total_spent >= 0),
	created_at DATETIME,
	updated_at DATETIME,
	CONSTRAINT credit_balances_conservation CHECK (balance = total_earned - total_spent)
);
CREATE TABLE credit_ledger_entries (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	entry_type TEXT NOT NULL CHECK (
		entry_type IN ('generation', 'refund', 'purchase', 'subscription_grant', 'bonus', 'admin_adjustment')
	),
	amount INTEGER NOT NULL,
	balance_after INTEGER NOT NULL CHECK (balance_after >= 0),
	reference_type TEXT,
	reference_id TEXT,
	description TEXT,
	created_at DATETIME
);
CREATE INDEX idx_credit_ledger_entries_user_created ON credit_ledger_entries (user_id, created_at);
CREATE UNIQUE INDEX ux_credit_ledger_entries_credit_reference
	ON credit_ledger_entries (entry_type, reference_type, reference_id)
	WHERE reference_id IS NOT NULL AND entry_type IN ('refund', 'purchase', 'subscription_grant');
CREATE TABLE paid_jobs (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	external_job_id TEXT NOT NULL UNIQUE,
	status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'completed', 'failed')),
	credits_charged INTEGER,
	credits_refunded INTEGER,
	error_message TEXT,
	completed_at DATETIME,
	failed_at DATETIME,
	created_at DATETIME,
	updated_at DATETIME,
	CONSTRAINT paid_jobs_refund_requires_charge CHECK (
		credits_refunded IS NULL OR (credits_charged IS NOT NULL AND credits_charged > 0)
	)
);
CREATE TABLE subscriptions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL UNIQUE,
	tier TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'past_due', 'cancelled')),
	external_subscription_id TEXT,
	current_period_start DATETIME NOT NULL,
	current_period_end DATETIME NOT NULL,
	canceled_at DATETIME,
	created_at DATETIME,
	updated_at DATETIME
);
CREATE TABLE webhook_events (
	id TEXT PRIMARY KEY,
	provider TEXT NOT NULL,
	idempotency_key TEXT NOT NULL,
	event_type TEXT NOT NULL,
	processed_at DATETIME NOT NULL,
	CONSTRAINT ux_webhook_events_provider_type_key UNIQUE (provider, event_type, idempotency_key)
);
CREATE TABLE outbox_events (
	id TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	aggregate_type TEXT NOT NULL,
	aggregate_id TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at DATETIME,
	published_at DATETIME,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	last_error TEXT
);
CREATE TABLE outbox_dlq (
	id TEXT PRIMARY KEY,
	event_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	aggregate_type TEXT NOT NULL,
	aggregate_id TEXT NOT NULL,
	payload_json TEXT NOT NULL,
	error_reason TEXT NOT NULL,
	error_message TEXT,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	failed_at DATETIME,
	created_at DATETIME
);
`

// Open returns a fresh database with the schema applied. Every call gets its
// own named in-memory database so tests never share state.
func Open(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:charforge_%d?mode=memory&cache=shared", seq.Add(1))
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
		NowFunc:                func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := conn.Exec(schema).Error; err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return conn
}

// Client wraps Open in a db.Client so services get a real WithTx.
func Client(t testing.TB) *db.Client {
	t.Helper()
	return db.NewFromGorm(Open(t))
}
