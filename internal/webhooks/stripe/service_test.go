package stripewebhook

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v79"

	"github.com/angelmondragon/charforge-backend/internal/ledger"
	"github.com/angelmondragon/charforge-backend/internal/pricing"
	"github.com/angelmondragon/charforge-backend/internal/references"
	"github.com/angelmondragon/charforge-backend/internal/subscriptions"
	"github.com/angelmondragon/charforge-backend/internal/webhooks"
	"github.com/angelmondragon/charforge-backend/pkg/db"
	"github.com/angelmondragon/charforge-backend/pkg/db/dbtest"
	"github.com/angelmondragon/charforge-backend/pkg/db/models"
	"github.com/angelmondragon/charforge-backend/pkg/enums"
	"github.com/angelmondragon/charforge-backend/pkg/outbox"
)

var testNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type harness struct {
	svc    *Service
	ledger ledger.Service
	subs   subscriptions.Service
	codec  references.Codec
	client *db.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	client := dbtest.Client(t)
	conn := client.DB()
	catalog, err := pricing.Load("")
	require.NoError(t, err)
	outboxSvc := outbox.NewService(outbox.NewRepository(conn), nil)
	now := func() time.Time { return testNow }

	ledgerSvc, err := ledger.NewService(ledger.ServiceParams{
		Repo:    ledger.NewRepository(conn),
		Pricing: catalog,
		DB:      client,
	})
	require.NoError(t, err)
	subs, err := subscriptions.NewService(subscriptions.ServiceParams{
		Repo:   subscriptions.NewRepository(conn),
		DB:     client,
		Outbox: outboxSvc,
		Now:    now,
	})
	require.NoError(t, err)
	codec := references.NewCodec()
	svc, err := NewService(ServiceParams{
		Ledger:            ledgerSvc,
		Subscriptions:     subs,
		Pricing:           catalog,
		Codec:             codec,
		Events:            webhooks.NewRepository(conn),
		Outbox:            outboxSvc,
		TransactionRunner: client,
		Now:               now,
	})
	require.NoError(t, err)
	return &harness{svc: svc, ledger: ledgerSvc, subs: subs, codec: codec, client: client}
}

func (h *harness) balance(t *testing.T, userID uuid.UUID) int64 {
	t.Helper()
	balance, err := h.ledger.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	return balance
}

func newEvent(t *testing.T, eventType stripe.EventType, object map[string]any) *stripe.Event {
	t.Helper()
	raw, err := json.Marshal(object)
	require.NoError(t, err)
	return &stripe.Event{
		ID:   "evt_" + uuid.NewString(),
		Type: eventType,
		Data: &stripe.EventData{Raw: raw},
	}
}

func invoicePaid(t *testing.T, invoiceID, subscriptionID, reference string, periodEnd int64) *stripe.Event {
	return newEvent(t, stripe.EventTypeInvoicePaid, map[string]any{
		"id":           invoiceID,
		"object":       "invoice",
		"subscription": subscriptionID,
		"subscription_details": map[string]any{
			"metadata": map[string]string{PaymentReferenceKey: reference},
		},
		"lines": map[string]any{
			"object": "list",
			"data": []map[string]any{
				{"id": "il_1", "period": map[string]any{"start": periodEnd - 2592000, "end": periodEnd}},
			},
		},
	})
}

func checkoutCompleted(t *testing.T, sessionID, reference string, status stripe.CheckoutSessionPaymentStatus) *stripe.Event {
	return newEvent(t, stripe.EventTypeCheckoutSessionCompleted, map[string]any{
		"id":                  sessionID,
		"object":              "checkout.session",
		"client_reference_id": reference,
		"payment_status":      status,
	})
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	_, err := NewService(ServiceParams{})
	require.Error(t, err)
}

func TestInvoicePaidActivatesAndGrantsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	ref := h.codec.EncodeSubscription(userID.String(), "pro")
	periodEnd := testNow.Add(30 * 24 * time.Hour).Unix()

	result, err := h.svc.HandleEvent(ctx, invoicePaid(t, "in_100", "sub_ext_1", ref, periodEnd))
	require.NoError(t, err)
	assert.Equal(t, webhooks.OutcomeProcessed, result.Outcome)
	assert.Equal(t, "in_100", result.IdempotencyKey)
	assert.Equal(t, userID.String(), result.UserID)
	assert.Equal(t, int64(5000), h.balance(t, userID))

	sub, err := h.subs.Get(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, enums.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, "pro", sub.Tier)
	assert.Equal(t, periodEnd, sub.CurrentPeriodEnd.Unix())

	// a second delivery of the same invoice under a new event id
	replay, err := h.svc.HandleEvent(ctx, invoicePaid(t, "in_100", "sub_ext_1", ref, periodEnd))
	require.NoError(t, err)
	assert.Equal(t, webhooks.OutcomeDuplicate, replay.Outcome)
	assert.Equal(t, int64(5000), h.balance(t, userID))

	var granted int64
	require.NoError(t, h.client.DB().Model(&models.OutboxEvent{}).Where("event_type = ?", enums.EventCreditsGranted).Count(&granted).Error)
	assert.Equal(t, int64(1), granted)
}

func TestInvoicePaidFallsBackToInvoiceMetadata(t *testing.T) {
	h := newHarness(t)
	userID := uuid.New()
	event := newEvent(t, stripe.EventTypeInvoicePaid, map[string]any{
		"id":       "in_meta",
		"object":   "invoice",
		"metadata": map[string]string{PaymentReferenceKey: h.codec.EncodeSubscription(userID.String(), "basic")},
	})

	result, err := h.svc.HandleEvent(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, webhooks.OutcomeProcessed, result.Outcome)
	assert.Equal(t, int64(1500), h.balance(t, userID))

	sub, err := h.subs.Get(context.Background(), userID)
	require.NoError(t, err)
	assert.True(t, sub.CurrentPeriodEnd.Equal(testNow.Add(subscriptions.DefaultPeriod)))
}

func TestCheckoutCompletedGrantsPackage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	ref := h.codec.EncodeCredit(userID.String(), "credits_pack_22000")

	result, err := h.svc.HandleEvent(ctx, checkoutCompleted(t, "cs_1", ref, stripe.CheckoutSessionPaymentStatusPaid))
	require.NoError(t, err)
	assert.Equal(t, webhooks.OutcomeProcessed, result.Outcome)
	assert.Equal(t, int64(22000), h.balance(t, userID))

	replay, err := h.svc.HandleEvent(ctx, checkoutCompleted(t, "cs_1", ref, stripe.CheckoutSessionPaymentStatusPaid))
	require.NoError(t, err)
	assert.Equal(t, webhooks.OutcomeDuplicate, replay.Outcome)
	assert.Equal(t, int64(22000), h.balance(t, userID))
}

func TestCheckoutCompletedIgnoredCases(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()

	unpaid, err := h.svc.HandleEvent(ctx, checkoutCompleted(t, "cs_unpaid", h.codec.EncodeCredit(userID.String(), "credits_pack_1000"), stripe.CheckoutSessionPaymentStatusUnpaid))
	require.NoError(t, err)
	assert.Equal(t, webhooks.OutcomeIgnored, unpaid.Outcome)

	subscription, err := h.svc.HandleEvent(ctx, checkoutCompleted(t, "cs_sub", h.codec.EncodeSubscription(userID.String(), "pro"), stripe.CheckoutSessionPaymentStatusPaid))
	require.NoError(t, err)
	assert.Equal(t, webhooks.OutcomeIgnored, subscription.Outcome)

	assert.Zero(t, h.balance(t, userID))
}

func TestUnattributableEventsAreDropped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New().String()

	cases := map[string]*stripe.Event{
		"malformed reference": checkoutCompleted(t, "cs_a", "sub__plan456", stripe.CheckoutSessionPaymentStatusPaid),
		"missing reference":   checkoutCompleted(t, "cs_b", "", stripe.CheckoutSessionPaymentStatusPaid),
		"non uuid user":       checkoutCompleted(t, "cs_c", "cred_user123_credits_pack_1000", stripe.CheckoutSessionPaymentStatusPaid),
		"unknown package":     checkoutCompleted(t, "cs_d", h.codec.EncodeCredit(userID, "credits_pack_7"), stripe.CheckoutSessionPaymentStatusPaid),
		"unknown plan":        invoicePaid(t, "in_x", "sub_x", h.codec.EncodeSubscription(userID, "platinum"), testNow.Unix()),
		"credit on invoice":   invoicePaid(t, "in_y", "sub_y", h.codec.EncodeCredit(userID, "credits_pack_1000"), testNow.Unix()),
	}
	for name, event := range cases {
		t.Run(name, func(t *testing.T) {
			result, err := h.svc.HandleEvent(ctx, event)
			require.NoError(t, err)
			assert.Equal(t, webhooks.OutcomeDropped, result.Outcome)
		})
	}

	var entries, events int64
	require.NoError(t, h.client.DB().Model(&models.LedgerEntry{}).Count(&entries).Error)
	require.NoError(t, h.client.DB().Model(&models.WebhookEvent{}).Count(&events).Error)
	assert.Zero(t, entries)
	assert.Zero(t, events)
}

func TestPaymentFailedAndSubscriptionDeleted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	ref := h.codec.EncodeSubscription(userID.String(), "ultra")

	_, err := h.svc.HandleEvent(ctx, invoicePaid(t, "in_1", "sub_ext_7", ref, testNow.Add(time.Hour).Unix()))
	require.NoError(t, err)

	failed, err := h.svc.HandleEvent(ctx, newEvent(t, stripe.EventTypeInvoicePaymentFailed, map[string]any{
		"id":           "in_2",
		"object":       "invoice",
		"subscription": "sub_ext_7",
	}))
	require.NoError(t, err)
	assert.Equal(t, webhooks.OutcomeProcessed, failed.Outcome)
	sub, err := h.subs.Get(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, enums.SubscriptionStatusPastDue, sub.Status)

	deleted, err := h.svc.HandleEvent(ctx, newEvent(t, stripe.EventTypeCustomerSubscriptionDeleted, map[string]any{
		"id":     "sub_ext_7",
		"object": "subscription",
	}))
	require.NoError(t, err)
	assert.Equal(t, webhooks.OutcomeProcessed, deleted.Outcome)
	sub, err = h.subs.Get(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, enums.SubscriptionStatusCancelled, sub.Status)

	unknown, err := h.svc.HandleEvent(ctx, newEvent(t, stripe.EventTypeInvoicePaymentFailed, map[string]any{
		"id":           "in_3",
		"object":       "invoice",
		"subscription": "sub_unknown",
	}))
	require.NoError(t, err)
	assert.Equal(t, webhooks.OutcomeIgnored, unknown.Outcome)

	assert.Equal(t, int64(15000), h.balance(t, userID), "state changes never touch the balance")
}

func TestUnhandledEventTypeIsIgnored(t *testing.T) {
	h := newHarness(t)
	result, err := h.svc.HandleEvent(context.Background(), newEvent(t, stripe.EventTypeCustomerCreated, map[string]any{"id": "cus_1"}))
	require.NoError(t, err)
	assert.Equal(t, webhooks.OutcomeIgnored, result.Outcome)

	_, err = h.svc.HandleEvent(context.Background(), nil)
	require.Error(t, err)
}

func TestUndecodableEventObjectsAreDropped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cases := map[string]*stripe.Event{
		"missing data":       {ID: "evt_no_data", Type: stripe.EventTypeInvoicePaid},
		"invoice":            {ID: "evt_bad_invoice", Type: stripe.EventTypeInvoicePaid, Data: &stripe.EventData{Raw: []byte(`{"id": 42}`)}},
		"checkout session":   {ID: "evt_bad_session", Type: stripe.EventTypeCheckoutSessionCompleted, Data: &stripe.EventData{Raw: []byte(`not json`)}},
		"payment failed":     {ID: "evt_bad_failed", Type: stripe.EventTypeInvoicePaymentFailed, Data: &stripe.EventData{Raw: []byte(`[]`)}},
		"subscription ended": {ID: "evt_bad_sub", Type: stripe.EventTypeCustomerSubscriptionDeleted, Data: &stripe.EventData{Raw: []byte(`{"id": true}`)}},
	}
	for name, event := range cases {
		t.Run(name, func(t *testing.T) {
			result, err := h.svc.HandleEvent(ctx, event)
			require.NoError(t, err)
			assert.Equal(t, webhooks.OutcomeDropped, result.Outcome)
			assert.Equal(t, event.ID, result.IdempotencyKey)
		})
	}
}

func TestConcurrentDeliveriesGrantOnce(t *testing.T) {
	h := newHarness(t)
	userID := uuid.New()
	event := checkoutCompleted(t, "cs_race", h.codec.EncodeCredit(userID.String(), "credits_pack_5000"), stripe.CheckoutSessionPaymentStatusPaid)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = map[webhooks.Outcome]int{}
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := h.svc.HandleEvent(context.Background(), event)
			if err != nil {
				t.Errorf("handle: %v", err)
				return
			}
			mu.Lock()
			outcomes[result.Outcome]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, outcomes[webhooks.OutcomeProcessed])
	assert.Equal(t, 5, outcomes[webhooks.OutcomeDuplicate])
	assert.Equal(t, int64(5000), h.balance(t, userID))
}

func TestPaidRetryAfterFailedInvoiceGrantsAllotment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	ref := h.codec.EncodeSubscription(userID.String(), "pro")
	firstEnd := testNow.Add(30 * 24 * time.Hour).Unix()
	secondEnd := testNow.Add(60 * 24 * time.Hour).Unix()

	_, err := h.svc.HandleEvent(ctx, invoicePaid(t, "in_month1", "sub_ext_9", ref, firstEnd))
	require.NoError(t, err)
	require.Equal(t, int64(5000), h.balance(t, userID))

	failedEvent := func() *stripe.Event {
		return newEvent(t, stripe.EventTypeInvoicePaymentFailed, map[string]any{
			"id":           "in_month2",
			"object":       "invoice",
			"subscription": "sub_ext_9",
		})
	}
	failed, err := h.svc.HandleEvent(ctx, failedEvent())
	require.NoError(t, err)
	assert.Equal(t, webhooks.OutcomeProcessed, failed.Outcome)

	paid, err := h.svc.HandleEvent(ctx, invoicePaid(t, "in_month2", "sub_ext_9", ref, secondEnd))
	require.NoError(t, err)
	assert.Equal(t, webhooks.OutcomeProcessed, paid.Outcome)
	assert.Equal(t, int64(10000), h.balance(t, userID))

	sub, err := h.subs.Get(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, enums.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, secondEnd, sub.CurrentPeriodEnd.Unix())
	assert.Equal(t, secondEnd-2592000, sub.CurrentPeriodStart.Unix())

	replayFailed, err := h.svc.HandleEvent(ctx, failedEvent())
	require.NoError(t, err)
	assert.Equal(t, webhooks.OutcomeDuplicate, replayFailed.Outcome)
	replayPaid, err := h.svc.HandleEvent(ctx, invoicePaid(t, "in_month2", "sub_ext_9", ref, secondEnd))
	require.NoError(t, err)
	assert.Equal(t, webhooks.OutcomeDuplicate, replayPaid.Outcome)
	assert.Equal(t, int64(10000), h.balance(t, userID))
}

func TestAsyncCheckoutPaymentGrantsPackageOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	ref := h.codec.EncodeCredit(userID.String(), "credits_pack_1000")

	pending, err := h.svc.HandleEvent(ctx, checkoutCompleted(t, "cs_async", ref, stripe.CheckoutSessionPaymentStatusUnpaid))
	require.NoError(t, err)
	assert.Equal(t, webhooks.OutcomeIgnored, pending.Outcome)
	assert.Zero(t, h.balance(t, userID))

	succeeded := func() *stripe.Event {
		return newEvent(t, stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded, map[string]any{
			"id":                  "cs_async",
			"object":              "checkout.session",
			"client_reference_id": ref,
			"payment_status":      stripe.CheckoutSessionPaymentStatusPaid,
		})
	}
	result, err := h.svc.HandleEvent(ctx, succeeded())
	require.NoError(t, err)
	assert.Equal(t, webhooks.OutcomeProcessed, result.Outcome)
	assert.Equal(t, "cs_async", result.IdempotencyKey)
	assert.Equal(t, int64(1000), h.balance(t, userID))

	replay, err := h.svc.HandleEvent(ctx, succeeded())
	require.NoError(t, err)
	assert.Equal(t, webhooks.OutcomeDuplicate, replay.Outcome)

	// a paid completion for the same session is caught by the ledger reference index
	late, err := h.svc.HandleEvent(ctx, checkoutCompleted(t, "cs_async", ref, stripe.CheckoutSessionPaymentStatusPaid))
	require.NoError(t, err)
	assert.Equal(t, webhooks.OutcomeDuplicate, late.Outcome)
	assert.Equal(t, int64(1000), h.balance(t, userID))
}
