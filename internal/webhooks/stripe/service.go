package stripewebhook

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v79"
	"gorm.io/gorm"

	"github.com/angelmondragon/charforge-backend/internal/ledger"
	"github.com/angelmondragon/charforge-backend/internal/pricing"
	"github.com/angelmondragon/charforge-backend/internal/references"
	"github.com/angelmondragon/charforge-backend/internal/subscriptions"
	"github.com/angelmondragon/charforge-backend/internal/webhooks"
	"github.com/angelmondragon/charforge-backend/pkg/db/models"
	"github.com/angelmondragon/charforge-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/charforge-backend/pkg/errors"
	"github.com/angelmondragon/charforge-backend/pkg/logger"
	"github.com/angelmondragon/charforge-backend/pkg/outbox"
	"github.com/angelmondragon/charforge-backend/pkg/outbox/payloads"
)

// PaymentReferenceKey is the metadata key carrying the encoded payment reference.
const PaymentReferenceKey = "payment_reference"

var errAlreadyApplied = stdErrors.New("stripe event already applied")

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type ledgerWriter interface {
	CreditWithTx(ctx context.Context, tx *gorm.DB, input ledger.CreditInput) (*ledger.CreditResult, error)
}

type subscriptionStore interface {
	ActivateWithTx(ctx context.Context, tx *gorm.DB, input subscriptions.ActivateInput) (*models.Subscription, bool, error)
	MarkPastDueWithTx(ctx context.Context, tx *gorm.DB, externalSubscriptionID string) (*models.Subscription, error)
	CancelWithTx(ctx context.Context, tx *gorm.DB, externalSubscriptionID string) (*models.Subscription, error)
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type ServiceParams struct {
	Ledger            ledgerWriter
	Subscriptions     subscriptionStore
	Pricing           pricing.Catalog
	Codec             references.Codec
	Events            webhooks.Repository
	Outbox            outboxPublisher
	TransactionRunner txRunner
	Logger            *logger.Logger
	Now               func() time.Time
}

// Service reconciles Stripe payment events into credit grants and subscription state.
type Service struct {
	ledger        ledgerWriter
	subscriptions subscriptionStore
	pricing       pricing.Catalog
	codec         references.Codec
	events        webhooks.Repository
	outbox        outboxPublisher
	txRunner      txRunner
	logg          *logger.Logger
	now           func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Ledger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "ledger required")
	}
	if params.Subscriptions == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "subscription store required")
	}
	if params.Pricing == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "pricing catalog required")
	}
	if params.Codec == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "reference codec required")
	}
	if params.Events == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "webhook event repository required")
	}
	if params.Outbox == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "outbox publisher required")
	}
	if params.TransactionRunner == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction runner required")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		ledger:        params.Ledger,
		subscriptions: params.Subscriptions,
		pricing:       params.Pricing,
		codec:         params.Codec,
		events:        params.Events,
		outbox:        params.Outbox,
		txRunner:      params.TransactionRunner,
		logg:          params.Logger,
		now:           now,
	}, nil
}

// HandleEvent applies one verified event. Errors mean the delivery should be retried.
func (s *Service) HandleEvent(ctx context.Context, event *stripe.Event) (webhooks.Result, error) {
	if event == nil {
		return webhooks.Result{}, pkgerrors.New(pkgerrors.CodeValidation, "stripe event required")
	}

	var (
		result webhooks.Result
		err    error
	)
	switch event.Type {
	case stripe.EventTypeInvoicePaid:
		result, err = s.handleInvoicePaid(ctx, event)
	case stripe.EventTypeCheckoutSessionCompleted, stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded:
		result, err = s.handleCheckoutCompleted(ctx, event)
	case stripe.EventTypeInvoicePaymentFailed:
		result, err = s.handleInvoicePaymentFailed(ctx, event)
	case stripe.EventTypeCustomerSubscriptionDeleted:
		result, err = s.handleSubscriptionDeleted(ctx, event)
	default:
		result = webhooks.Result{Outcome: webhooks.OutcomeIgnored}
	}
	result.EventType = string(event.Type)
	if err != nil {
		return result, err
	}
	s.logOutcome(ctx, result)
	return result, nil
}

func (s *Service) handleInvoicePaid(ctx context.Context, event *stripe.Event) (webhooks.Result, error) {
	var invoice stripe.Invoice
	if !s.decodeObject(event, &invoice) {
		return s.drop(ctx, webhooks.Result{IdempotencyKey: event.ID}, "invoice payload could not be decoded"), nil
	}
	result := webhooks.Result{IdempotencyKey: invoice.ID}
	if invoice.ID == "" {
		return s.drop(ctx, result, "invoice id missing"), nil
	}

	ref, userID, ok := s.decodeReference(ctx, &result, invoiceReference(&invoice))
	if !ok {
		return result, nil
	}
	if ref.Kind != references.KindSubscription {
		return s.drop(ctx, result, "invoice reference is not a subscription"), nil
	}
	allotment, err := s.pricing.PlanAllotment(ref.ProductID)
	if err != nil {
		return s.drop(ctx, result, fmt.Sprintf("unknown plan %q", ref.ProductID)), nil
	}

	activation := subscriptions.ActivateInput{
		UserID: userID,
		PlanID: ref.ProductID,
	}
	if invoice.Subscription != nil {
		activation.ExternalSubscriptionID = invoice.Subscription.ID
	}
	activation.PeriodStart, activation.PeriodEnd = invoicePeriod(&invoice)

	return s.apply(ctx, result, event, func(tx *gorm.DB) (any, error) {
		if _, _, err := s.subscriptions.ActivateWithTx(ctx, tx, activation); err != nil {
			return nil, err
		}
		return s.grant(ctx, tx, grantInput{
			userID:        userID,
			amount:        allotment,
			reason:        enums.LedgerEntrySubscriptionGrant,
			referenceType: ledger.ReferenceTypeInvoice,
			referenceID:   invoice.ID,
			description:   "monthly allotment for " + ref.ProductID,
		})
	})
}

// handleCheckoutCompleted also serves async_payment_succeeded, which follows a completed session
// left unpaid by a delayed payment method. The ledger reference index keeps the two from granting twice.
func (s *Service) handleCheckoutCompleted(ctx context.Context, event *stripe.Event) (webhooks.Result, error) {
	var session stripe.CheckoutSession
	if !s.decodeObject(event, &session) {
		return s.drop(ctx, webhooks.Result{IdempotencyKey: event.ID}, "checkout session payload could not be decoded"), nil
	}
	result := webhooks.Result{IdempotencyKey: session.ID}
	if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		result.Outcome = webhooks.OutcomeIgnored
		return result, nil
	}
	if session.ID == "" {
		return s.drop(ctx, result, "checkout session id missing"), nil
	}

	ref, userID, ok := s.decodeReference(ctx, &result, session.ClientReferenceID)
	if !ok {
		return result, nil
	}
	if ref.Kind == references.KindSubscription {
		// the grant arrives with invoice.paid
		result.Outcome = webhooks.OutcomeIgnored
		return result, nil
	}
	credits, err := s.pricing.PackageCredits(ref.ProductID)
	if err != nil {
		return s.drop(ctx, result, fmt.Sprintf("unknown package %q", ref.ProductID)), nil
	}

	return s.apply(ctx, result, event, func(tx *gorm.DB) (any, error) {
		return s.grant(ctx, tx, grantInput{
			userID:        userID,
			amount:        credits,
			reason:        enums.LedgerEntryPurchase,
			referenceType: ledger.ReferenceTypeCheckout,
			referenceID:   session.ID,
			description:   "credit package " + ref.ProductID,
		})
	})
}

func (s *Service) handleInvoicePaymentFailed(ctx context.Context, event *stripe.Event) (webhooks.Result, error) {
	var invoice stripe.Invoice
	if !s.decodeObject(event, &invoice) {
		return s.drop(ctx, webhooks.Result{IdempotencyKey: event.ID}, "invoice payload could not be decoded"), nil
	}
	result := webhooks.Result{IdempotencyKey: invoice.ID}
	if invoice.ID == "" || invoice.Subscription == nil || invoice.Subscription.ID == "" {
		result.Outcome = webhooks.OutcomeIgnored
		return result, nil
	}
	subscriptionID := invoice.Subscription.ID
	return s.apply(ctx, result, event, func(tx *gorm.DB) (any, error) {
		sub, err := s.subscriptions.MarkPastDueWithTx(ctx, tx, subscriptionID)
		if err != nil {
			return nil, err
		}
		return sub, nil
	})
}

func (s *Service) handleSubscriptionDeleted(ctx context.Context, event *stripe.Event) (webhooks.Result, error) {
	var subscription stripe.Subscription
	if !s.decodeObject(event, &subscription) {
		return s.drop(ctx, webhooks.Result{IdempotencyKey: event.ID}, "subscription payload could not be decoded"), nil
	}
	result := webhooks.Result{IdempotencyKey: event.ID}
	if event.ID == "" || subscription.ID == "" {
		result.Outcome = webhooks.OutcomeIgnored
		return result, nil
	}
	return s.apply(ctx, result, event, func(tx *gorm.DB) (any, error) {
		sub, err := s.subscriptions.CancelWithTx(ctx, tx, subscription.ID)
		if err != nil {
			return nil, err
		}
		return sub, nil
	})
}

// apply records the idempotency key and runs mutate in the same transaction.
func (s *Service) apply(ctx context.Context, result webhooks.Result, event *stripe.Event, mutate func(tx *gorm.DB) (any, error)) (webhooks.Result, error) {
	var data any
	err := s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		inserted, err := s.events.WithTx(tx).MarkProcessed(ctx, enums.WebhookProviderStripe, result.IdempotencyKey, string(event.Type), s.now().UTC())
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record webhook event")
		}
		if !inserted {
			return errAlreadyApplied
		}
		data, err = mutate(tx)
		return err
	})
	switch {
	case err == nil:
		result.Outcome = webhooks.OutcomeProcessed
		result.Data = data
		return result, nil
	case stdErrors.Is(err, errAlreadyApplied), stdErrors.Is(err, ledger.ErrDuplicateReference):
		result.Outcome = webhooks.OutcomeDuplicate
		return result, nil
	case stdErrors.Is(err, subscriptions.ErrSubscriptionNotFound):
		result.Outcome = webhooks.OutcomeIgnored
		return result, nil
	default:
		return result, err
	}
}

type grantInput struct {
	userID        uuid.UUID
	amount        int64
	reason        enums.LedgerEntryType
	referenceType string
	referenceID   string
	description   string
}

func (s *Service) grant(ctx context.Context, tx *gorm.DB, input grantInput) (*ledger.CreditResult, error) {
	credit, err := s.ledger.CreditWithTx(ctx, tx, ledger.CreditInput{
		UserID:        input.userID,
		Amount:        input.amount,
		Reason:        input.reason,
		ReferenceType: &input.referenceType,
		ReferenceID:   &input.referenceID,
		Description:   &input.description,
	})
	if err != nil {
		return nil, err
	}
	if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventCreditsGranted,
		AggregateType: enums.AggregateCreditBalance,
		AggregateID:   input.userID,
		Actor:         &outbox.ActorRef{UserID: input.userID},
		Data: payloads.CreditsGrantedEvent{
			UserID:       input.userID,
			EntryType:    string(input.reason),
			Amount:       input.amount,
			BalanceAfter: credit.BalanceAfter,
			ReferenceID:  input.referenceID,
		},
	}); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "emit credits granted event")
	}
	return credit, nil
}

// decodeObject unmarshals the event object. A signed event that cannot be decoded
// will never succeed on redelivery, so callers drop it.
func (s *Service) decodeObject(event *stripe.Event, target any) bool {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return false
	}
	return json.Unmarshal(event.Data.Raw, target) == nil
}

// decodeReference fills a dropped result and returns false when the reference cannot be attributed to a user.
func (s *Service) decodeReference(ctx context.Context, result *webhooks.Result, raw string) (references.Reference, uuid.UUID, bool) {
	ref, err := s.codec.Decode(raw)
	if err != nil {
		*result = s.drop(ctx, *result, "payment reference could not be decoded")
		return references.Reference{}, uuid.Nil, false
	}
	userID, err := uuid.Parse(ref.UserID)
	if err != nil {
		*result = s.drop(ctx, *result, "payment reference user id is not a uuid")
		return references.Reference{}, uuid.Nil, false
	}
	result.UserID = userID.String()
	return ref, userID, true
}

func (s *Service) drop(ctx context.Context, result webhooks.Result, reason string) webhooks.Result {
	result.Outcome = webhooks.OutcomeDropped
	if s.logg != nil {
		logCtx := s.logg.WithWebhook(ctx, string(enums.WebhookProviderStripe), result.IdempotencyKey)
		logCtx = s.logg.WithFields(logCtx, map[string]any{
			"user_id": result.UserID,
			"reason":  reason,
		})
		s.logg.Warn(logCtx, "stripe webhook dropped")
	}
	return result
}

func (s *Service) logOutcome(ctx context.Context, result webhooks.Result) {
	if s.logg == nil || result.Outcome == webhooks.OutcomeDropped {
		return
	}
	logCtx := s.logg.WithWebhook(ctx, string(enums.WebhookProviderStripe), result.IdempotencyKey)
	logCtx = s.logg.WithFields(logCtx, map[string]any{
		"event_type": result.EventType,
		"outcome":    result.Outcome,
		"user_id":    result.UserID,
	})
	s.logg.Info(logCtx, "stripe webhook handled")
}

func invoiceReference(invoice *stripe.Invoice) string {
	if invoice.SubscriptionDetails != nil {
		if ref := invoice.SubscriptionDetails.Metadata[PaymentReferenceKey]; ref != "" {
			return ref
		}
	}
	return invoice.Metadata[PaymentReferenceKey]
}

// invoicePeriod returns the billing period of the first invoice line. Missing bounds are nil.
func invoicePeriod(invoice *stripe.Invoice) (start, end *time.Time) {
	if invoice.Lines == nil || len(invoice.Lines.Data) == 0 {
		return nil, nil
	}
	line := invoice.Lines.Data[0]
	if line == nil || line.Period == nil {
		return nil, nil
	}
	if line.Period.Start > 0 {
		t := time.Unix(line.Period.Start, 0).UTC()
		start = &t
	}
	if line.Period.End > 0 {
		t := time.Unix(line.Period.End, 0).UTC()
		end = &t
	}
	return start, end
}
