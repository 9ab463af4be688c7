package enums

import "fmt"

// OutboxAggregateType identifies the entity an outbox event describes.
type OutboxAggregateType string

const (
	AggregatePaidJob       OutboxAggregateType = "paid_job"
	AggregateCreditBalance OutboxAggregateType = "credit_balance"
	AggregateSubscription  OutboxAggregateType = "subscription"
)

var validAggregateTypes = []OutboxAggregateType{
	AggregatePaidJob,
	AggregateCreditBalance,
	AggregateSubscription,
}

// IsValid reports whether the value matches a known aggregate type.
func (a OutboxAggregateType) IsValid() bool {
	for _, candidate := range validAggregateTypes {
		if candidate == a {
			return true
		}
	}
	return false
}

// ParseOutboxAggregateType converts raw input into OutboxAggregateType.
func ParseOutboxAggregateType(value string) (OutboxAggregateType, error) {
	for _, candidate := range validAggregateTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid aggregate type %q", value)
}

// OutboxEventType names user-facing notifications relayed by the outbox publisher.
type OutboxEventType string

const (
	EventCreditsRefunded       OutboxEventType = "credits_refunded"
	EventCreditsGranted        OutboxEventType = "credits_granted"
	EventSubscriptionPastDue   OutboxEventType = "subscription_past_due"
	EventSubscriptionCancelled OutboxEventType = "subscription_cancelled"
	EventTrainingJobCompleted  OutboxEventType = "training_job_completed"
)

var validOutboxEventTypes = []OutboxEventType{
	EventCreditsRefunded,
	EventCreditsGranted,
	EventSubscriptionPastDue,
	EventSubscriptionCancelled,
	EventTrainingJobCompleted,
}

// IsValid reports whether the value matches a known event type.
func (e OutboxEventType) IsValid() bool {
	for _, candidate := range validOutboxEventTypes {
		if candidate == e {
			return true
		}
	}
	return false
}

// ParseOutboxEventType converts raw input into OutboxEventType.
func ParseOutboxEventType(value string) (OutboxEventType, error) {
	for _, candidate := range validOutboxEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid outbox event type %q", value)
}
