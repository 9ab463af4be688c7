// Package webhooks holds what the provider reconcilers share: outcomes and the
// persisted record of processed deliveries.
package webhooks

// Outcome describes what a reconciler did with a delivery. Every outcome is
// acknowledged to the provider; only errors trigger a redelivery.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeDropped   Outcome = "dropped"
	OutcomeNotFound  Outcome = "not_found"
)

// Result is returned by every reconciler.
type Result struct {
	Outcome        Outcome `json:"outcome"`
	EventType      string  `json:"eventType,omitempty"`
	IdempotencyKey string  `json:"idempotencyKey,omitempty"`
	UserID         string  `json:"userId,omitempty"`
	Data           any     `json:"data,omitempty"`
}
