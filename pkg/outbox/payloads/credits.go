package payloads

import (
	"time"

	"github.com/google/uuid"
)

// CreditsRefundedEvent tells the user a failed training run was refunded.
// The JSON shape is consumed by the client notification center.
type CreditsRefundedEvent struct {
	UserID          uuid.UUID `json:"userId"`
	LoraModelID     string    `json:"loraModelId"`
	CreditsRefunded int64     `json:"creditsRefunded"`
	ErrorMessage    string    `json:"errorMessage,omitempty"`
}

// CreditsGrantedEvent reports a purchase or subscription grant.
type CreditsGrantedEvent struct {
	UserID       uuid.UUID `json:"userId"`
	EntryType    string    `json:"entryType"`
	Amount       int64     `json:"amount"`
	BalanceAfter int64     `json:"balanceAfter"`
	ReferenceID  string    `json:"referenceId,omitempty"`
}

// SubscriptionStatusEvent reports a subscription leaving the active state.
type SubscriptionStatusEvent struct {
	UserID           uuid.UUID  `json:"userId"`
	Tier             string     `json:"tier"`
	Status           string     `json:"status"`
	CurrentPeriodEnd time.Time  `json:"currentPeriodEnd"`
	CanceledAt       *time.Time `json:"canceledAt,omitempty"`
}

// TrainingJobCompletedEvent tells the user a model finished training.
type TrainingJobCompletedEvent struct {
	UserID      uuid.UUID `json:"userId"`
	LoraModelID string    `json:"loraModelId"`
}
