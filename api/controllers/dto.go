package controllers

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/charforge-backend/pkg/db/models"
)

type ledgerEntryResponse struct {
	ID            uuid.UUID `json:"id"`
	Type          string    `json:"type"`
	Amount        int64     `json:"amount"`
	BalanceAfter  int64     `json:"balance_after"`
	ReferenceType *string   `json:"reference_type,omitempty"`
	ReferenceID   *string   `json:"reference_id,omitempty"`
	Description   *string   `json:"description,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type ledgerEntriesResponse struct {
	Items  []ledgerEntryResponse `json:"items"`
	Cursor string                `json:"cursor,omitempty"`
}

func toLedgerEntries(items []models.LedgerEntry, cursor string) ledgerEntriesResponse {
	out := ledgerEntriesResponse{Items: make([]ledgerEntryResponse, 0, len(items)), Cursor: cursor}
	for _, entry := range items {
		out.Items = append(out.Items, ledgerEntryResponse{
			ID:            entry.ID,
			Type:          string(entry.Type),
			Amount:        entry.Amount,
			BalanceAfter:  entry.BalanceAfter,
			ReferenceType: entry.ReferenceType,
			ReferenceID:   entry.ReferenceID,
			Description:   entry.Description,
			CreatedAt:     entry.CreatedAt,
		})
	}
	return out
}

type subscriptionResponse struct {
	Tier                   string     `json:"tier"`
	Status                 string     `json:"status"`
	ExternalSubscriptionID *string    `json:"external_subscription_id,omitempty"`
	CurrentPeriodStart     time.Time  `json:"current_period_start"`
	CurrentPeriodEnd       time.Time  `json:"current_period_end"`
	CanceledAt             *time.Time `json:"canceled_at,omitempty"`
}

func toSubscription(sub *models.Subscription) subscriptionResponse {
	return subscriptionResponse{
		Tier:                   sub.Tier,
		Status:                 string(sub.Status),
		ExternalSubscriptionID: sub.ExternalSubscriptionID,
		CurrentPeriodStart:     sub.CurrentPeriodStart,
		CurrentPeriodEnd:       sub.CurrentPeriodEnd,
		CanceledAt:             sub.CanceledAt,
	}
}

type trainingJobResponse struct {
	ID             uuid.UUID `json:"id"`
	Kind           string    `json:"kind"`
	ExternalJobID  string    `json:"external_job_id"`
	Status         string    `json:"status"`
	CreditsCharged int64     `json:"credits_charged"`
	BalanceAfter   *int64    `json:"balance_after,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func toTrainingJob(job *models.PaidJob, balanceAfter *int64) trainingJobResponse {
	var charged int64
	if job.CreditsCharged != nil {
		charged = *job.CreditsCharged
	}
	return trainingJobResponse{
		ID:             job.ID,
		Kind:           string(job.Kind),
		ExternalJobID:  job.ExternalJobID,
		Status:         string(job.Status),
		CreditsCharged: charged,
		BalanceAfter:   balanceAfter,
		CreatedAt:      job.CreatedAt,
	}
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
