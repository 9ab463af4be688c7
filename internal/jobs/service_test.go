package jobs

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/charforge-backend/internal/ledger"
	"github.com/angelmondragon/charforge-backend/internal/pricing"
	"github.com/angelmondragon/charforge-backend/pkg/db"
	"github.com/angelmondragon/charforge-backend/pkg/db/dbtest"
	"github.com/angelmondragon/charforge-backend/pkg/db/models"
	"github.com/angelmondragon/charforge-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/charforge-backend/pkg/errors"
	"github.com/angelmondragon/charforge-backend/pkg/outbox"
)

type harness struct {
	svc    Service
	ledger ledger.Service
	client *db.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	client := dbtest.Client(t)
	catalog, err := pricing.Load("")
	require.NoError(t, err)
	ledgerSvc, err := ledger.NewService(ledger.ServiceParams{
		Repo:    ledger.NewRepository(client.DB()),
		Pricing: catalog,
		DB:      client,
	})
	require.NoError(t, err)
	svc, err := NewService(ServiceParams{
		Repo:   NewRepository(client.DB()),
		Ledger: ledgerSvc,
		DB:     client,
		Outbox: outbox.NewService(outbox.NewRepository(client.DB()), nil),
		Now:    func() time.Time { return time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)
	return &harness{svc: svc, ledger: ledgerSvc, client: client}
}

func (h *harness) fund(t *testing.T, userID uuid.UUID, amount int64) {
	t.Helper()
	_, err := h.ledger.Credit(context.Background(), ledger.CreditInput{
		UserID: userID,
		Amount: amount,
		Reason: enums.LedgerEntryPurchase,
	})
	require.NoError(t, err)
}

func (h *harness) balance(t *testing.T, userID uuid.UUID) int64 {
	t.Helper()
	balance, err := h.ledger.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	return balance
}

func (h *harness) count(t *testing.T, model any, query string, args ...any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, h.client.DB().Model(model).Where(query, args...).Count(&n).Error)
	return n
}

func TestCreateDebitsAndRecordsPendingJob(t *testing.T) {
	h := newHarness(t)
	userID := uuid.New()
	h.fund(t, userID, 500)

	result, err := h.svc.Create(context.Background(), CreateJobInput{
		UserID:        userID,
		ExternalJobID: "lora_abc",
		Credits:       200,
	})
	require.NoError(t, err)
	require.NotNil(t, result.BalanceAfter)
	assert.Equal(t, int64(300), *result.BalanceAfter)
	assert.Equal(t, enums.JobStatusPending, result.Job.Status)
	assert.Equal(t, enums.JobKindLoraTraining, result.Job.Kind)
	require.NotNil(t, result.Job.CreditsCharged)
	assert.Equal(t, int64(200), *result.Job.CreditsCharged)

	got, err := h.svc.Get(context.Background(), userID, "lora_abc")
	require.NoError(t, err)
	assert.Equal(t, result.Job.ID, got.ID)

	_, err = h.svc.Get(context.Background(), uuid.New(), "lora_abc")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestCreateRollsBackOnInsufficientOrDuplicate(t *testing.T) {
	h := newHarness(t)
	userID := uuid.New()
	h.fund(t, userID, 250)

	_, err := h.svc.Create(context.Background(), CreateJobInput{UserID: userID, ExternalJobID: "lora_1", Credits: 300})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrInsufficientBalance))
	assert.Zero(t, h.count(t, &models.PaidJob{}, "user_id = ?", userID))

	_, err = h.svc.Create(context.Background(), CreateJobInput{UserID: userID, ExternalJobID: "lora_1", Credits: 200})
	require.NoError(t, err)

	h.fund(t, userID, 200)
	_, err = h.svc.Create(context.Background(), CreateJobInput{UserID: userID, ExternalJobID: "lora_1", Credits: 200})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeConflict))
	assert.Equal(t, int64(250), h.balance(t, userID), "duplicate job must not keep its debit")
}

func TestFailRefundsExactlyOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	h.fund(t, userID, 200)

	_, err := h.svc.Create(ctx, CreateJobInput{UserID: userID, ExternalJobID: "lora_fail", Credits: 200})
	require.NoError(t, err)
	require.Zero(t, h.balance(t, userID))

	first, err := h.svc.Fail(ctx, "lora_fail", "gpu exploded")
	require.NoError(t, err)
	assert.False(t, first.AlreadyTerminal)
	assert.Equal(t, "lora_fail", first.Notification.LoraModelID)
	assert.Equal(t, int64(200), first.Notification.CreditsRefunded)
	assert.Equal(t, enums.JobStatusFailed, first.Job.Status)
	assert.Equal(t, int64(200), h.balance(t, userID))

	second, err := h.svc.Fail(ctx, "lora_fail", "retry delivery")
	require.NoError(t, err)
	assert.True(t, second.AlreadyTerminal)
	assert.Equal(t, int64(200), second.Notification.CreditsRefunded)
	assert.Equal(t, int64(200), h.balance(t, userID))

	assert.Equal(t, int64(1), h.count(t, &models.LedgerEntry{}, "user_id = ? AND entry_type = ?", userID, enums.LedgerEntryRefund))
	assert.Equal(t, int64(1), h.count(t, &models.OutboxEvent{}, "event_type = ?", enums.EventCreditsRefunded))

	account, err := h.ledger.GetAccount(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, account.TotalEarned-account.TotalSpent, account.Balance)
}

func TestConcurrentFailuresRefundOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	h.fund(t, userID, 200)
	_, err := h.svc.Create(ctx, CreateJobInput{UserID: userID, ExternalJobID: "lora_race", Credits: 200})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.svc.Fail(ctx, "lora_race", "boom"); err != nil {
				t.Errorf("fail: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(200), h.balance(t, userID))
	assert.Equal(t, int64(1), h.count(t, &models.LedgerEntry{}, "user_id = ? AND entry_type = ?", userID, enums.LedgerEntryRefund))
}

func TestFailWithoutChargeRefundsNothing(t *testing.T) {
	h := newHarness(t)
	userID := uuid.New()
	_, err := h.svc.Create(context.Background(), CreateJobInput{UserID: userID, ExternalJobID: "lora_free"})
	require.NoError(t, err)

	result, err := h.svc.Fail(context.Background(), "lora_free", "")
	require.NoError(t, err)
	assert.Zero(t, result.Notification.CreditsRefunded)
	assert.Zero(t, h.balance(t, userID))
	assert.Equal(t, enums.JobStatusFailed, result.Job.Status)
	assert.Nil(t, result.Job.CreditsRefunded)

	var stored models.PaidJob
	require.NoError(t, h.client.DB().Where("external_job_id = ?", "lora_free").First(&stored).Error)
	assert.Equal(t, enums.JobStatusFailed, stored.Status)
	assert.Nil(t, stored.CreditsCharged)
	assert.Nil(t, stored.CreditsRefunded)

	again, err := h.svc.Fail(context.Background(), "lora_free", "")
	require.NoError(t, err)
	assert.True(t, again.AlreadyTerminal)
}

func TestFailKeepsLongErrorMessagesValidUTF8(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	h.fund(t, userID, 10)
	_, err := h.svc.Create(ctx, CreateJobInput{UserID: userID, ExternalJobID: "lora_utf8", Credits: 10})
	require.NoError(t, err)

	message := "x" + strings.Repeat("é", 600)
	result, err := h.svc.Fail(ctx, "lora_utf8", message)
	require.NoError(t, err)
	require.NotNil(t, result.Job.ErrorMessage)
	stored := *result.Job.ErrorMessage
	assert.True(t, utf8.ValidString(stored))
	assert.LessOrEqual(t, len(stored), maxErrorMessageLength)
	assert.True(t, strings.HasPrefix(message, stored))
	assert.Equal(t, maxErrorMessageLength-1, len(stored))
}

func TestTruncate(t *testing.T) {
	cases := map[string]struct {
		in   string
		want int
	}{
		"short":           {in: "boom", want: 4},
		"ascii overflow":  {in: strings.Repeat("a", 1500), want: maxErrorMessageLength},
		"rune boundary":   {in: "x" + strings.Repeat("é", 600), want: maxErrorMessageLength - 1},
		"four byte runes": {in: strings.Repeat("😀", 300), want: maxErrorMessageLength},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got := truncate(tc.in)
			assert.Len(t, got, tc.want)
			assert.True(t, utf8.ValidString(got))
		})
	}
}

func TestFailUnknownJob(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.Fail(context.Background(), "lora_missing", "x")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrJobNotFound))

	_, err = h.svc.Complete(context.Background(), "lora_missing")
	assert.True(t, errors.Is(err, ErrJobNotFound))
}

func TestCompleteIsOneWay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	h.fund(t, userID, 200)
	_, err := h.svc.Create(ctx, CreateJobInput{UserID: userID, ExternalJobID: "lora_ok", Credits: 200})
	require.NoError(t, err)

	done, err := h.svc.Complete(ctx, "lora_ok")
	require.NoError(t, err)
	assert.False(t, done.AlreadyTerminal)
	assert.Equal(t, enums.JobStatusCompleted, done.Job.Status)

	failed, err := h.svc.Fail(ctx, "lora_ok", "late failure")
	require.NoError(t, err)
	assert.True(t, failed.AlreadyTerminal)
	assert.Equal(t, enums.JobStatusCompleted, failed.Job.Status)
	assert.Zero(t, h.balance(t, userID), "completed jobs are never refunded")

	again, err := h.svc.Complete(ctx, "lora_ok")
	require.NoError(t, err)
	assert.True(t, again.AlreadyTerminal)
	assert.Equal(t, int64(1), h.count(t, &models.OutboxEvent{}, "event_type = ?", enums.EventTrainingJobCompleted))
}

func TestMaybeRefundSkipsRefundedJobs(t *testing.T) {
	h := newHarness(t)
	charged := int64(50)
	refunded := int64(50)
	job := &models.PaidJob{
		ID:              uuid.New(),
		UserID:          uuid.New(),
		Kind:            enums.JobKindLoraTraining,
		CreditsCharged:  &charged,
		CreditsRefunded: &refunded,
	}

	err := h.client.WithTx(context.Background(), func(tx *gorm.DB) error {
		result, err := h.svc.MaybeRefund(context.Background(), tx, job)
		require.NoError(t, err)
		assert.False(t, result.Issued)

		job.CreditsCharged = nil
		job.CreditsRefunded = nil
		result, err = h.svc.MaybeRefund(context.Background(), tx, job)
		require.NoError(t, err)
		assert.False(t, result.Issued)
		return nil
	})
	require.NoError(t, err)
}
