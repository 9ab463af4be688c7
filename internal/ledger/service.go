package ledger

import (
	"context"
	stdErrors "errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/charforge-backend/internal/pricing"
	"github.com/angelmondragon/charforge-backend/pkg/db"
	"github.com/angelmondragon/charforge-backend/pkg/db/models"
	"github.com/angelmondragon/charforge-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/charforge-backend/pkg/errors"
	"github.com/angelmondragon/charforge-backend/pkg/metrics"
	"github.com/angelmondragon/charforge-backend/pkg/pagination"
)

var (
	// ErrInsufficientBalance is wrapped into an INSUFFICIENT_CREDITS error carrying InsufficientDetails.
	ErrInsufficientBalance = stdErrors.New("insufficient credit balance")
	// ErrDuplicateReference is returned when a credit for the same reference was already recorded.
	ErrDuplicateReference = stdErrors.New("credit reference already applied")
)

// Reference types recorded on ledger entries.
const (
	ReferenceTypeAdhoc    = "adhoc"
	ReferenceTypePaidJob  = "paid_job"
	ReferenceTypeInvoice  = "invoice"
	ReferenceTypeCheckout = "checkout_session"
	ReferenceTypeAdmin    = "admin"
)

// Service exposes the credit ledger: balance reads, debits and credits.
type Service interface {
	GetBalance(ctx context.Context, userID uuid.UUID) (int64, error)
	GetAccount(ctx context.Context, userID uuid.UUID) (*Account, error)
	CheckAffordability(ctx context.Context, userID uuid.UUID, productID string, count int64) (*Affordability, error)
	Debit(ctx context.Context, input DebitInput) (*DebitResult, error)
	DebitRaw(ctx context.Context, input DebitRawInput) (*DebitResult, error)
	DebitRawWithTx(ctx context.Context, tx *gorm.DB, input DebitRawInput) (*DebitResult, error)
	Credit(ctx context.Context, input CreditInput) (*CreditResult, error)
	CreditWithTx(ctx context.Context, tx *gorm.DB, input CreditInput) (*CreditResult, error)
	ListEntries(ctx context.Context, params ListEntriesParams) (*ListEntriesResult, error)
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// ServiceParams wires the ledger service dependencies.
type ServiceParams struct {
	Repo    Repository
	Pricing pricing.Catalog
	DB      txRunner
	Metrics *metrics.LedgerMetrics
}

type service struct {
	repo    Repository
	pricing pricing.Catalog
	db      txRunner
	metrics *metrics.LedgerMetrics
}

// Account is a snapshot of a user's credit totals.
type Account struct {
	UserID      uuid.UUID `json:"user_id"`
	Balance     int64     `json:"balance"`
	TotalEarned int64     `json:"total_earned"`
	TotalSpent  int64     `json:"total_spent"`
}

// Affordability is the result of a read-only price check.
type Affordability struct {
	CanAfford bool  `json:"can_afford"`
	Required  int64 `json:"required"`
	Available int64 `json:"available"`
}

// InsufficientDetails is attached to INSUFFICIENT_CREDITS errors.
type InsufficientDetails struct {
	Required  int64 `json:"required"`
	Available int64 `json:"available"`
}

type DebitInput struct {
	UserID      uuid.UUID
	ProductID   string
	Count       int64
	ReferenceID *string
}

type DebitRawInput struct {
	UserID        uuid.UUID
	Amount        int64
	ReferenceType string
	ReferenceID   *string
	Description   *string
}

type DebitResult struct {
	Debited       int64     `json:"debited"`
	BalanceBefore int64     `json:"balance_before"`
	BalanceAfter  int64     `json:"balance_after"`
	EntryID       uuid.UUID `json:"entry_id"`
}

type CreditInput struct {
	UserID        uuid.UUID
	Amount        int64
	Reason        enums.LedgerEntryType
	ReferenceType *string
	ReferenceID   *string
	Description   *string
}

type CreditResult struct {
	Credited     int64     `json:"credited"`
	BalanceAfter int64     `json:"balance_after"`
	EntryID      uuid.UUID `json:"entry_id"`
}

type ListEntriesParams struct {
	UserID uuid.UUID
	Limit  int
	Cursor string
}

type ListEntriesResult struct {
	Items  []models.LedgerEntry `json:"items"`
	Cursor string               `json:"cursor,omitempty"`
}

// NewService wires a ledger service with the provided dependencies.
func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "ledger repository required")
	}
	if params.Pricing == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "pricing catalog required")
	}
	if params.DB == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction runner required")
	}
	return &service{
		repo:    params.Repo,
		pricing: params.Pricing,
		db:      params.DB,
		metrics: params.Metrics,
	}, nil
}

func (s *service) GetBalance(ctx context.Context, userID uuid.UUID) (int64, error) {
	account, err := s.GetAccount(ctx, userID)
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}

func (s *service) GetAccount(ctx context.Context, userID uuid.UUID) (*Account, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	row, err := s.repo.FindBalance(ctx, userID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load credit balance")
	}
	account := &Account{UserID: userID}
	if row != nil {
		account.Balance = row.Balance
		account.TotalEarned = row.TotalEarned
		account.TotalSpent = row.TotalSpent
	}
	return account, nil
}

func (s *service) CheckAffordability(ctx context.Context, userID uuid.UUID, productID string, count int64) (*Affordability, error) {
	required, err := s.price(productID, count)
	if err != nil {
		return nil, err
	}
	available, err := s.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &Affordability{
		CanAfford: available >= required,
		Required:  required,
		Available: available,
	}, nil
}

func (s *service) Debit(ctx context.Context, input DebitInput) (*DebitResult, error) {
	required, err := s.price(input.ProductID, input.Count)
	if err != nil {
		return nil, err
	}
	description := fmt.Sprintf("%d x %s", input.Count, input.ProductID)
	return s.DebitRaw(ctx, DebitRawInput{
		UserID:        input.UserID,
		Amount:        required,
		ReferenceType: input.ProductID,
		ReferenceID:   input.ReferenceID,
		Description:   &description,
	})
}

func (s *service) DebitRaw(ctx context.Context, input DebitRawInput) (*DebitResult, error) {
	var result *DebitResult
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		var txErr error
		result, txErr = s.DebitRawWithTx(ctx, tx, input)
		return txErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// DebitRawWithTx must run inside a transaction; the balance row stays locked until it commits.
func (s *service) DebitRawWithTx(ctx context.Context, tx *gorm.DB, input DebitRawInput) (*DebitResult, error) {
	if input.UserID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	if input.Amount <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "debit amount must be positive")
	}

	result, err := s.debit(ctx, s.repo.WithTx(tx), input)
	switch {
	case err == nil:
		s.metrics.Observe("debit", metrics.LedgerResultOK)
		s.metrics.AddCredits(string(enums.LedgerEntryGeneration), result.Debited)
	case stdErrors.Is(err, ErrInsufficientBalance):
		s.metrics.Observe("debit", metrics.LedgerResultInsufficient)
	default:
		s.metrics.Observe("debit", metrics.LedgerResultError)
	}
	return result, err
}

func (s *service) debit(ctx context.Context, repo Repository, input DebitRawInput) (*DebitResult, error) {
	row, err := repo.LockBalance(ctx, input.UserID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock credit balance")
	}
	var available int64
	if row != nil {
		available = row.Balance
	}
	if row == nil || available < input.Amount {
		return nil, insufficient(input.Amount, available)
	}

	applied, err := repo.ApplyDebit(ctx, input.UserID, input.Amount)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "apply debit")
	}
	if !applied {
		return nil, insufficient(input.Amount, available)
	}

	referenceType := strings.TrimSpace(input.ReferenceType)
	if referenceType == "" {
		referenceType = ReferenceTypeAdhoc
	}
	balanceAfter := available - input.Amount
	entry := &models.LedgerEntry{
		UserID:        input.UserID,
		Type:          enums.LedgerEntryGeneration,
		Amount:        -input.Amount,
		BalanceAfter:  balanceAfter,
		ReferenceType: &referenceType,
		ReferenceID:   input.ReferenceID,
		Description:   input.Description,
	}
	if err := repo.CreateEntry(ctx, entry); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "append ledger entry")
	}

	return &DebitResult{
		Debited:       input.Amount,
		BalanceBefore: available,
		BalanceAfter:  balanceAfter,
		EntryID:       entry.ID,
	}, nil
}

func (s *service) Credit(ctx context.Context, input CreditInput) (*CreditResult, error) {
	var result *CreditResult
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		var txErr error
		result, txErr = s.CreditWithTx(ctx, tx, input)
		return txErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *service) CreditWithTx(ctx context.Context, tx *gorm.DB, input CreditInput) (*CreditResult, error) {
	if input.UserID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	if input.Amount <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "credit amount must be positive")
	}
	if !input.Reason.IsCredit() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid credit reason %q", input.Reason))
	}

	result, err := s.credit(ctx, s.repo.WithTx(tx), input)
	if err != nil {
		s.metrics.Observe("credit", metrics.LedgerResultError)
		return nil, err
	}
	s.metrics.Observe("credit", metrics.LedgerResultOK)
	s.metrics.AddCredits(string(input.Reason), input.Amount)
	return result, nil
}

func (s *service) credit(ctx context.Context, repo Repository, input CreditInput) (*CreditResult, error) {
	if err := repo.EnsureBalance(ctx, input.UserID); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create credit balance")
	}
	row, err := repo.LockBalance(ctx, input.UserID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock credit balance")
	}
	if row == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "credit balance missing after insert")
	}

	change := splitCredit(row.TotalSpent, input.Amount, input.Reason)
	if err := repo.ApplyCredit(ctx, input.UserID, change); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "apply credit")
	}

	balanceAfter := row.Balance + input.Amount
	entry := &models.LedgerEntry{
		UserID:        input.UserID,
		Type:          input.Reason,
		Amount:        input.Amount,
		BalanceAfter:  balanceAfter,
		ReferenceType: input.ReferenceType,
		ReferenceID:   input.ReferenceID,
		Description:   input.Description,
	}
	if err := repo.CreateEntry(ctx, entry); err != nil {
		if db.IsUniqueViolation(err, "") {
			return nil, pkgerrors.Wrap(pkgerrors.CodeConflict, ErrDuplicateReference, "credit already applied for reference")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "append ledger entry")
	}

	return &CreditResult{
		Credited:     input.Amount,
		BalanceAfter: balanceAfter,
		EntryID:      entry.ID,
	}, nil
}

// splitCredit keeps balance == earned - spent: refunds first give back spending,
// clamped at zero, and any excess counts as new earnings.
func splitCredit(totalSpent, amount int64, reason enums.LedgerEntryType) creditChange {
	change := creditChange{Amount: amount}
	if reason != enums.LedgerEntryRefund {
		change.EarnedIncrease = amount
		return change
	}
	change.SpentDecrease = amount
	if change.SpentDecrease > totalSpent {
		change.SpentDecrease = totalSpent
	}
	change.EarnedIncrease = amount - change.SpentDecrease
	return change
}

func (s *service) ListEntries(ctx context.Context, params ListEntriesParams) (*ListEntriesResult, error) {
	if params.UserID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}

	query := listEntriesParams{
		UserID: params.UserID,
		Limit:  params.Limit,
	}
	if params.Cursor != "" {
		cursor, err := pagination.ParseCursor(params.Cursor)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
		}
		query.Cursor = cursor
	}

	rows, next, err := s.repo.ListEntries(ctx, query)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list ledger entries")
	}

	cursor := ""
	if next != nil {
		cursor = pagination.EncodeCursor(*next)
	}
	if rows == nil {
		rows = []models.LedgerEntry{}
	}
	return &ListEntriesResult{Items: rows, Cursor: cursor}, nil
}

func (s *service) price(productID string, count int64) (int64, error) {
	if strings.TrimSpace(productID) == "" {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "product id is required")
	}
	if count <= 0 {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "count must be positive")
	}
	unit, err := s.pricing.UnitCost(productID)
	if err != nil {
		return 0, err
	}
	return unit * count, nil
}

func insufficient(required, available int64) error {
	return pkgerrors.Wrap(pkgerrors.CodeInsufficient, ErrInsufficientBalance, "not enough credits").
		WithDetails(InsufficientDetails{Required: required, Available: available})
}
