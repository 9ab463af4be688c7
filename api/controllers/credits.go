package controllers

import (
	"net/http"
	"strings"

	"github.com/angelmondragon/charforge-backend/api/middleware"
	"github.com/angelmondragon/charforge-backend/api/responses"
	"github.com/angelmondragon/charforge-backend/api/validators"
	"github.com/angelmondragon/charforge-backend/internal/ledger"
	pkgerrors "github.com/angelmondragon/charforge-backend/pkg/errors"
	"github.com/angelmondragon/charforge-backend/pkg/logger"
	"github.com/angelmondragon/charforge-backend/pkg/pagination"
)

const maxDescriptionLen = 500

type affordabilityRequest struct {
	ProductID string `json:"product_id" validate:"required,max=64"`
	Count     int64  `json:"count" validate:"gt=0"`
}

type debitRequest struct {
	ProductID   string `json:"product_id" validate:"required,max=64"`
	Count       int64  `json:"count" validate:"gt=0"`
	ReferenceID string `json:"reference_id" validate:"max=255"`
}

type debitRawRequest struct {
	Amount        int64  `json:"amount" validate:"gt=0"`
	ReferenceType string `json:"reference_type" validate:"max=64"`
	ReferenceID   string `json:"reference_id" validate:"max=255"`
	Description   string `json:"description"`
}

// GetCreditBalance returns the caller's balance and lifetime totals.
// Users without an account read as zero.
func GetCreditBalance(svc ledger.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "ledger service unavailable"))
			return
		}
		userID, err := validators.ParseUserID(middleware.UserIDFromContext(r.Context()))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		account, err := svc.GetAccount(r.Context(), userID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, account)
	}
}

// ListCreditEntries pages through the caller's ledger, newest first.
func ListCreditEntries(svc ledger.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "ledger service unavailable"))
			return
		}
		userID, err := validators.ParseUserID(middleware.UserIDFromContext(r.Context()))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.ListEntries(r.Context(), ledger.ListEntriesParams{
			UserID: userID,
			Limit:  limit,
			Cursor: strings.TrimSpace(r.URL.Query().Get("cursor")),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, toLedgerEntries(result.Items, result.Cursor))
	}
}

// CheckAffordability prices count units of a product against the caller's balance.
func CheckAffordability(svc ledger.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "ledger service unavailable"))
			return
		}
		userID, err := validators.ParseUserID(middleware.UserIDFromContext(r.Context()))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var body affordabilityRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.CheckAffordability(r.Context(), userID, body.ProductID, body.Count)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

// DebitCredits charges the caller for count units of a priced product.
func DebitCredits(svc ledger.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "ledger service unavailable"))
			return
		}
		userID, err := validators.ParseUserID(middleware.UserIDFromContext(r.Context()))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var body debitRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.Debit(r.Context(), ledger.DebitInput{
			UserID:      userID,
			ProductID:   body.ProductID,
			Count:       body.Count,
			ReferenceID: optionalString(strings.TrimSpace(body.ReferenceID)),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, result)
	}
}

// DebitRawCredits charges the caller an explicit amount.
func DebitRawCredits(svc ledger.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "ledger service unavailable"))
			return
		}
		userID, err := validators.ParseUserID(middleware.UserIDFromContext(r.Context()))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var body debitRawRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.DebitRaw(r.Context(), ledger.DebitRawInput{
			UserID:        userID,
			Amount:        body.Amount,
			ReferenceType: strings.TrimSpace(body.ReferenceType),
			ReferenceID:   optionalString(strings.TrimSpace(body.ReferenceID)),
			Description:   optionalString(validators.SanitizeString(body.Description, maxDescriptionLen)),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, result)
	}
}
