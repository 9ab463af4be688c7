package controllers

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/charforge-backend/api/middleware"
	"github.com/angelmondragon/charforge-backend/api/responses"
	"github.com/angelmondragon/charforge-backend/api/validators"
	"github.com/angelmondragon/charforge-backend/internal/ledger"
	"github.com/angelmondragon/charforge-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/charforge-backend/pkg/errors"
	"github.com/angelmondragon/charforge-backend/pkg/logger"
)

type adminAdjustRequest struct {
	UserID      string `json:"user_id" validate:"required,uuid"`
	Amount      int64  `json:"amount" validate:"gt=0"`
	Reason      string `json:"reason" validate:"required,oneof=bonus admin_adjustment"`
	ReferenceID string `json:"reference_id" validate:"max=255"`
	Description string `json:"description"`
}

// AdminAdjustCredits grants bonus or adjustment credits to any user.
func AdminAdjustCredits(svc ledger.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "ledger service unavailable"))
			return
		}
		var body adminAdjustRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		userID, err := uuid.Parse(body.UserID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid user id"))
			return
		}

		description := validators.SanitizeString(body.Description, maxDescriptionLen)
		if description == "" {
			description = "granted by " + middleware.UserIDFromContext(r.Context())
		}
		referenceType := ledger.ReferenceTypeAdmin

		result, err := svc.Credit(r.Context(), ledger.CreditInput{
			UserID:        userID,
			Amount:        body.Amount,
			Reason:        enums.LedgerEntryType(body.Reason),
			ReferenceType: &referenceType,
			ReferenceID:   optionalString(strings.TrimSpace(body.ReferenceID)),
			Description:   &description,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, result)
	}
}
