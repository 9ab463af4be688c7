package controllers

import (
	"net/http"
	"strings"

	"github.com/angelmondragon/charforge-backend/api/middleware"
	"github.com/angelmondragon/charforge-backend/api/responses"
	"github.com/angelmondragon/charforge-backend/api/validators"
	"github.com/angelmondragon/charforge-backend/internal/jobs"
	"github.com/angelmondragon/charforge-backend/internal/pricing"
	"github.com/angelmondragon/charforge-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/charforge-backend/pkg/errors"
	"github.com/angelmondragon/charforge-backend/pkg/logger"
)

type createTrainingJobRequest struct {
	ExternalJobID string `json:"external_job_id" validate:"required,max=255"`
}

// CreateTrainingJob charges the catalog price of a LoRA training run and records
// the pending job so a failure callback can refund it.
func CreateTrainingJob(svc jobs.Service, catalog pricing.Catalog, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil || catalog == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "job service unavailable"))
			return
		}
		userID, err := validators.ParseUserID(middleware.UserIDFromContext(r.Context()))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var body createTrainingJobRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		cost, err := catalog.UnitCost(string(enums.JobKindLoraTraining))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.Create(r.Context(), jobs.CreateJobInput{
			UserID:        userID,
			Kind:          enums.JobKindLoraTraining,
			ExternalJobID: strings.TrimSpace(body.ExternalJobID),
			Credits:       cost,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, toTrainingJob(result.Job, result.BalanceAfter))
	}
}
