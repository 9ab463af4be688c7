package controllers

import (
	"net/http"

	"github.com/angelmondragon/charforge-backend/api/middleware"
	"github.com/angelmondragon/charforge-backend/api/responses"
	"github.com/angelmondragon/charforge-backend/api/validators"
	"github.com/angelmondragon/charforge-backend/internal/subscriptions"
	pkgerrors "github.com/angelmondragon/charforge-backend/pkg/errors"
	"github.com/angelmondragon/charforge-backend/pkg/logger"
)

// GetSubscription returns the caller's plan record.
func GetSubscription(svc subscriptions.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "subscription service unavailable"))
			return
		}
		userID, err := validators.ParseUserID(middleware.UserIDFromContext(r.Context()))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		sub, err := svc.Get(r.Context(), userID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, toSubscription(sub))
	}
}
