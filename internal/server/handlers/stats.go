package handlers

import (
	"net/http"

	apperrors "github.com/3leaps/annoflow/internal/errors"
)

// StatsSource returns a JSON-encodable snapshot of worker counters.
type StatsSource func() any

// StatsHandler serves the snapshot from source.
func StatsHandler(source StatsSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if source == nil {
			apperrors.RespondWithError(w, r, apperrors.NewNotFound("no stats registered"))
			return
		}
		apperrors.WriteJSON(w, http.StatusOK, source())
	}
}
