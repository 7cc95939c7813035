package record

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/getsentry/sentry-go"

	"saas-crm/internal/auth"
)

type Handler struct {
	repo      *Repository
	evaluator *auth.Evaluator
}

func NewHandler(repo *Repository, evaluator *auth.Evaluator) *Handler {
	return &Handler{repo: repo, evaluator: evaluator}
}

// Get serves one record of kind. Callers need records:read and must be admins
// or assigned to the record; a missing record is reported as forbidden to
// non-admins.
func (h *Handler) Get(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.IdentityFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing credential")
			return
		}
		recordID := r.PathValue("id")

		granted, err := h.evaluator.HasPermission(r.Context(), id, auth.PermRecordsRead)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
			return
		}
		if !granted {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}

		if err := h.evaluator.Authorize(r.Context(), id, kind, recordID); err != nil {
			switch {
			case errors.Is(err, auth.ErrForbidden):
				writeError(w, http.StatusForbidden, "forbidden")
			case errors.Is(err, auth.ErrUpstreamUnavailable):
				writeError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
			default:
				sentry.CaptureException(err)
				writeError(w, http.StatusInternalServerError, "failed to authorize")
			}
			return
		}

		rec, err := h.repo.Get(r.Context(), kind, recordID)
		if err != nil {
			if errors.Is(err, auth.ErrRecordNotFound) {
				writeError(w, http.StatusNotFound, kind+" not found")
				return
			}
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "failed to load "+kind)
			return
		}

		writeJSON(w, http.StatusOK, rec)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
