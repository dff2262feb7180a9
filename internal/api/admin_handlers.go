package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/STRATINT/postlink/internal/dispatch"
)

// DispatchTrigger starts an immediate dispatch run.
type DispatchTrigger interface {
	TriggerNow(ctx context.Context) (dispatch.Summary, error)
}

// AdminHandler handles admin-only operations
type AdminHandler struct {
	dispatch DispatchTrigger
	logger   *slog.Logger
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(trigger DispatchTrigger, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{dispatch: trigger, logger: logger}
}

// RunDispatch handles POST /api/admin/dispatch/run
func (h *AdminHandler) RunDispatch(w http.ResponseWriter, r *http.Request) {
	if h.dispatch == nil {
		writeError(w, http.StatusServiceUnavailable, "dispatch is disabled")
		return
	}

	h.logger.Warn("Admin initiated dispatch run", "user_id", userID(r))
	summary, err := h.dispatch.TriggerNow(r.Context())
	if err != nil {
		respondError(w, h.logger, "run_dispatch", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
