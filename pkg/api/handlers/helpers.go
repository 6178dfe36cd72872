package handlers

import (
	"context"
	"errors"
	"net/http"

	"chatd/pkg/convo"
	"chatd/pkg/logger"
	"chatd/pkg/models"
	"chatd/pkg/msglog"
	"chatd/pkg/requests"
	"chatd/pkg/syncer"
	"chatd/pkg/typing"
	"chatd/pkg/utils"
)

// Deps carries the wired services into the handler set. Everything is
// constructor-injected so tests can assemble handlers over a temp
// store.
type Deps struct {
	Convo *convo.Service
	Log   *msglog.Service
	Gate  *requests.Gate
	Sync  *syncer.Syncer
	Hub   *typing.Hub
	// Sweep triggers one sweeper run; wired to the admin endpoint so
	// tests and operators can force deterministic sweeps.
	Sweep func(ctx context.Context) (int, error)
}

// callerID extracts the authenticated identity. Authentication itself
// is an upstream concern; the gateway injects the header.
func callerID(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

// writeErr maps the core error taxonomy onto HTTP statuses.
func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrValidation):
		utils.JSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrNotFound):
		utils.JSONError(w, http.StatusNotFound, "not found")
	case errors.Is(err, models.ErrPermissionDenied):
		utils.JSONError(w, http.StatusForbidden, "permission denied")
	case errors.Is(err, models.ErrRequestLimitExceeded):
		utils.JSONError(w, http.StatusTooManyRequests, "request pending; wait for a reply")
	case errors.Is(err, models.ErrNotParticipant), errors.Is(err, models.ErrNotSender):
		// stale client state or an authorization bug; keep the surface
		// generic and log the detail.
		logger.Warn("authorization_rejected", "error", err)
		utils.JSONError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, models.ErrConversationClosed):
		utils.JSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, models.ErrTransientStore):
		utils.JSONError(w, http.StatusServiceUnavailable, "store unavailable; retry")
	default:
		logger.Error("handler_error", "error", err)
		utils.JSONError(w, http.StatusInternalServerError, "internal error")
	}
}
