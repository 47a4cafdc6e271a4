package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ruteri/masterpad-provisioning-backend/interfaces"
	"github.com/ruteri/masterpad-provisioning-backend/protocol"
)

// maxBodySize is the maximum allowed request body size (1MB).
const maxBodySize = 1024 * 1024

// Handler serves the public, unauthenticated endpoints of a pad node.
type Handler struct {
	node *protocol.Node
	log  *slog.Logger
}

// NewHandler creates a handler backed by the given protocol node.
func NewHandler(node *protocol.Node, log *slog.Logger) *Handler {
	return &Handler{
		node: node,
		log:  log,
	}
}

// HandleStatus reports the node's current state snapshot.
//
// URL format: GET /api/v1/status
//
// Response: JSON protocol.Status with the lifecycle state, epoch, pad
// budget, ratchet flag, watchdog verdict and per-peer liveness.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.node.Status())
}

// writeJSON encodes v as the response body with the given status code.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

// statusForError maps protocol errors to HTTP status codes. State guard
// violations are conflicts, parameter problems are bad requests, and a
// burned or locked-down pad is gone for good.
func statusForError(err error) int {
	switch {
	case errors.Is(err, interfaces.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, interfaces.ErrInvalidThreshold), errors.Is(err, interfaces.ErrInvalidShare):
		return http.StatusBadRequest
	case errors.Is(err, interfaces.ErrSecurityLockdown), errors.Is(err, interfaces.ErrPadDestroyed):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}
