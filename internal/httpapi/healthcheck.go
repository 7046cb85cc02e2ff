package httpapi

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"weathersync/internal/utils"
)

// Connectivity reports whether the peer link is up.
type Connectivity interface {
	IsConnected() bool
}

type healthcheckerImpl struct {
	db   *sql.DB
	link Connectivity
}

func (h *healthcheckerImpl) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		var ok int
		if err := h.db.QueryRowContext(ctx, `SELECT 1`).Scan(&ok); err != nil {
			slog.Error("failed to check database connectivity", "error", err)
			utils.WriteError(w, http.StatusInternalServerError, "failed to check database connectivity")
			return
		}
	}
	if h.link != nil && !h.link.IsConnected() {
		utils.WriteError(w, http.StatusServiceUnavailable, "channel not connected")
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func registerHealthcheck(mux *http.ServeMux, db *sql.DB, link Connectivity) {
	h := &healthcheckerImpl{db: db, link: link}
	mux.HandleFunc("GET /healthz", h.handleHealthz)
}
