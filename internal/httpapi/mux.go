package httpapi

import (
	"database/sql"
	"net/http"
	"time"

	"weathersync/internal/responder"
	"weathersync/internal/utils"
)

// NewSinkMux serves the watch face, its icon, scheduler status and the
// ambient mode switch.
func NewSinkMux(cache SnapshotSource, sched Scheduler, link Connectivity) *http.ServeMux {
	mux := http.NewServeMux()
	registerHealthcheck(mux, nil, link)
	registerFace(mux, &faceHandlers{cache: cache, sched: sched, now: time.Now})
	return mux
}

type ResponderStats interface {
	State() responder.State
	Stats() responder.Stats
}

// NewSourceMux serves health and responder counters for the source.
func NewSourceMux(db *sql.DB, link Connectivity, resp ResponderStats) *http.ServeMux {
	mux := http.NewServeMux()
	registerHealthcheck(mux, db, link)
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		utils.WriteJSON(w, http.StatusOK, map[string]any{
			"state": resp.State().String(),
			"stats": resp.Stats(),
		})
	})
	return mux
}
