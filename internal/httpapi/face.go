package httpapi

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"weathersync/internal/face"
	"weathersync/internal/scheduler"
	"weathersync/internal/snapshot"
	"weathersync/internal/utils"
)

type SnapshotSource interface {
	Load() (snapshot.Snapshot, bool)
}

type Scheduler interface {
	Status() scheduler.Status
	SetActive(active bool)
}

type faceHandlers struct {
	cache SnapshotSource
	sched Scheduler
	now   func() time.Time

	mu   sync.Mutex
	mode face.Mode
}

func (h *faceHandlers) model() face.Model {
	h.mu.Lock()
	mode := h.mode
	h.mu.Unlock()
	snap, ok := h.cache.Load()
	return face.Build(h.now(), snap, ok, mode)
}

func (h *faceHandlers) handleFacePage(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := face.Render(&buf, h.model()); err != nil {
		slog.Error("render face", "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to render face")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = buf.WriteTo(w)
}

func (h *faceHandlers) handleFace(w http.ResponseWriter, r *http.Request) {
	utils.WriteJSON(w, http.StatusOK, h.model())
}

func (h *faceHandlers) handleIcon(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.cache.Load()
	if !ok || snap.Icon == nil {
		utils.WriteError(w, http.StatusNotFound, "no weather icon yet")
		return
	}
	utils.WritePNG(w, snap.Icon)
}

func (h *faceHandlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	utils.WriteJSON(w, http.StatusOK, h.sched.Status())
}

type modeRequest struct {
	Ambient *bool `json:"ambient"`
	LowBit  *bool `json:"low_bit"`
}

// handleMode switches ambient mode. The weather timer only runs while the
// face is interactive.
func (h *faceHandlers) handleMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		utils.WriteError(w, http.StatusBadRequest, "invalid mode body: "+err.Error())
		return
	}
	if req.Ambient == nil && req.LowBit == nil {
		utils.WriteError(w, http.StatusBadRequest, "expected ambient or low_bit")
		return
	}

	h.mu.Lock()
	if req.Ambient != nil {
		h.mode.Ambient = *req.Ambient
	}
	if req.LowBit != nil {
		h.mode.LowBit = *req.LowBit
	}
	mode := h.mode
	h.mu.Unlock()

	h.sched.SetActive(!mode.Ambient)
	utils.WriteJSON(w, http.StatusOK, map[string]bool{"ambient": mode.Ambient, "low_bit": mode.LowBit})
}

func registerFace(mux *http.ServeMux, h *faceHandlers) {
	mux.HandleFunc("GET /{$}", h.handleFacePage)
	mux.HandleFunc("GET /face", h.handleFace)
	mux.HandleFunc("GET "+face.IconURL, h.handleIcon)
	mux.HandleFunc("GET /status", h.handleStatus)
	mux.HandleFunc("PUT /face/mode", h.handleMode)
}
