// Package webui serves the local management API: session status, the
// scan queue, and the settings and preset catalog.
package webui

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/mzyy94/scanrelay/internal/device"
	"github.com/mzyy94/scanrelay/internal/scanjob"
	"github.com/mzyy94/scanrelay/internal/store"
)

type handler struct {
	session *device.Session
	orch    *scanjob.Orchestrator
	store   *store.Store

	mu      sync.Mutex
	running bool
}

// NewHandler creates the HTTP handler for the management API.
func NewHandler(session *device.Session, orch *scanjob.Orchestrator, st *store.Store) http.Handler {
	h := &handler{session: session, orch: orch, store: st}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", h.handleStatus)
	mux.HandleFunc("GET /api/queue", h.handleGetQueue)
	mux.HandleFunc("POST /api/queue", h.handlePostQueue)
	mux.HandleFunc("POST /api/queue/start", h.handleStartQueue)
	mux.HandleFunc("GET /api/settings", h.handleGetSettings)
	mux.HandleFunc("PUT /api/settings", h.handlePutSettings)
	mux.HandleFunc("GET /api/presets", h.handleGetPresets)
	mux.HandleFunc("PUT /api/presets", h.handlePutPreset)
	mux.HandleFunc("DELETE /api/presets/{name}", h.handleDeletePreset)
	return mux
}

type statusResponse struct {
	State     string         `json:"state"`
	Cause     string         `json:"cause,omitempty"`
	Device    deviceInfo     `json:"device"`
	Caps      capsInfo       `json:"capabilities"`
	Job       scanjob.Status `json:"job"`
	UpdatedAt string         `json:"updatedAt"`
}

type deviceInfo struct {
	Model string `json:"model"`
}

type capsInfo struct {
	Resolutions []int    `json:"resolutions"`
	ColorModes  []string `json:"colorModes"`
	Duplex      bool     `json:"duplex"`
	Flatbed     bool     `json:"flatbed"`
	Feeder      bool     `json:"feeder"`
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	caps := h.session.Capabilities()
	modes := make([]string, 0, len(caps.ColorModes))
	for _, m := range caps.ColorModes {
		modes = append(modes, string(m))
	}

	resp := statusResponse{
		State:  string(h.session.State()),
		Cause:  h.session.ErrorCause(),
		Device: deviceInfo{Model: caps.Model},
		Caps: capsInfo{
			Resolutions: caps.Resolutions,
			ColorModes:  modes,
			Duplex:      caps.Duplex,
			Flatbed:     caps.Flatbed,
			Feeder:      caps.Feeder,
		},
		Job:       h.orch.Status(),
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	writeJSON(w, resp)
}

// --- Queue API ---

type enqueueRequest struct {
	Preset string `json:"preset"`
	Count  int    `json:"count"`
}

func (h *handler) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.orch.Queue())
}

func (h *handler) handlePostQueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	name := req.Preset
	if name == "" {
		settings, err := h.store.Settings()
		if err != nil {
			http.Error(w, "failed to load settings", http.StatusInternalServerError)
			return
		}
		name = settings.DefaultPreset
	}
	preset, err := h.store.Preset(name)
	if err != nil {
		http.Error(w, "unknown preset", http.StatusNotFound)
		return
	}
	id := h.orch.Enqueue(preset, req.Count)
	writeJSON(w, map[string]string{"id": id.String()})
}

// handleStartQueue kicks off queue processing in the background. A
// second start while a run is active is a no-op.
func (h *handler) handleStartQueue(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	already := h.running
	h.running = true
	h.mu.Unlock()
	if !already {
		go func() {
			if err := h.orch.StartScanning(context.Background()); err != nil {
				slog.Warn("queue run failed", "err", err)
			}
			h.mu.Lock()
			h.running = false
			h.mu.Unlock()
		}()
	}
	w.WriteHeader(http.StatusAccepted)
}

// --- Settings API ---

func (h *handler) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.store.Settings()
	if err != nil {
		http.Error(w, "failed to load settings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, settings)
}

func (h *handler) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var s store.Settings
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.store.SaveSettings(s); err != nil {
		slog.Warn("settings save failed", "err", err)
		http.Error(w, "failed to save settings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, s)
}

// --- Preset API ---

func (h *handler) handleGetPresets(w http.ResponseWriter, r *http.Request) {
	presets, err := h.store.ListPresets()
	if err != nil {
		http.Error(w, "failed to list presets", http.StatusInternalServerError)
		return
	}
	writeJSON(w, presets)
}

func (h *handler) handlePutPreset(w http.ResponseWriter, r *http.Request) {
	var p device.Preset
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if p.Name == "" {
		http.Error(w, "preset name is required", http.StatusBadRequest)
		return
	}
	if err := h.store.SavePreset(p); err != nil {
		slog.Warn("preset save failed", "name", p.Name, "err", err)
		http.Error(w, "failed to save preset", http.StatusInternalServerError)
		return
	}
	writeJSON(w, p)
}

func (h *handler) handleDeletePreset(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeletePreset(r.PathValue("name")); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
