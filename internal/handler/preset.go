package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/devflow-exec/internal/executor"
	"github.com/sakif/devflow-exec/internal/service"
)

// PresetHandler manages CRUD and run-by-id for stored presets.
type PresetHandler struct {
	presets *service.PresetService
	logger  *slog.Logger
}

// NewPresetHandler creates a new PresetHandler.
func NewPresetHandler(presets *service.PresetService, logger *slog.Logger) *PresetHandler {
	return &PresetHandler{presets: presets, logger: logger}
}

// presetRequest is the JSON body of create and update.
type presetRequest struct {
	Name           string                `json:"name"`
	Description    string                `json:"description"`
	Command        string                `json:"command"`
	Cwd            string                `json:"cwd"`
	Env            map[string]string     `json:"env"`
	TimeoutSeconds int                   `json:"timeout_seconds"`
	Profile        string                `json:"profile"`
	Docker         executor.DockerConfig `json:"docker"`
	SSH            executor.SSHConfig    `json:"ssh"`
}

func (p presetRequest) input() service.PresetInput {
	return service.PresetInput{
		Name:           p.Name,
		Description:    p.Description,
		Command:        p.Command,
		Cwd:            p.Cwd,
		Env:            p.Env,
		TimeoutSeconds: p.TimeoutSeconds,
		Profile:        p.Profile,
		Docker:         p.Docker,
		SSH:            p.SSH,
	}
}

// runPresetRequest is the optional body of a preset run.
type runPresetRequest struct {
	AllowDangerous bool `json:"allow_dangerous"`
}

// HandleList returns presets, newest first.
//
// HTTP: GET /api/presets?limit=20&offset=0
//
// Missing or malformed paging values fall back to the service defaults.
func (h *PresetHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	presets, err := h.presets.List(r.Context(), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, presets)
}

// HandleGetByID returns one preset.
//
// HTTP: GET /api/presets/{id}
func (h *PresetHandler) HandleGetByID(w http.ResponseWriter, r *http.Request) {
	preset, err := h.presets.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, preset)
}

// HandleCreate saves a new preset.
//
// HTTP: POST /api/presets
// REQUEST BODY: {"name":"tests","command":"go test ./...","profile":"docker","docker":{"image":"golang:1.25"}}
func (h *PresetHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var body presetRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, err)
		return
	}

	preset, err := h.presets.Create(r.Context(), body.input())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, preset) // 201 Created
}

// HandleUpdate replaces a preset's writable fields.
//
// HTTP: PUT /api/presets/{id}
func (h *PresetHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	var body presetRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, err)
		return
	}

	preset, err := h.presets.Update(r.Context(), chi.URLParam(r, "id"), body.input())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, preset)
}

// HandleDelete removes a preset.
//
// HTTP: DELETE /api/presets/{id}
func (h *PresetHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.presets.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent) // 204 No Content
}

// HandleRun runs a preset synchronously.
//
// HTTP: POST /api/presets/{id}/run
// REQUEST BODY (optional): {"allow_dangerous":true}
func (h *PresetHandler) HandleRun(w http.ResponseWriter, r *http.Request) {
	var body runPresetRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &body); err != nil {
			writeError(w, err)
			return
		}
	}

	notices := &noticeCollector{}
	res, err := h.presets.Run(r.Context(), chi.URLParam(r, "id"), body.AllowDangerous, notices)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RunResponse{Result: res, Notices: notices.lines()})
}
