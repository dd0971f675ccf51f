package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/openalpha/market-sim/engine"
	"github.com/openalpha/market-sim/logging"
	"github.com/openalpha/market-sim/types"
)

// SimulationHandler exposes the simulation control surface.
type SimulationHandler struct {
	manager *engine.Manager
	log     *logging.Logger
}

// NewSimulationHandler creates the handler.
func NewSimulationHandler(manager *engine.Manager) *SimulationHandler {
	return &SimulationHandler{
		manager: manager,
		log:     logging.NewComponentLogger("api"),
	}
}

// HandleCreate handles POST /api/simulation.
func (h *SimulationHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}

	var params types.SimulationParameters
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if params.Duration == 0 {
		params.Duration = 3600
	}
	if params.VolatilityFactor == 0 {
		params.VolatilityFactor = 1
	}

	eng, err := h.manager.Create(params)
	if err != nil {
		writeFailure(w, err)
		return
	}

	h.log.WithField("simulation", eng.ID()).Info("created simulation")
	writeJSON(w, http.StatusCreated, map[string]any{
		"success":      true,
		"simulationId": eng.ID(),
		"data":         map[string]any{"state": eng.State().Snapshot()},
	})
}

// HandleList handles GET /api/simulations.
func (h *SimulationHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}
	writeJSON(w, http.StatusOK, h.manager.List())
}

// HandleSimulation routes /api/simulation/{id} and its sub-operations.
func (h *SimulationHandler) HandleSimulation(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/simulation/")
	if rest == "" || rest == r.URL.Path {
		writeError(w, http.StatusNotFound, "not_found", "simulation id required")
		return
	}
	id, op, _ := strings.Cut(rest, "/")

	switch {
	case op == "" && r.Method == http.MethodGet:
		h.fetch(w, id)
	case op == "" && r.Method == http.MethodDelete:
		h.delete(w, id)
	case op == "ready":
		h.ready(w, id)
	case op == "start":
		h.start(w, r, id)
	case op == "pause":
		h.pause(w, r, id)
	case op == "reset":
		h.reset(w, r, id)
	case op == "speed":
		h.speed(w, r, id)
	case op == "tps-mode":
		h.tpsMode(w, r, id)
	case op == "stress-test/liquidation-cascade":
		h.cascade(w, r, id)
	case op == "external-trade":
		h.externalTrade(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown endpoint")
	}
}

func (h *SimulationHandler) fetch(w http.ResponseWriter, id string) {
	eng, err := h.manager.Get(id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eng.State().Snapshot())
}

func (h *SimulationHandler) delete(w http.ResponseWriter, id string) {
	if err := h.manager.Delete(id); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *SimulationHandler) ready(w http.ResponseWriter, id string) {
	eng, err := h.manager.Get(id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	running, paused := eng.State().Flags()
	status := "initialized"
	switch {
	case running:
		status = "running"
	case paused:
		status = "paused"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ready":  true,
		"status": status,
	})
}

func (h *SimulationHandler) start(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}
	if err := h.manager.Start(id); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": "running"})
}

func (h *SimulationHandler) pause(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}
	if err := h.manager.Pause(id); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": "paused"})
}

func (h *SimulationHandler) reset(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}
	if err := h.manager.Reset(id); err != nil {
		writeFailure(w, err)
		return
	}
	eng, err := h.manager.Get(id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    map[string]any{"state": eng.State().Snapshot()},
	})
}

func (h *SimulationHandler) speed(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}
	var body struct {
		Speed float64 `json:"speed"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if err := h.manager.SetSpeed(id, body.Speed); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "speed": body.Speed})
}

func (h *SimulationHandler) tpsMode(w http.ResponseWriter, r *http.Request, id string) {
	eng, err := h.manager.Get(id)
	if err != nil {
		writeFailure(w, err)
		return
	}

	switch r.Method {
	case http.MethodGet:
		mode := eng.TPSMode()
		writeJSON(w, http.StatusOK, map[string]any{
			"mode":      mode,
			"targetTPS": mode.TargetTPS(),
			"metrics":   eng.ExternalMetrics(),
		})
	case http.MethodPost:
		var body struct {
			Mode types.TPSMode `json:"mode"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
			return
		}
		if err := eng.SetTPSMode(body.Mode); err != nil {
			writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":   true,
			"mode":      body.Mode,
			"targetTPS": body.Mode.TargetTPS(),
		})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
	}
}

func (h *SimulationHandler) cascade(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}
	eng, err := h.manager.Get(id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	result, err := eng.TriggerLiquidationCascade()
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"data":      result,
		"timestamp": time.Now().UnixMilli(),
	})
}

func (h *SimulationHandler) externalTrade(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}
	eng, err := h.manager.Get(id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	var req engine.ExternalTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	result, err := eng.InjectExternalTrade(req)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"trade":    result.Trade,
		"newPrice": result.NewPrice,
		"impact":   result.Impact,
	})
}

// Helper functions

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	body := map[string]any{
		"success": false,
		"error":   code,
	}
	if details != "" {
		body["details"] = details
	}
	writeJSON(w, status, body)
}

// writeFailure maps engine errors onto the API status contract.
func writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, engine.ErrInvalidMode):
		writeError(w, http.StatusBadRequest, "invalid_mode", err.Error())
	case errors.Is(err, engine.ErrInvalidState):
		writeError(w, http.StatusBadRequest, "invalid_state", err.Error())
	case errors.Is(err, engine.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
