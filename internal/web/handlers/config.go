package handlers

import (
	"net/http"

	"github.com/kozaktomas/facewatch/internal/config"
	"github.com/kozaktomas/facewatch/internal/database"
	"github.com/kozaktomas/facewatch/internal/monitor"
)

// ConfigHandler handles runtime configuration and system status endpoints
type ConfigHandler struct {
	config  *config.Config
	monitor *monitor.Monitor
}

// NewConfigHandler creates a new config handler
func NewConfigHandler(cfg *config.Config, m *monitor.Monitor) *ConfigHandler {
	return &ConfigHandler{
		config:  cfg,
		monitor: m,
	}
}

// ConfigResponse represents the configuration response
type ConfigResponse struct {
	config.Tunables
	SuppressionWindow string `json:"suppression_window"`

	EmbeddingDim     int    `json:"embedding_dim"`
	InferenceBackend string `json:"inference_backend"`
	DatabaseEnabled  bool   `json:"database_enabled"`
	MQTTEnabled      bool   `json:"mqtt_enabled"`
}

func (h *ConfigHandler) response(t config.Tunables) ConfigResponse {
	return ConfigResponse{
		Tunables:          t,
		SuppressionWindow: t.SuppressionWindow.String(),
		EmbeddingDim:      h.config.Inference.Dim,
		InferenceBackend:  h.config.Inference.Backend,
		DatabaseEnabled:   database.IsInitialized(),
		MQTTEnabled:       h.config.MQTT.Broker != "",
	}
}

// Get returns the current runtime settings
func (h *ConfigHandler) Get(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.response(h.monitor.Settings()))
}

// Update applies new runtime settings without restarting streams.
func (h *ConfigHandler) Update(w http.ResponseWriter, r *http.Request) {
	var patch config.Patch
	if err := decodeJSON(w, r, &patch); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}

	updated, err := h.monitor.UpdateSettings(patch)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, h.response(updated))
}

// SystemHealth reports per-stream state, queue depths, gallery size and
// pipeline counters. It answers 200 even when degraded so dashboards can
// render the body.
func (h *ConfigHandler) SystemHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.monitor.Health())
}
