// Package api defines the HTTP handlers the delivery core exposes to the
// surrounding application: device-token registration and health.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/Tarboucha/CommMobile-sub001/internal/middleware"
	"github.com/Tarboucha/CommMobile-sub001/pkg/delivery"
)

// HealthReporter is the operator-facing view of the core's liveness.
type HealthReporter interface {
	ListenerConnected() bool
	LiveConnections() int
}

// API holds the dependencies for the stateless HTTP handlers.
type API struct {
	tokens delivery.TokenStore
	health HealthReporter
	logger zerolog.Logger
}

// NewAPI creates a new, stateless API handler.
func NewAPI(tokens delivery.TokenStore, health HealthReporter, logger zerolog.Logger) *API {
	return &API{
		tokens: tokens,
		health: health,
		logger: logger.With().Str("component", "API").Logger(),
	}
}

type registerDeviceRequest struct {
	Token    string `json:"token"`
	Platform string `json:"platform"`
}

type deleteDeviceRequest struct {
	Token string `json:"token"`
}

// RegisterDeviceHandler upserts a device token for the authenticated profile.
func (a *API) RegisterDeviceHandler(w http.ResponseWriter, r *http.Request) {
	profileID, ok := middleware.ProfileIDFromContext(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "missing authentication token")
		return
	}
	log := a.logger.With().Str("profile", profileID).Logger()

	var req registerDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Token == "" {
		writeJSONError(w, http.StatusBadRequest, "token is required")
		return
	}
	if !delivery.ValidPlatform(req.Platform) {
		writeJSONError(w, http.StatusBadRequest, "platform must be ios or android")
		return
	}

	err := a.tokens.Register(r.Context(), delivery.DeviceToken{
		ProfileID: profileID,
		Token:     req.Token,
		Platform:  req.Platform,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to register device token.")
		writeJSONError(w, http.StatusInternalServerError, "failed to register device")
		return
	}

	log.Info().Str("platform", req.Platform).Msg("Device token registered.")
	w.WriteHeader(http.StatusNoContent)
}

// DeleteDeviceHandler removes a device token, typically on logout.
func (a *API) DeleteDeviceHandler(w http.ResponseWriter, r *http.Request) {
	profileID, ok := middleware.ProfileIDFromContext(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "missing authentication token")
		return
	}

	var req deleteDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Token == "" {
		writeJSONError(w, http.StatusBadRequest, "token is required")
		return
	}

	if err := a.tokens.Delete(r.Context(), req.Token); err != nil {
		a.logger.Error().Err(err).Str("profile", profileID).Msg("Failed to delete device token.")
		writeJSONError(w, http.StatusInternalServerError, "failed to delete device")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type healthResponse struct {
	ListenerConnected bool `json:"listener_connected"`
	LiveConnections   int  `json:"live_connections"`
}

// HealthzHandler reports whether the subscription link is up and how many
// live connections the transport holds. Enough for an operator to detect a
// silently-dead listener.
func (a *API) HealthzHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		ListenerConnected: a.health.ListenerConnected(),
		LiveConnections:   a.health.LiveConnections(),
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func writeJSONError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}
