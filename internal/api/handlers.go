// Package api provides admin and operational handlers for IntakeFlow endpoints.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/IntakeFlow/internal/models"
)

// sendRequest is the body of POST /send, the admin test-message endpoint.
type sendRequest struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

// sendHandler handles POST /send. It delivers a one-off message through the
// configured messaging backend, bypassing the conversation flow. Used for
// connectivity checks.
func (s *Server) sendHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.sendHandler: processing send request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.sendHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.msgService == nil {
		slog.Warn("Server.sendHandler: no messaging backend configured")
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("No messaging backend configured"))
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.sendHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.Body == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: body"))
		return
	}

	canonicalTo, err := s.msgService.ValidateAndCanonicalizeRecipient(req.To)
	if err != nil {
		slog.Warn("Server.sendHandler: recipient validation failed", "error", err, "original_to", req.To)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	if err := s.msgService.SendMessage(r.Context(), canonicalTo, req.Body); err != nil {
		slog.Error("Server.sendHandler: failed to send message", "error", err, "to", canonicalTo)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to send message"))
		return
	}

	slog.Info("Server.sendHandler: message sent successfully", "to", canonicalTo)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Message sent successfully", nil))
}

// leadsHandler handles GET /leads. It lists captured leads, newest last.
func (s *Server) leadsHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.leadsHandler: processing leads request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		slog.Warn("Server.leadsHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	leads, err := s.st.ListLeads()
	if err != nil {
		slog.Error("Server.leadsHandler: failed to fetch leads", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch leads"))
		return
	}

	slog.Debug("Server.leadsHandler: leads fetched", "count", len(leads))
	writeJSONResponse(w, http.StatusOK, models.Success(leads))
}

// twilioWebhookHandler handles POST /webhook/twilio. The route always exists;
// it reports the capability as unavailable when the Twilio backend is not
// active so misdirected webhooks are visible in logs rather than 404s.
func (s *Server) twilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.twilioWebhookHandler: processing webhook request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.webhook == nil {
		slog.Warn("Server.twilioWebhookHandler: Twilio backend not configured")
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Twilio messaging backend not configured"))
		return
	}
	s.webhook(w, r)
}

// healthHandler provides a health check endpoint for monitoring and load
// balancing. Lead listing doubles as the store probe.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	if _, err := s.st.ListLeads(); err != nil {
		slog.Warn("Server.healthHandler: store probe failed", "error", err)
		healthData["status"] = "degraded"
		healthData["error"] = "store unavailable"
	}

	statusCode := http.StatusOK
	if healthData["status"] == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSONResponse(w, statusCode, healthData)
}
