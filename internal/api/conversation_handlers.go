// Package api provides conversation endpoint handlers for IntakeFlow.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/IntakeFlow/internal/models"
)

// respondRequest is the body of POST /conversation/respond.
type respondRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// startConversationHandler handles POST /conversation/start. It creates a new
// session and returns the first intake question.
func (s *Server) startConversationHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.startConversationHandler: processing start request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.startConversationHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	result, err := s.convSvc.Start(r.Context())
	if err != nil {
		slog.Error("Server.startConversationHandler: failed to start conversation", "error", err)
		writeFlowError(w, err)
		return
	}

	slog.Info("Server.startConversationHandler: conversation started", "sessionID", result.SessionID)
	writeJSONResponse(w, http.StatusCreated, models.Success(result))
}

// respondConversationHandler handles POST /conversation/respond. It applies
// one turn of user input; validation failures come back as a normal result
// with the step re-asked.
func (s *Server) respondConversationHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.respondConversationHandler: processing respond request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.respondConversationHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req respondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.respondConversationHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.SessionID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: session_id"))
		return
	}

	result, err := s.convSvc.Respond(r.Context(), req.SessionID, req.Message)
	if err != nil {
		slog.Error("Server.respondConversationHandler: turn failed", "error", err, "sessionID", req.SessionID)
		writeFlowError(w, err)
		return
	}

	slog.Info("Server.respondConversationHandler: turn handled", "sessionID", result.SessionID, "status", result.Status, "rejected", result.Rejected())
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

// conversationStatusRouter extracts the session ID from
// /conversation/status/{id} and dispatches to the status handler.
func (s *Server) conversationStatusRouter(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/conversation/status/")
	sessionID := strings.Trim(path, "/")
	if sessionID == "" || strings.Contains(sessionID, "/") {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown conversation endpoint"))
		return
	}
	ctx := context.WithValue(r.Context(), ContextKeySessionID, sessionID)
	s.conversationStatusHandler(w, r.WithContext(ctx))
}

// conversationStatusHandler handles GET /conversation/status/{id}. It returns
// a read-only snapshot and never mutates the session.
func (s *Server) conversationStatusHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Context().Value(ContextKeySessionID).(string)
	slog.Debug("Server.conversationStatusHandler: processing status request", "method", r.Method, "sessionID", sessionID)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		slog.Warn("Server.conversationStatusHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	snapshot, err := s.convSvc.Status(r.Context(), sessionID)
	if err != nil {
		slog.Warn("Server.conversationStatusHandler: status lookup failed", "error", err, "sessionID", sessionID)
		writeFlowError(w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, models.Success(snapshot))
}

// writeFlowError maps conversation service errors onto HTTP status codes and
// the standard error envelope.
func writeFlowError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrSessionNotFound):
		writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found. Please start a new conversation."))
	case errors.Is(err, models.ErrVersionConflict):
		writeJSONResponse(w, http.StatusConflict, models.Error("The session was updated by another request. Please retry."))
	case errors.Is(err, models.ErrUpstreamUnavailable):
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("The assistant is temporarily unavailable. Please retry."))
	default:
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Internal server error"))
	}
}
