package flow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/IntakeFlow/internal/genai"
	"github.com/BTreeMap/IntakeFlow/internal/models"
	"github.com/BTreeMap/IntakeFlow/internal/store"
)

// Service is the composition root for the intake conversation: it owns the
// engine and the handoff dispatcher and is the only flow surface the HTTP
// and messaging layers see.
type Service struct {
	engine  *Engine
	handoff *HandoffDispatcher
	store   store.Store
}

// NewService wires an engine and handoff dispatcher over shared
// dependencies. systemPromptFile may be empty to use the built-in prompt.
func NewService(st store.Store, genaiClient genai.ClientInterface, catalog *Catalog, systemPromptFile string) *Service {
	handoff := NewHandoffDispatcher(st, genaiClient, systemPromptFile)
	return &Service{
		engine:  NewEngine(st, catalog, handoff),
		handoff: handoff,
		store:   st,
	}
}

// Catalog returns the step catalog the service runs.
func (s *Service) Catalog() *Catalog {
	return s.engine.Catalog()
}

// LoadSystemPrompt loads the handoff system prompt from its configured
// file. Called at startup; a failure falls back to the built-in prompt on
// first use.
func (s *Service) LoadSystemPrompt() error {
	return s.handoff.LoadSystemPrompt()
}

// Start creates a new intake session and returns the first question.
func (s *Service) Start(ctx context.Context) (*models.FlowResult, error) {
	return s.engine.Start(ctx)
}

// StartWithAddress creates a new intake session bound to a canonical
// messaging address.
func (s *Service) StartWithAddress(ctx context.Context, address string) (*models.FlowResult, error) {
	return s.engine.StartWithAddress(ctx, address)
}

// Respond applies one turn of user input to the session.
func (s *Service) Respond(ctx context.Context, sessionID, rawInput string) (*models.FlowResult, error) {
	return s.engine.Respond(ctx, sessionID, rawInput)
}

// Status returns a read-only snapshot of the session.
func (s *Service) Status(ctx context.Context, sessionID string) (*models.SessionSnapshot, error) {
	return s.engine.Status(ctx, sessionID)
}

// RespondInbound routes an inbound messaging turn by canonical address. The
// first message from an unknown address starts a session and returns the
// opening question; the message text itself is the contact trigger, not an
// answer. Later messages feed the latest session for that address.
func (s *Service) RespondInbound(ctx context.Context, address, text string) (*models.FlowResult, error) {
	sess, err := s.store.GetLatestSessionByAddress(address)
	if err != nil {
		slog.Error("Service.RespondInbound: failed to look up session by address", "error", err, "address", address)
		return nil, fmt.Errorf("failed to look up session by address: %w", err)
	}
	if sess == nil {
		slog.Info("Service.RespondInbound: no session for address, starting intake", "address", address)
		return s.engine.StartWithAddress(ctx, address)
	}
	return s.engine.Respond(ctx, sess.ID, text)
}
