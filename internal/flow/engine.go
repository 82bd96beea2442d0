// Package flow implements the guided intake conversation.
//
// A Catalog fixes the ordered questions at process start; the Engine
// advances persisted sessions through it one validated answer at a time,
// relying on the store's versioned writes so concurrent turns on the same
// session cannot both advance. When the catalog is exhausted the session
// completes and the HandoffDispatcher takes over: further turns go to the
// AI responder, the lead is captured, and messaging users are invited to
// continue on WhatsApp. Service composes both behind one entry point.
package flow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/IntakeFlow/internal/models"
	"github.com/BTreeMap/IntakeFlow/internal/store"
	"github.com/BTreeMap/IntakeFlow/internal/util"
)

// Engine advances intake sessions through the step catalog. It holds no
// per-session state; every call loads the session fresh from the store, so
// any instance can serve any turn and every call is resumable after a
// restart.
type Engine struct {
	store   store.Store
	catalog *Catalog
	handoff *HandoffDispatcher
}

// NewEngine creates a flow engine over the given store and catalog,
// delegating post-completion turns to the handoff dispatcher.
func NewEngine(st store.Store, catalog *Catalog, handoff *HandoffDispatcher) *Engine {
	return &Engine{store: st, catalog: catalog, handoff: handoff}
}

// Catalog returns the engine's step catalog.
func (e *Engine) Catalog() *Catalog {
	return e.catalog
}

// Start creates a new intake session and returns the first question.
func (e *Engine) Start(ctx context.Context) (*models.FlowResult, error) {
	return e.StartWithAddress(ctx, "")
}

// StartWithAddress creates a new intake session bound to a canonical
// messaging address. An empty address starts a plain HTTP session.
func (e *Engine) StartWithAddress(ctx context.Context, address string) (*models.FlowResult, error) {
	sess := &models.Session{
		ID:      util.GenerateSessionID(),
		Status:  models.SessionStatusInProgress,
		Address: address,
	}
	if err := e.store.CreateSession(sess); err != nil {
		slog.Error("Engine.StartWithAddress: failed to create session", "error", err, "sessionID", sess.ID)
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	step, _ := e.catalog.Step(0)
	slog.Info("Engine.StartWithAddress: session started", "sessionID", sess.ID, "hasAddress", address != "")
	return &models.FlowResult{
		SessionID: sess.ID,
		Reply:     step.Prompt,
		StepKey:   step.Key,
		Hint:      step.Hint,
		Status:    sess.Status,
	}, nil
}

// Respond applies one turn of user input to the session. Validation
// failures come back inside the FlowResult with the step re-asked and
// nothing persisted; missing sessions and storage conflicts come back as
// errors for the caller to retry.
func (e *Engine) Respond(ctx context.Context, sessionID, rawInput string) (*models.FlowResult, error) {
	sess, err := e.store.GetSession(sessionID)
	if err != nil {
		slog.Error("Engine.Respond: failed to load session", "error", err, "sessionID", sessionID)
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if sess == nil {
		slog.Debug("Engine.Respond: session not found", "sessionID", sessionID)
		return nil, fmt.Errorf("session %s: %w", sessionID, models.ErrSessionNotFound)
	}

	switch sess.Status {
	case models.SessionStatusInProgress:
		// Guided flow continues below.
	case models.SessionStatusCompleted, models.SessionStatusHandedOff:
		return e.handoff.Handle(ctx, sess, rawInput)
	default:
		slog.Error("Engine.Respond: unknown session status", "sessionID", sessionID, "status", sess.Status)
		return nil, fmt.Errorf("session %s has status %q: %w", sessionID, sess.Status, models.ErrInvalidStatus)
	}

	// A session that ran off the end of the catalog while still marked
	// in_progress is repaired to completed before the turn is handled.
	if sess.StepIndex >= e.catalog.Len() {
		slog.Warn("Engine.Respond: in-progress session past catalog end, completing", "sessionID", sessionID, "stepIndex", sess.StepIndex)
		sess.Status = models.SessionStatusCompleted
		if err := e.store.UpdateSession(sess, sess.Version); err != nil {
			slog.Error("Engine.Respond: failed to complete exhausted session", "error", err, "sessionID", sessionID)
			return nil, fmt.Errorf("failed to complete exhausted session: %w", err)
		}
		return e.handoff.Handle(ctx, sess, rawInput)
	}

	step, _ := e.catalog.Step(sess.StepIndex)
	normalized, reason := e.catalog.Validate(sess.StepIndex, rawInput)
	if reason == "" && len(normalized) > models.MaxAnswerLength {
		reason = "That answer is too long. Please shorten it and try again."
	}
	if reason != "" {
		slog.Debug("Engine.Respond: input rejected", "sessionID", sessionID, "stepKey", step.Key, "reason", reason)
		return &models.FlowResult{
			SessionID:       sess.ID,
			Reply:           reason + "\n\n" + step.Prompt,
			StepKey:         step.Key,
			Hint:            step.Hint,
			Status:          sess.Status,
			ValidationError: reason,
		}, nil
	}

	expected := sess.Version
	sess.AppendAnswer(step.Field, normalized)
	sess.StepIndex++
	completed := sess.StepIndex >= e.catalog.Len()
	if completed {
		sess.Status = models.SessionStatusCompleted
	}
	if err := e.store.UpdateSession(sess, expected); err != nil {
		slog.Error("Engine.Respond: failed to persist answer", "error", err, "sessionID", sessionID, "stepKey", step.Key)
		return nil, fmt.Errorf("failed to persist answer: %w", err)
	}
	slog.Info("Engine.Respond: answer recorded", "sessionID", sessionID, "stepKey", step.Key, "stepIndex", sess.StepIndex, "completed", completed)

	if completed {
		// The final answer and the completed status are already committed;
		// the first handoff turn runs with no new user input.
		return e.handoff.Handle(ctx, sess, "")
	}

	next, _ := e.catalog.Step(sess.StepIndex)
	return &models.FlowResult{
		SessionID: sess.ID,
		Reply:     next.Prompt,
		StepKey:   next.Key,
		Hint:      next.Hint,
		Status:    sess.Status,
	}, nil
}

// Status returns a read-only snapshot of the session. It never mutates
// stored state.
func (e *Engine) Status(ctx context.Context, sessionID string) (*models.SessionSnapshot, error) {
	sess, err := e.store.GetSession(sessionID)
	if err != nil {
		slog.Error("Engine.Status: failed to load session", "error", err, "sessionID", sessionID)
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if sess == nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, models.ErrSessionNotFound)
	}
	return &models.SessionSnapshot{
		ID:        sess.ID,
		StepIndex: sess.StepIndex,
		Status:    sess.Status,
		Answers:   sess.Answers,
		CreatedAt: sess.CreatedAt,
		UpdatedAt: sess.UpdatedAt,
	}, nil
}
