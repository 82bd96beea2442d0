// Package recovery repairs persisted state when IntakeFlow starts after a
// crash or redeploy. Components register themselves with a Manager; each one
// inspects its slice of the store and fixes what a dying process may have
// left behind (sessions stuck in_progress past the catalog end, outbox
// messages stuck in sending, jobs stuck in running).
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/IntakeFlow/internal/flow"
	"github.com/BTreeMap/IntakeFlow/internal/models"
	"github.com/BTreeMap/IntakeFlow/internal/store"
)

// Recoverable is a component that can repair its persisted state at startup.
type Recoverable interface {
	// Name identifies the component in logs.
	Name() string
	// Recover inspects and repairs persisted state. It is called once during
	// startup, before the component begins serving.
	Recover(ctx context.Context) error
}

// Manager runs all registered recovery steps during startup.
type Manager struct {
	recoverables []Recoverable
}

// NewManager creates an empty recovery manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register adds a component to recover at startup.
func (m *Manager) Register(r Recoverable) {
	m.recoverables = append(m.recoverables, r)
}

// RecoverAll runs every registered recovery step. Failures are collected so
// one broken component does not stop the others from recovering.
func (m *Manager) RecoverAll(ctx context.Context) error {
	slog.Info("Manager.RecoverAll: starting recovery", "components", len(m.recoverables))

	recovered := 0
	failed := 0
	for _, r := range m.recoverables {
		if err := r.Recover(ctx); err != nil {
			slog.Error("Manager.RecoverAll: component recovery failed", "component", r.Name(), "error", err)
			failed++
			continue
		}
		recovered++
	}

	slog.Info("Manager.RecoverAll: recovery completed", "recovered", recovered, "failed", failed)
	if failed > 0 {
		return fmt.Errorf("recovery completed with %d failures out of %d components", failed, len(m.recoverables))
	}
	return nil
}

// SessionRecovery repairs sessions whose step index ran past the catalog end
// while still marked in_progress. The engine also repairs these lazily on the
// next turn; doing it at startup keeps status reads truthful for sessions
// that never get another turn.
type SessionRecovery struct {
	st         store.Store
	catalogLen int
}

// NewSessionRecovery creates a session recovery step for the given catalog.
func NewSessionRecovery(st store.Store, catalog *flow.Catalog) *SessionRecovery {
	return &SessionRecovery{st: st, catalogLen: catalog.Len()}
}

// Name identifies the component in logs.
func (r *SessionRecovery) Name() string {
	return "sessions"
}

// Recover flips exhausted in_progress sessions to completed. Version
// conflicts mean live traffic is already advancing the session; those are
// skipped, not retried.
func (r *SessionRecovery) Recover(ctx context.Context) error {
	sessions, err := r.st.ListInProgressSessionsPastStep(r.catalogLen)
	if err != nil {
		return fmt.Errorf("failed to list exhausted sessions: %w", err)
	}

	repaired := 0
	for _, sess := range sessions {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sess.Status = models.SessionStatusCompleted
		if err := r.st.UpdateSession(sess, sess.Version); err != nil {
			if errors.Is(err, models.ErrVersionConflict) {
				slog.Debug("SessionRecovery.Recover: session changed concurrently, skipping", "sessionID", sess.ID)
				continue
			}
			return fmt.Errorf("failed to repair session %s: %w", sess.ID, err)
		}
		repaired++
		slog.Info("SessionRecovery.Recover: repaired exhausted session", "sessionID", sess.ID, "stepIndex", sess.StepIndex)
	}

	if repaired > 0 {
		slog.Info("SessionRecovery.Recover: sessions repaired", "count", repaired)
	}
	return nil
}
