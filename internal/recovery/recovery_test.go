package recovery

import (
	"context"
	"errors"
	"testing"

	"github.com/BTreeMap/IntakeFlow/internal/flow"
	"github.com/BTreeMap/IntakeFlow/internal/models"
	"github.com/BTreeMap/IntakeFlow/internal/store"
)

func seedSession(t *testing.T, st *store.InMemoryStore, id string, stepIndex int, status models.SessionStatus) {
	t.Helper()
	sess := &models.Session{ID: id, StepIndex: stepIndex, Status: status}
	for i := 0; i < stepIndex; i++ {
		sess.AppendAnswer(string(rune('a'+i)), "answer")
	}
	if err := st.CreateSession(sess); err != nil {
		t.Fatalf("failed to seed session %s: %v", id, err)
	}
}

func TestSessionRecoveryRepairsExhaustedSessions(t *testing.T) {
	st := store.NewInMemoryStore()
	catalog := flow.DefaultCatalog()

	seedSession(t, st, "s_exhausted", catalog.Len(), models.SessionStatusInProgress)
	seedSession(t, st, "s_midflow", 1, models.SessionStatusInProgress)
	seedSession(t, st, "s_done", catalog.Len(), models.SessionStatusHandedOff)

	r := NewSessionRecovery(st, catalog)
	if err := r.Recover(context.Background()); err != nil {
		t.Fatalf("recover failed: %v", err)
	}

	sess, err := st.GetSession("s_exhausted")
	if err != nil {
		t.Fatalf("failed to load repaired session: %v", err)
	}
	if sess.Status != models.SessionStatusCompleted {
		t.Errorf("exhausted session should be completed, got %q", sess.Status)
	}

	sess, _ = st.GetSession("s_midflow")
	if sess.Status != models.SessionStatusInProgress {
		t.Errorf("mid-flow session must stay in_progress, got %q", sess.Status)
	}

	sess, _ = st.GetSession("s_done")
	if sess.Status != models.SessionStatusHandedOff {
		t.Errorf("handed_off session must not revert, got %q", sess.Status)
	}
}

func TestSessionRecoveryIdempotent(t *testing.T) {
	st := store.NewInMemoryStore()
	catalog := flow.DefaultCatalog()
	seedSession(t, st, "s_exhausted", catalog.Len(), models.SessionStatusInProgress)

	r := NewSessionRecovery(st, catalog)
	for i := 0; i < 2; i++ {
		if err := r.Recover(context.Background()); err != nil {
			t.Fatalf("recover pass %d failed: %v", i, err)
		}
	}

	sess, _ := st.GetSession("s_exhausted")
	if sess.Status != models.SessionStatusCompleted {
		t.Errorf("expected completed, got %q", sess.Status)
	}
	// One repair write on the first pass, none on the second.
	if sess.Version != 2 {
		t.Errorf("expected version 2 after single repair, got %d", sess.Version)
	}
}

type fakeRecoverable struct {
	name   string
	err    error
	called int
}

func (f *fakeRecoverable) Name() string { return f.name }

func (f *fakeRecoverable) Recover(ctx context.Context) error {
	f.called++
	return f.err
}

func TestManagerRunsAllComponents(t *testing.T) {
	m := NewManager()
	ok1 := &fakeRecoverable{name: "one"}
	bad := &fakeRecoverable{name: "two", err: errors.New("boom")}
	ok2 := &fakeRecoverable{name: "three"}
	m.Register(ok1)
	m.Register(bad)
	m.Register(ok2)

	err := m.RecoverAll(context.Background())
	if err == nil {
		t.Fatal("expected an error when a component fails")
	}
	// A failing component must not stop the remaining ones.
	if ok1.called != 1 || bad.called != 1 || ok2.called != 1 {
		t.Errorf("expected every component to run once, got %d/%d/%d", ok1.called, bad.called, ok2.called)
	}
}

func TestManagerEmptyIsNoop(t *testing.T) {
	if err := NewManager().RecoverAll(context.Background()); err != nil {
		t.Fatalf("empty manager should succeed, got %v", err)
	}
}
