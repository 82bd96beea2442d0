package flow

import (
	"context"
	"testing"
	"time"

	"github.com/BTreeMap/IntakeFlow/internal/models"
	"github.com/BTreeMap/IntakeFlow/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.InMemoryStore, *mockAIClient) {
	t.Helper()
	st := store.NewInMemoryStore()
	ai := &mockAIClient{reply: "AI here."}
	return NewService(st, ai, DefaultCatalog(), ""), st, ai
}

func TestServiceStartRespondStatus(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	started, err := svc.Start(ctx)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if started.StepKey != "name" {
		t.Errorf("expected first step 'name', got %q", started.StepKey)
	}

	res, err := svc.Respond(ctx, started.SessionID, "Jo Smith")
	if err != nil {
		t.Fatalf("Respond failed: %v", err)
	}
	if res.StepKey != "area_of_law" {
		t.Errorf("expected next step 'area_of_law', got %q", res.StepKey)
	}

	snap, err := svc.Status(ctx, started.SessionID)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if snap.StepIndex != 1 || snap.Answers[0].Value != "Jo Smith" {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
}

func TestServiceCatalog(t *testing.T) {
	svc, _, _ := newTestService(t)
	if svc.Catalog().Len() != 4 {
		t.Errorf("expected the default catalog, got %d steps", svc.Catalog().Len())
	}
}

func TestServiceRespondInboundStartsSession(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	address := "+15551230001"

	// First contact starts the intake; the message itself is not an answer.
	res, err := svc.RespondInbound(ctx, address, "hi, I need a lawyer")
	if err != nil {
		t.Fatalf("RespondInbound failed: %v", err)
	}
	if res.StepKey != "name" {
		t.Errorf("expected the opening question, got step %q", res.StepKey)
	}

	sess, err := st.GetLatestSessionByAddress(address)
	if err != nil || sess == nil {
		t.Fatalf("expected session for address, got %v, err %v", sess, err)
	}
	if sess.StepIndex != 0 || len(sess.Answers) != 0 {
		t.Errorf("first contact must not record an answer, got %+v", sess)
	}

	// The next message answers the first question.
	res, err = svc.RespondInbound(ctx, address, "Jo Smith")
	if err != nil {
		t.Fatalf("second RespondInbound failed: %v", err)
	}
	if res.StepKey != "area_of_law" {
		t.Errorf("expected advance to 'area_of_law', got %q", res.StepKey)
	}
	sess, _ = st.GetLatestSessionByAddress(address)
	if len(sess.Answers) != 1 || sess.Answers[0].Value != "Jo Smith" {
		t.Errorf("expected name recorded, got %+v", sess.Answers)
	}
}

func TestServiceRespondInboundUsesLatestSession(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	address := "+15551230002"

	old := &models.Session{
		ID:        "s_old",
		Status:    models.SessionStatusInProgress,
		Address:   address,
		CreatedAt: time.Now().Add(-2 * time.Hour),
	}
	if err := st.CreateSession(old); err != nil {
		t.Fatalf("CreateSession(old) failed: %v", err)
	}
	recent := &models.Session{
		ID:        "s_recent",
		Status:    models.SessionStatusInProgress,
		Address:   address,
		CreatedAt: time.Now().Add(-time.Minute),
	}
	if err := st.CreateSession(recent); err != nil {
		t.Fatalf("CreateSession(recent) failed: %v", err)
	}

	if _, err := svc.RespondInbound(ctx, address, "Jo Smith"); err != nil {
		t.Fatalf("RespondInbound failed: %v", err)
	}

	got, _ := st.GetSession("s_recent")
	if len(got.Answers) != 1 {
		t.Errorf("expected the latest session to advance, got %+v", got.Answers)
	}
	untouched, _ := st.GetSession("s_old")
	if len(untouched.Answers) != 0 {
		t.Errorf("expected the older session untouched, got %+v", untouched.Answers)
	}
}
