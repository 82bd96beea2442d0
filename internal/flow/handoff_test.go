package flow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/IntakeFlow/internal/models"
	"github.com/BTreeMap/IntakeFlow/internal/store"
)

// newCompletedSession stores a session that just finished the guided flow.
func newCompletedSession(t *testing.T, st store.Store, id, address string) *models.Session {
	t.Helper()
	sess := &models.Session{
		ID:        id,
		StepIndex: 4,
		Answers: []models.Answer{
			{Field: "name", Value: "Jo Smith"},
			{Field: "area_of_law", Value: "Civil Law"},
			{Field: "situation", Value: "Deposit dispute with my landlord."},
			{Field: "wants_meeting", Value: "yes"},
		},
		Status:  models.SessionStatusCompleted,
		Address: address,
	}
	if err := st.CreateSession(sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	return sess
}

func TestHandoffFirstTurnPromotesAndInvites(t *testing.T) {
	st := store.NewInMemoryStore()
	ai := &mockAIClient{reply: "Hi Jo, thanks for the details!"}
	d := NewHandoffDispatcher(st, ai, "")
	sess := newCompletedSession(t, st, "s_done", "+15551230001")

	res, err := d.Handle(context.Background(), sess, "")
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if res.Status != models.SessionStatusHandedOff || !res.Terminal {
		t.Errorf("expected terminal handed_off result, got %+v", res)
	}
	if res.Reply != ai.reply {
		t.Errorf("expected AI reply, got %q", res.Reply)
	}

	stored, _ := st.GetSession("s_done")
	if stored.Status != models.SessionStatusHandedOff {
		t.Errorf("expected stored status handed_off, got %q", stored.Status)
	}

	leads, _ := st.ListLeads()
	if len(leads) != 1 {
		t.Fatalf("expected one lead, got %d", len(leads))
	}
	if leads[0].Address != "+15551230001" || leads[0].Name != "Jo Smith" {
		t.Errorf("unexpected lead: %+v", leads[0])
	}

	claimed, err := st.ClaimDueOutboxMessages(time.Now().Add(time.Second), 10)
	if err != nil {
		t.Fatalf("ClaimDueOutboxMessages failed: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected one queued invitation, got %d", len(claimed))
	}
	if claimed[0].Kind != store.OutboxKindInvitation || claimed[0].Address != "+15551230001" {
		t.Errorf("unexpected outbox message: %+v", claimed[0])
	}
	payload, err := store.DecodeMessagePayload(claimed[0].PayloadJSON)
	if err != nil {
		t.Fatalf("DecodeMessagePayload failed: %v", err)
	}
	if payload.To != "+15551230001" || !strings.Contains(payload.Body, "lawyers will contact you") {
		t.Errorf("unexpected invitation payload: %+v", payload)
	}

	// A later chat turn must not queue a second invitation.
	reloaded, _ := st.GetSession("s_done")
	if _, err := d.Handle(context.Background(), reloaded, "sounds good"); err != nil {
		t.Fatalf("second Handle failed: %v", err)
	}
	again, _ := st.ClaimDueOutboxMessages(time.Now().Add(time.Second), 10)
	if len(again) != 0 {
		t.Errorf("expected no further invitations, got %d", len(again))
	}
}

func TestHandoffNoInvitationWithoutAddress(t *testing.T) {
	st := store.NewInMemoryStore()
	ai := &mockAIClient{reply: "Hello!"}
	d := NewHandoffDispatcher(st, ai, "")
	sess := newCompletedSession(t, st, "s_http", "")

	if _, err := d.Handle(context.Background(), sess, ""); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	claimed, _ := st.ClaimDueOutboxMessages(time.Now().Add(time.Second), 10)
	if len(claimed) != 0 {
		t.Errorf("expected no invitation for an HTTP-only session, got %d", len(claimed))
	}
	leads, _ := st.ListLeads()
	if len(leads) != 1 || leads[0].Address != "" {
		t.Errorf("expected lead without address, got %+v", leads)
	}
}

func TestHandoffPromoteLostRaceContinues(t *testing.T) {
	st := store.NewInMemoryStore()
	ai := &mockAIClient{reply: "Hello again!"}
	d := NewHandoffDispatcher(st, ai, "")
	stale := newCompletedSession(t, st, "s_race", "")

	// A concurrent turn already promoted the session.
	winner, _ := st.GetSession("s_race")
	winner.Status = models.SessionStatusHandedOff
	if err := st.UpdateSession(winner, winner.Version); err != nil {
		t.Fatalf("concurrent promote failed: %v", err)
	}

	res, err := d.Handle(context.Background(), stale, "hi there")
	if err != nil {
		t.Fatalf("Handle should tolerate losing the promote race: %v", err)
	}
	if res.Status != models.SessionStatusHandedOff {
		t.Errorf("expected handed_off result, got %q", res.Status)
	}

	stored, _ := st.GetSession("s_race")
	if len(stored.History) != 2 {
		t.Errorf("expected the turn recorded on the reloaded session, got %+v", stored.History)
	}

	// The losing turn must not duplicate the winner's side effects.
	leads, _ := st.ListLeads()
	if len(leads) != 0 {
		t.Errorf("loser must not save a lead, got %d", len(leads))
	}
}

func TestHandoffSystemPromptFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "system_prompt.txt")
	if err := os.WriteFile(path, []byte("Always answer in one short sentence.\n"), 0o644); err != nil {
		t.Fatalf("failed to write prompt file: %v", err)
	}

	st := store.NewInMemoryStore()
	ai := &mockAIClient{reply: "Understood."}
	d := NewHandoffDispatcher(st, ai, path)
	if err := d.LoadSystemPrompt(); err != nil {
		t.Fatalf("LoadSystemPrompt failed: %v", err)
	}

	sess := newCompletedSession(t, st, "s_prompt", "")
	if _, err := d.Handle(context.Background(), sess, ""); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	if len(ai.lastMsgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(ai.lastMsgs))
	}
	first := ai.lastMsgs[0]
	if first.OfSystem == nil {
		t.Fatal("expected leading system message")
	}
	if got := first.OfSystem.Content.OfString.Value; got != "Always answer in one short sentence." {
		t.Errorf("expected file prompt used, got %q", got)
	}
	second := ai.lastMsgs[1]
	if second.OfSystem == nil {
		t.Fatal("expected intake summary as system message")
	}
	if summary := second.OfSystem.Content.OfString.Value; !strings.Contains(summary, "name: Jo Smith") {
		t.Errorf("expected summary to carry the answers, got %q", summary)
	}
}

func TestHandoffLoadSystemPromptErrors(t *testing.T) {
	d := NewHandoffDispatcher(store.NewInMemoryStore(), &mockAIClient{}, "")
	if err := d.LoadSystemPrompt(); err == nil {
		t.Error("expected error for unconfigured prompt file")
	}
	d = NewHandoffDispatcher(store.NewInMemoryStore(), &mockAIClient{}, "/non/existent/prompt.txt")
	if err := d.LoadSystemPrompt(); err == nil {
		t.Error("expected error for missing prompt file")
	}
}

func TestHandoffChatMessageShape(t *testing.T) {
	st := store.NewInMemoryStore()
	ai := &mockAIClient{reply: "Of course."}
	d := NewHandoffDispatcher(st, ai, "")
	sess := newCompletedSession(t, st, "s_shape", "")

	if _, err := d.Handle(context.Background(), sess, ""); err != nil {
		t.Fatalf("opening turn failed: %v", err)
	}

	reloaded, _ := st.GetSession("s_shape")
	if _, err := d.Handle(context.Background(), reloaded, "what happens next?"); err != nil {
		t.Fatalf("chat turn failed: %v", err)
	}

	// system prompt, intake summary, prior assistant turn, new user turn
	if len(ai.lastMsgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(ai.lastMsgs))
	}
	if ai.lastMsgs[2].OfAssistant == nil {
		t.Error("expected history assistant turn at position 2")
	}
	last := ai.lastMsgs[3]
	if last.OfUser == nil {
		t.Fatal("expected trailing user turn")
	}
	if got := last.OfUser.Content.OfString.Value; got != "what happens next?" {
		t.Errorf("expected raw input as final user message, got %q", got)
	}
}

func TestHandoffUpstreamErrorLeavesHistory(t *testing.T) {
	st := store.NewInMemoryStore()
	ai := &mockAIClient{reply: "ok"}
	d := NewHandoffDispatcher(st, ai, "")
	sess := &models.Session{
		ID:        "s_err",
		StepIndex: 4,
		Answers: []models.Answer{
			{Field: "name", Value: "Jo"},
			{Field: "area_of_law", Value: "Other"},
			{Field: "situation", Value: "n/a"},
			{Field: "wants_meeting", Value: "no"},
		},
		Status: models.SessionStatusHandedOff,
		History: []models.ChatMessage{
			{Role: models.ChatRoleUser, Content: "hello"},
			{Role: models.ChatRoleAssistant, Content: "hi"},
		},
	}
	if err := st.CreateSession(sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	ai.setError(errors.New("rate limited"))
	_, err := d.Handle(context.Background(), sess, "still there?")
	if !errors.Is(err, models.ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}

	stored, _ := st.GetSession("s_err")
	if len(stored.History) != 2 {
		t.Errorf("failed turn must not change history, got %+v", stored.History)
	}
}

func TestAnswersSummaryOrder(t *testing.T) {
	sess := &models.Session{
		Answers: []models.Answer{
			{Field: "name", Value: "Jo"},
			{Field: "area_of_law", Value: "Other"},
		},
	}
	summary := answersSummary(sess)
	nameIdx := strings.Index(summary, "name: Jo")
	areaIdx := strings.Index(summary, "area_of_law: Other")
	if nameIdx < 0 || areaIdx < 0 || nameIdx > areaIdx {
		t.Errorf("expected answers listed in collection order, got %q", summary)
	}
}
