package flow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/BTreeMap/IntakeFlow/internal/genai"
	"github.com/BTreeMap/IntakeFlow/internal/models"
	"github.com/BTreeMap/IntakeFlow/internal/store"
	"github.com/openai/openai-go"
)

// mockAIClient implements genai.ClientInterface for flow tests.
type mockAIClient struct {
	mu       sync.Mutex
	reply    string
	err      error
	calls    int
	lastMsgs []openai.ChatCompletionMessageParamUnion
}

var _ genai.ClientInterface = (*mockAIClient)(nil)

func (m *mockAIClient) GeneratePrompt(system, user string) (string, error) {
	return m.GeneratePromptWithContext(context.Background(), system, user)
}

func (m *mockAIClient) GeneratePromptWithContext(ctx context.Context, system, user string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	return m.reply, nil
}

func (m *mockAIClient) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.lastMsgs = messages
	if m.err != nil {
		return "", m.err
	}
	return m.reply, nil
}

func (m *mockAIClient) setError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// newTestFlow wires an engine over an in-memory store and a mock AI client.
func newTestFlow(t *testing.T, catalog *Catalog) (*Engine, *store.InMemoryStore, *mockAIClient) {
	t.Helper()
	st := store.NewInMemoryStore()
	ai := &mockAIClient{reply: "Welcome! How can I help you further?"}
	return NewEngine(st, catalog, NewHandoffDispatcher(st, ai, "")), st, ai
}

// twoStepCatalog is the minimal name + area flow used by scenario tests.
func twoStepCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := NewCatalog([]Step{
		{Key: "name", Prompt: "What is your full name?", Field: "name", Validator: ValidatorNonEmpty},
		{Key: "area_of_law", Prompt: "Which area of law?", Field: "area_of_law", Validator: ValidatorChoice, Options: []string{"Penal Law", "Civil Law"}},
	})
	if err != nil {
		t.Fatalf("failed to build two-step catalog: %v", err)
	}
	return c
}

func TestEngineStart(t *testing.T) {
	eng, st, _ := newTestFlow(t, DefaultCatalog())
	ctx := context.Background()

	res, err := eng.Start(ctx)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if res.SessionID == "" {
		t.Fatal("expected a session ID")
	}
	if res.StepKey != "name" {
		t.Errorf("expected first step key 'name', got %q", res.StepKey)
	}
	if !strings.Contains(res.Reply, "full name") {
		t.Errorf("expected first question in reply, got %q", res.Reply)
	}
	if res.Status != models.SessionStatusInProgress {
		t.Errorf("expected status in_progress, got %q", res.Status)
	}
	if res.Terminal {
		t.Error("start result should not be terminal")
	}

	sess, err := st.GetSession(res.SessionID)
	if err != nil || sess == nil {
		t.Fatalf("expected stored session, got %v, err %v", sess, err)
	}
	if sess.StepIndex != 0 || len(sess.Answers) != 0 {
		t.Errorf("expected fresh session at step 0 with no answers, got index %d, %d answers", sess.StepIndex, len(sess.Answers))
	}
	if sess.Version != 1 {
		t.Errorf("expected version 1 on a fresh session, got %d", sess.Version)
	}
}

func TestEngineStartWithAddress(t *testing.T) {
	eng, st, _ := newTestFlow(t, DefaultCatalog())

	res, err := eng.StartWithAddress(context.Background(), "+15551230001")
	if err != nil {
		t.Fatalf("StartWithAddress failed: %v", err)
	}
	sess, _ := st.GetSession(res.SessionID)
	if sess.Address != "+15551230001" {
		t.Errorf("expected address on session, got %q", sess.Address)
	}
}

func TestEngineRespondSessionNotFound(t *testing.T) {
	eng, _, _ := newTestFlow(t, DefaultCatalog())

	_, err := eng.Respond(context.Background(), "s_missing", "hello")
	if !errors.Is(err, models.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestEngineRespondValidationIdempotent(t *testing.T) {
	eng, st, _ := newTestFlow(t, DefaultCatalog())
	ctx := context.Background()

	started, err := eng.Start(ctx)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	first, err := eng.Respond(ctx, started.SessionID, "   ")
	if err != nil {
		t.Fatalf("Respond failed: %v", err)
	}
	if !first.Rejected() {
		t.Fatal("expected whitespace input to be rejected")
	}
	if first.StepKey != "name" {
		t.Errorf("expected step to stay at 'name', got %q", first.StepKey)
	}
	if !strings.Contains(first.Reply, "full name") {
		t.Errorf("expected the question re-asked, got %q", first.Reply)
	}

	second, err := eng.Respond(ctx, started.SessionID, "   ")
	if err != nil {
		t.Fatalf("second Respond failed: %v", err)
	}
	if second.Reply != first.Reply || second.ValidationError != first.ValidationError {
		t.Errorf("expected identical rejection both times, got %q / %q", first.Reply, second.Reply)
	}

	sess, _ := st.GetSession(started.SessionID)
	if sess.Version != 1 || sess.StepIndex != 0 || len(sess.Answers) != 0 {
		t.Errorf("rejected input must not mutate the session, got version %d, index %d, %d answers", sess.Version, sess.StepIndex, len(sess.Answers))
	}
}

func TestEngineRespondTooLongAnswer(t *testing.T) {
	eng, _, _ := newTestFlow(t, DefaultCatalog())
	ctx := context.Background()

	started, _ := eng.Start(ctx)
	res, err := eng.Respond(ctx, started.SessionID, strings.Repeat("a", models.MaxAnswerLength+1))
	if err != nil {
		t.Fatalf("Respond failed: %v", err)
	}
	if !res.Rejected() {
		t.Fatal("expected oversized answer to be rejected")
	}
}

func TestEngineRespondAdvancesInOrder(t *testing.T) {
	eng, st, _ := newTestFlow(t, DefaultCatalog())
	ctx := context.Background()

	started, _ := eng.Start(ctx)
	id := started.SessionID

	inputs := []string{" Jo Smith ", "2", "Landlord kept my deposit without cause.", "Yes"}
	wantFields := []string{"name", "area_of_law", "situation", "wants_meeting"}
	wantValues := []string{"Jo Smith", "Civil Law", "Landlord kept my deposit without cause.", "yes"}

	for i, input := range inputs {
		res, err := eng.Respond(ctx, id, input)
		if err != nil {
			t.Fatalf("step %d: Respond failed: %v", i, err)
		}
		if res.Rejected() {
			t.Fatalf("step %d: unexpected rejection: %s", i, res.ValidationError)
		}

		sess, _ := st.GetSession(id)
		if sess.StepIndex != i+1 {
			t.Fatalf("step %d: expected step index %d, got %d", i, i+1, sess.StepIndex)
		}
		if len(sess.Answers) != sess.StepIndex {
			t.Fatalf("step %d: answer count %d does not match step index %d", i, len(sess.Answers), sess.StepIndex)
		}
		for j := 0; j <= i; j++ {
			if sess.Answers[j].Field != wantFields[j] || sess.Answers[j].Value != wantValues[j] {
				t.Errorf("answer %d: got %s=%q, want %s=%q", j, sess.Answers[j].Field, sess.Answers[j].Value, wantFields[j], wantValues[j])
			}
		}
	}
}

func TestEngineRespondCompletionHandsOff(t *testing.T) {
	eng, st, ai := newTestFlow(t, DefaultCatalog())
	ctx := context.Background()

	started, _ := eng.Start(ctx)
	id := started.SessionID
	for _, input := range []string{"Jo Smith", "2", "Landlord kept my deposit.", "no"} {
		res, err := eng.Respond(ctx, id, input)
		if err != nil {
			t.Fatalf("Respond(%q) failed: %v", input, err)
		}
		if input == "no" {
			if !res.Terminal {
				t.Error("expected terminal result on the completing turn")
			}
			if res.Status != models.SessionStatusHandedOff {
				t.Errorf("expected handed_off status, got %q", res.Status)
			}
			if res.Reply != ai.reply {
				t.Errorf("expected AI reply %q, got %q", ai.reply, res.Reply)
			}
			if res.StepKey != "" {
				t.Errorf("expected empty step key after handoff, got %q", res.StepKey)
			}
		}
	}

	// First handoff turn runs from the intake summary alone.
	if len(ai.lastMsgs) != 2 {
		t.Errorf("expected 2 system messages for the opening AI turn, got %d", len(ai.lastMsgs))
	}

	sess, _ := st.GetSession(id)
	if sess.Status != models.SessionStatusHandedOff {
		t.Errorf("expected stored status handed_off, got %q", sess.Status)
	}
	if len(sess.History) != 1 || sess.History[0].Role != models.ChatRoleAssistant {
		t.Errorf("expected one assistant history entry, got %+v", sess.History)
	}

	leads, err := st.ListLeads()
	if err != nil {
		t.Fatalf("ListLeads failed: %v", err)
	}
	if len(leads) != 1 {
		t.Fatalf("expected exactly one lead, got %d", len(leads))
	}
	lead := leads[0]
	if lead.SessionID != id || lead.Name != "Jo Smith" || lead.AreaOfLaw != "Civil Law" || lead.WantsMeeting != "no" {
		t.Errorf("unexpected lead contents: %+v", lead)
	}
}

func TestEngineRespondAIFailureRetainsAnswer(t *testing.T) {
	eng, st, ai := newTestFlow(t, twoStepCatalog(t))
	ctx := context.Background()

	started, _ := eng.Start(ctx)
	id := started.SessionID
	if _, err := eng.Respond(ctx, id, "Jo Smith"); err != nil {
		t.Fatalf("Respond failed: %v", err)
	}

	ai.setError(errors.New("api down"))
	_, err := eng.Respond(ctx, id, "Civil Law")
	if !errors.Is(err, models.ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}

	// The completing answer is committed even though the AI turn failed.
	sess, _ := st.GetSession(id)
	if len(sess.Answers) != 2 || sess.Answers[1].Value != "Civil Law" {
		t.Fatalf("expected final answer retained, got %+v", sess.Answers)
	}
	if sess.Status == models.SessionStatusInProgress {
		t.Fatalf("expected session past in_progress, got %q", sess.Status)
	}
	if len(sess.History) != 0 {
		t.Errorf("failed AI turn must not record history, got %+v", sess.History)
	}

	// The retried turn succeeds without touching the answers again.
	ai.setError(nil)
	res, err := eng.Respond(ctx, id, "thanks")
	if err != nil {
		t.Fatalf("retry Respond failed: %v", err)
	}
	if res.Status != models.SessionStatusHandedOff {
		t.Errorf("expected handed_off after retry, got %q", res.Status)
	}
	sess, _ = st.GetSession(id)
	if len(sess.Answers) != 2 {
		t.Errorf("expected answers unchanged on retry, got %d", len(sess.Answers))
	}
	if len(sess.History) != 2 {
		t.Errorf("expected user and assistant turns recorded, got %+v", sess.History)
	}
}

// gatedStore blocks session loads until the test releases them, forcing two
// concurrent turns to read the same version.
type gatedStore struct {
	store.Store
	loaded  chan struct{}
	release chan struct{}
}

func (g *gatedStore) GetSession(id string) (*models.Session, error) {
	sess, err := g.Store.GetSession(id)
	g.loaded <- struct{}{}
	<-g.release
	return sess, err
}

func TestEngineRespondConcurrentOneWinner(t *testing.T) {
	inner := store.NewInMemoryStore()
	gated := &gatedStore{Store: inner, loaded: make(chan struct{}), release: make(chan struct{})}
	ai := &mockAIClient{reply: "Welcome!"}
	eng := NewEngine(gated, DefaultCatalog(), NewHandoffDispatcher(inner, ai, ""))
	st := inner
	ctx := context.Background()

	sess := &models.Session{ID: "s_race", Status: models.SessionStatusInProgress}
	if err := st.CreateSession(sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	id := sess.ID

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, input := range []string{"Alice", "Bob"} {
		wg.Add(1)
		go func(slot int, text string) {
			defer wg.Done()
			_, errs[slot] = eng.Respond(ctx, id, text)
		}(i, input)
	}
	<-gated.loaded
	<-gated.loaded
	close(gated.release)
	wg.Wait()

	var successes, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, models.ErrVersionConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 || conflicts != 1 {
		t.Fatalf("expected one success and one conflict, got %d successes, %d conflicts", successes, conflicts)
	}

	sess, _ = st.GetSession(id)
	if sess.StepIndex != 1 || len(sess.Answers) != 1 {
		t.Errorf("expected exactly one recorded answer, got index %d, %d answers", sess.StepIndex, len(sess.Answers))
	}
}

func TestEngineRespondRepairsExhaustedSession(t *testing.T) {
	eng, st, _ := newTestFlow(t, twoStepCatalog(t))
	ctx := context.Background()

	sess := &models.Session{
		ID:        "s_exhausted",
		StepIndex: 2,
		Answers: []models.Answer{
			{Field: "name", Value: "Jo Smith"},
			{Field: "area_of_law", Value: "Civil Law"},
		},
		Status: models.SessionStatusInProgress,
	}
	if err := st.CreateSession(sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	res, err := eng.Respond(ctx, "s_exhausted", "am I done?")
	if err != nil {
		t.Fatalf("Respond failed: %v", err)
	}
	if res.Status != models.SessionStatusHandedOff {
		t.Errorf("expected repaired session to reach handed_off, got %q", res.Status)
	}

	stored, _ := st.GetSession("s_exhausted")
	if stored.Status != models.SessionStatusHandedOff {
		t.Errorf("expected stored status handed_off, got %q", stored.Status)
	}
	if len(stored.History) != 2 {
		t.Errorf("expected the turn recorded as chat, got %+v", stored.History)
	}
}

func TestEngineRespondHandedOffChat(t *testing.T) {
	eng, st, ai := newTestFlow(t, twoStepCatalog(t))
	ctx := context.Background()

	sess := &models.Session{
		ID:        "s_chat",
		StepIndex: 2,
		Answers: []models.Answer{
			{Field: "name", Value: "Jo Smith"},
			{Field: "area_of_law", Value: "Penal Law"},
		},
		Status: models.SessionStatusHandedOff,
	}
	if err := st.CreateSession(sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	if _, err := eng.Respond(ctx, "s_chat", "What are your fees?"); err != nil {
		t.Fatalf("first chat turn failed: %v", err)
	}
	if _, err := eng.Respond(ctx, "s_chat", "Can I pay in installments?"); err != nil {
		t.Fatalf("second chat turn failed: %v", err)
	}

	stored, _ := st.GetSession("s_chat")
	if len(stored.History) != 4 {
		t.Fatalf("expected 4 history entries after two turns, got %d", len(stored.History))
	}

	// Second turn context: two system messages, two history turns, new input.
	if len(ai.lastMsgs) != 5 {
		t.Errorf("expected 5 messages in AI context, got %d", len(ai.lastMsgs))
	}
}

func TestEngineStatusReadOnly(t *testing.T) {
	eng, st, _ := newTestFlow(t, DefaultCatalog())
	ctx := context.Background()

	started, _ := eng.Start(ctx)
	if _, err := eng.Respond(ctx, started.SessionID, "Jo Smith"); err != nil {
		t.Fatalf("Respond failed: %v", err)
	}

	snap, err := eng.Status(ctx, started.SessionID)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if snap.StepIndex != 1 || len(snap.Answers) != 1 {
		t.Errorf("unexpected snapshot: %+v", snap)
	}

	before, _ := st.GetSession(started.SessionID)
	if _, err := eng.Status(ctx, started.SessionID); err != nil {
		t.Fatalf("second Status failed: %v", err)
	}
	after, _ := st.GetSession(started.SessionID)
	if before.Version != after.Version || !before.UpdatedAt.Equal(after.UpdatedAt) {
		t.Error("Status must not mutate the session")
	}

	if _, err := eng.Status(ctx, "s_missing"); !errors.Is(err, models.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestTwoStepIntakeScenario(t *testing.T) {
	eng, st, ai := newTestFlow(t, twoStepCatalog(t))
	ctx := context.Background()

	started, err := eng.Start(ctx)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	id := started.SessionID
	if started.StepKey != "name" {
		t.Fatalf("expected to start at 'name', got %q", started.StepKey)
	}

	res, err := eng.Respond(ctx, id, "  Ada Lovelace  ")
	if err != nil {
		t.Fatalf("name answer failed: %v", err)
	}
	if res.StepKey != "area_of_law" {
		t.Fatalf("expected to advance to 'area_of_law', got %q", res.StepKey)
	}

	rejected, err := eng.Respond(ctx, id, "space law")
	if err != nil {
		t.Fatalf("invalid choice failed hard: %v", err)
	}
	if !rejected.Rejected() || rejected.StepKey != "area_of_law" {
		t.Fatalf("expected rejection on the same step, got %+v", rejected)
	}

	final, err := eng.Respond(ctx, id, "civil law")
	if err != nil {
		t.Fatalf("final answer failed: %v", err)
	}
	if !final.Terminal || final.Status != models.SessionStatusHandedOff {
		t.Fatalf("expected terminal handed_off result, got %+v", final)
	}
	if final.Reply != ai.reply {
		t.Errorf("expected AI opener, got %q", final.Reply)
	}

	sess, _ := st.GetSession(id)
	if sess.Answers[0].Value != "Ada Lovelace" || sess.Answers[1].Value != "Civil Law" {
		t.Errorf("unexpected stored answers: %+v", sess.Answers)
	}
}
