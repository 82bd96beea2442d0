package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/BTreeMap/IntakeFlow/internal/messaging"
	"github.com/BTreeMap/IntakeFlow/internal/models"
	"github.com/BTreeMap/IntakeFlow/internal/store"
	"github.com/BTreeMap/IntakeFlow/internal/testutil"
	"github.com/BTreeMap/IntakeFlow/internal/whatsapp"
)

// aiReply is the canned handoff reply used across server tests.
const aiReply = "Thanks! A lawyer will reach out shortly."

// newTestServer builds a server over an in-memory store, a mock WhatsApp
// messaging service, and a canned AI reply.
func newTestServer(t *testing.T) (*Server, *store.InMemoryStore, *testutil.StaticAIClient) {
	t.Helper()
	svc, st, ai := testutil.NewConversationService(t, aiReply)
	msgService := messaging.NewWhatsAppService(whatsapp.NewMockClient())
	return NewServer(svc, st, msgService), st, ai
}

// doJSON performs a request against the server router and decodes the
// envelope.
func doJSON(t *testing.T, s *Server, method, path string, body interface{}) (*httptest.ResponseRecorder, models.APIResponse) {
	t.Helper()
	var reader *strings.Reader
	if body != nil {
		reader = strings.NewReader(string(testutil.MustMarshalJSON(t, body)))
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	var envelope models.APIResponse
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &envelope); err != nil {
			t.Fatalf("failed to decode response envelope: %v (body %q)", err, rr.Body.String())
		}
	}
	return rr, envelope
}

// resultField digs a string field out of the envelope's result object.
func resultField(t *testing.T, envelope models.APIResponse, key string) string {
	t.Helper()
	result, ok := envelope.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("expected result object, got %T", envelope.Result)
	}
	val, _ := result[key].(string)
	return val
}

func TestStartConversationEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)

	rr, envelope := doJSON(t, s, http.MethodPost, "/conversation/start", nil)
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "start conversation")
	if envelope.Status != string(models.APIStatusOK) {
		t.Errorf("expected ok envelope, got %q", envelope.Status)
	}
	if id := resultField(t, envelope, "session_id"); id == "" {
		t.Error("expected a session_id in the result")
	}
	if reply := resultField(t, envelope, "reply"); !strings.Contains(reply, "full name") {
		t.Errorf("expected first catalog prompt, got %q", reply)
	}
}

func TestStartConversationMethodNotAllowed(t *testing.T) {
	s, _, _ := newTestServer(t)

	rr, _ := doJSON(t, s, http.MethodGet, "/conversation/start", nil)
	testutil.AssertHTTPStatus(t, http.StatusMethodNotAllowed, rr.Code, "GET start")
	if allow := rr.Header().Get("Allow"); allow != http.MethodPost {
		t.Errorf("expected Allow: POST header, got %q", allow)
	}
}

func TestRespondEndpointFullFlow(t *testing.T) {
	s, st, _ := newTestServer(t)

	_, start := doJSON(t, s, http.MethodPost, "/conversation/start", nil)
	sessionID := resultField(t, start, "session_id")

	// Invalid input re-asks the step without advancing.
	rr, envelope := doJSON(t, s, http.MethodPost, "/conversation/respond", respondRequest{SessionID: sessionID, Message: "   "})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "blank input")
	if resultField(t, envelope, "validation_error") == "" {
		t.Error("expected a validation_error for blank input")
	}

	answers := []string{"Jane Doe", "civil law", "A contract dispute with my landlord.", "yes"}
	for _, answer := range answers {
		rr, envelope = doJSON(t, s, http.MethodPost, "/conversation/respond", respondRequest{SessionID: sessionID, Message: answer})
		testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "respond "+answer)
	}

	// The final answer triggers handoff and the AI reply in the same call.
	if status := resultField(t, envelope, "status"); status != string(models.SessionStatusHandedOff) {
		t.Errorf("expected handed_off after final answer, got %q", status)
	}
	if reply := resultField(t, envelope, "reply"); reply != aiReply {
		t.Errorf("expected AI reply, got %q", reply)
	}

	leads, err := st.ListLeads()
	if err != nil {
		t.Fatalf("failed to list leads: %v", err)
	}
	if len(leads) != 1 || leads[0].Name != "Jane Doe" {
		t.Errorf("expected one lead for Jane Doe, got %+v", leads)
	}
}

func TestRespondEndpointErrors(t *testing.T) {
	s, _, _ := newTestServer(t)

	rr, _ := doJSON(t, s, http.MethodPost, "/conversation/respond", respondRequest{SessionID: "s_missing", Message: "hi"})
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "unknown session")

	rr, _ = doJSON(t, s, http.MethodPost, "/conversation/respond", respondRequest{Message: "hi"})
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "missing session_id")

	req := httptest.NewRequest(http.MethodPost, "/conversation/respond", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rec.Code, "malformed JSON")
}

func TestRespondEndpointUpstreamUnavailable(t *testing.T) {
	s, _, ai := newTestServer(t)

	_, start := doJSON(t, s, http.MethodPost, "/conversation/start", nil)
	sessionID := resultField(t, start, "session_id")

	for _, answer := range []string{"Jane Doe", "civil law", "Contract dispute."} {
		doJSON(t, s, http.MethodPost, "/conversation/respond", respondRequest{SessionID: sessionID, Message: answer})
	}

	ai.SetError(errors.New("openai down"))
	rr, _ := doJSON(t, s, http.MethodPost, "/conversation/respond", respondRequest{SessionID: sessionID, Message: "yes"})
	testutil.AssertHTTPStatus(t, http.StatusServiceUnavailable, rr.Code, "AI failure")

	// Retrying the same turn once the upstream recovers succeeds.
	ai.SetError(nil)
	rr, envelope := doJSON(t, s, http.MethodPost, "/conversation/respond", respondRequest{SessionID: sessionID, Message: "yes"})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "retry after recovery")
	if status := resultField(t, envelope, "status"); status != string(models.SessionStatusHandedOff) {
		t.Errorf("expected handed_off after retry, got %q", status)
	}
}

func TestConversationStatusEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)

	_, start := doJSON(t, s, http.MethodPost, "/conversation/start", nil)
	sessionID := resultField(t, start, "session_id")
	doJSON(t, s, http.MethodPost, "/conversation/respond", respondRequest{SessionID: sessionID, Message: "Jane Doe"})

	rr, envelope := doJSON(t, s, http.MethodGet, "/conversation/status/"+sessionID, nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "status lookup")
	result, ok := envelope.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("expected result object, got %T", envelope.Result)
	}
	if idx, _ := result["step_index"].(float64); idx != 1 {
		t.Errorf("expected step_index 1, got %v", result["step_index"])
	}

	rr, _ = doJSON(t, s, http.MethodGet, "/conversation/status/s_missing", nil)
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "unknown session status")

	rr, _ = doJSON(t, s, http.MethodGet, "/conversation/status/", nil)
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "missing session id")
}

func TestLeadsEndpoint(t *testing.T) {
	s, st, _ := newTestServer(t)

	if err := st.SaveLead(models.Lead{ID: "l_1", SessionID: "s_1", Name: "Jane Doe", AreaOfLaw: "Civil Law"}); err != nil {
		t.Fatalf("failed to seed lead: %v", err)
	}

	rr, envelope := doJSON(t, s, http.MethodGet, "/leads", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "list leads")
	leads, ok := envelope.Result.([]interface{})
	if !ok || len(leads) != 1 {
		t.Errorf("expected one lead in result, got %v", envelope.Result)
	}

	rr, _ = doJSON(t, s, http.MethodPost, "/leads", nil)
	testutil.AssertHTTPStatus(t, http.StatusMethodNotAllowed, rr.Code, "POST leads")
}

func TestSendEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)

	rr, _ := doJSON(t, s, http.MethodPost, "/send", sendRequest{To: "+1 (555) 010-9999", Body: "ping"})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "send message")

	rr, _ = doJSON(t, s, http.MethodPost, "/send", sendRequest{To: "nope", Body: "ping"})
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "invalid recipient")

	rr, _ = doJSON(t, s, http.MethodPost, "/send", sendRequest{To: "15550109999"})
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "missing body")
}

func TestSendEndpointWithoutMessagingBackend(t *testing.T) {
	svc, st, _ := testutil.NewConversationService(t, "hi")
	s := NewServer(svc, st, nil)

	rr, _ := doJSON(t, s, http.MethodPost, "/send", sendRequest{To: "15550109999", Body: "ping"})
	testutil.AssertHTTPStatus(t, http.StatusServiceUnavailable, rr.Code, "send without backend")
}

func TestHealthEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "health check")
	var health map[string]interface{}
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &health)
	if health["status"] != "healthy" {
		t.Errorf("expected healthy status, got %v", health["status"])
	}
}
