package testutil

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/IntakeFlow/internal/models"
)

func TestStaticAIClient(t *testing.T) {
	ai := NewStaticAIClient("canned reply")

	reply, err := ai.GenerateWithMessages(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply != "canned reply" {
		t.Errorf("expected canned reply, got %q", reply)
	}

	ai.SetError(errors.New("down"))
	if _, err := ai.GeneratePrompt("sys", "user"); err == nil {
		t.Error("expected error after SetError")
	}

	ai.SetError(nil)
	if _, err := ai.GeneratePrompt("sys", "user"); err != nil {
		t.Errorf("expected recovery after SetError(nil), got %v", err)
	}

	if ai.Calls() != 3 {
		t.Errorf("expected 3 calls recorded, got %d", ai.Calls())
	}
}

func TestNewConversationService(t *testing.T) {
	svc, st, _ := NewConversationService(t, "hello")

	result, err := svc.Start(context.Background())
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	sess, err := st.GetSession(result.SessionID)
	if err != nil || sess == nil {
		t.Fatalf("expected session persisted in the fixture store, got %v / %v", sess, err)
	}
	if sess.Status != models.SessionStatusInProgress {
		t.Errorf("expected in_progress, got %q", sess.Status)
	}
}

func TestAssertJSONResponse(t *testing.T) {
	rr := httptest.NewRecorder()
	rr.Body.WriteString(`{"status":"ok","result":{"x":1}}`)

	response := AssertJSONResponse(t, rr, "ok")
	if _, ok := response["result"]; !ok {
		t.Error("expected result field in decoded response")
	}
}

func TestCreateHTTPRequest(t *testing.T) {
	req := CreateHTTPRequest(t, http.MethodPost, "/conversation/respond", map[string]string{"session_id": "s_1"})
	if req.Method != http.MethodPost {
		t.Errorf("expected POST, got %s", req.Method)
	}
	if req.Body == nil {
		t.Error("expected a request body")
	}
}

func TestMustMarshalRoundTrip(t *testing.T) {
	data := MustMarshalJSON(t, map[string]int{"a": 1})
	var out map[string]int
	MustUnmarshalJSON(t, data, &out)
	if out["a"] != 1 {
		t.Errorf("round trip mismatch: %v", out)
	}
}
