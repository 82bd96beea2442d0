package genai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/openai/openai-go"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp   openai.ChatCompletion
	err    error
	params openai.ChatCompletionNewParams
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.params = params
	return m.resp, m.err
}

func newMockClient(svc *mockChatService) *Client {
	return &Client{chat: svc, model: "test-model", temperature: 0.1, maxCompletionTokens: 100}
}

func TestGeneratePrompt_Success(t *testing.T) {
	// Prepare a mock response with one choice
	mockResp := openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: "Hello World"}},
		},
	}
	client := newMockClient(&mockChatService{resp: mockResp})
	out, err := client.GeneratePrompt("system prompt", "user prompt")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != "Hello World" {
		t.Errorf("expected 'Hello World', got '%s'", out)
	}
}

func TestGeneratePrompt_ServiceError(t *testing.T) {
	client := newMockClient(&mockChatService{err: errors.New("service failure")})
	_, err := client.GeneratePrompt("sys", "usr")
	if err == nil || !strings.Contains(err.Error(), "service failure") {
		t.Errorf("expected service failure error, got %v", err)
	}
}

func TestGeneratePrompt_NoChoices(t *testing.T) {
	// Empty choices slice
	mockResp := openai.ChatCompletion{Choices: []openai.ChatCompletionChoice{}}
	client := newMockClient(&mockChatService{resp: mockResp})
	_, err := client.GeneratePrompt("sys", "usr")
	if !errors.Is(err, ErrNoChoicesReturned) {
		t.Errorf("expected no choices returned error, got %v", err)
	}
}

func TestGenerateWithMessages_PassesTranscript(t *testing.T) {
	mockResp := openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: "reply"}},
		},
	}
	svc := &mockChatService{resp: mockResp}
	client := newMockClient(svc)

	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage("you are helpful"),
		openai.UserMessage("first"),
		openai.AssistantMessage("second"),
		openai.UserMessage("third"),
	}
	out, err := client.GenerateWithMessages(context.Background(), messages)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != "reply" {
		t.Errorf("expected 'reply', got %q", out)
	}
	if len(svc.params.Messages) != 4 {
		t.Errorf("expected 4 messages forwarded, got %d", len(svc.params.Messages))
	}
	if string(svc.params.Model) != "test-model" {
		t.Errorf("expected model 'test-model', got %q", svc.params.Model)
	}
}

func TestNewClient_NoKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := NewClient()
	if err == nil {
		t.Error("expected error when API key not provided, got nil")
	}
}

func TestNewClient_WithKey(t *testing.T) {
	key := "test-key"
	cli, err := NewClient(WithAPIKey(key))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli == nil {
		t.Error("expected client instance, got nil")
	}
}

func TestNewClient_Defaults(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cli.model != DefaultModel {
		t.Errorf("expected default model %q, got %q", DefaultModel, cli.model)
	}
	if cli.maxCompletionTokens != DefaultMaxCompletionTokens {
		t.Errorf("expected default max tokens %d, got %d", DefaultMaxCompletionTokens, cli.maxCompletionTokens)
	}
}

func TestNewClient_Overrides(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"), WithModel("gpt-4o"), WithTemperature(0.2), WithMaxCompletionTokens(256))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cli.model != "gpt-4o" {
		t.Errorf("expected model override, got %q", cli.model)
	}
	if cli.temperature != 0.2 {
		t.Errorf("expected temperature override, got %v", cli.temperature)
	}
	if cli.maxCompletionTokens != 256 {
		t.Errorf("expected max tokens override, got %d", cli.maxCompletionTokens)
	}
}
