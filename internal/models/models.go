// Package models defines the core data structures for IntakeFlow.
//
// It includes the session and lead records shared across modules, the flow
// result returned to callers, and the JSON envelope used by the HTTP API.
package models

import (
	"errors"
	"strings"
	"time"
)

// SessionStatus represents where a session sits in the intake lifecycle.
type SessionStatus string

const (
	// SessionStatusInProgress indicates the guided flow is still collecting answers.
	SessionStatusInProgress SessionStatus = "in_progress"
	// SessionStatusCompleted indicates every catalog step has been answered.
	SessionStatusCompleted SessionStatus = "completed"
	// SessionStatusHandedOff indicates the session is in free-form AI chat.
	SessionStatusHandedOff SessionStatus = "handed_off"
)

// Chat roles stored in session history.
const (
	// ChatRoleUser marks a message written by the end user.
	ChatRoleUser = "user"
	// ChatRoleAssistant marks a message produced by the AI responder.
	ChatRoleAssistant = "assistant"
)

// Validation constants for input validation
const (
	// MaxAnswerLength defines the maximum allowed length for a single normalized answer.
	MaxAnswerLength = 4096
	// MaxHistoryEntries defines how many chat messages a session retains after handoff.
	MaxHistoryEntries = 50
)

// Error variables for better error handling and testability
var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionExists       = errors.New("session already exists")
	ErrVersionConflict     = errors.New("session was modified concurrently")
	ErrUpstreamUnavailable = errors.New("upstream service unavailable")
	ErrEmptySessionID      = errors.New("session id cannot be empty")
	ErrInvalidStatus       = errors.New("invalid session status")
	ErrAnswerTooLong       = errors.New("answer exceeds maximum length")
	ErrNegativeStepIndex   = errors.New("step index cannot be negative")
	ErrAnswerCountMismatch = errors.New("answer count does not match step index")
)

// IsValidSessionStatus checks if the given status is one of the known lifecycle states.
func IsValidSessionStatus(s SessionStatus) bool {
	switch s {
	case SessionStatusInProgress, SessionStatusCompleted, SessionStatusHandedOff:
		return true
	default:
		return false
	}
}

// Answer is a single collected field/value pair. Answers are kept as an
// ordered slice rather than a map so collection order survives storage.
type Answer struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

// ChatMessage is one turn of post-handoff AI conversation history.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Session is one user's guided intake conversation. It is persisted by the
// store and mutated only through the flow engine; Version carries the
// optimistic-concurrency token incremented on every successful write.
type Session struct {
	ID        string        `json:"id"`
	StepIndex int           `json:"step_index"`
	Answers   []Answer      `json:"answers"`
	Status    SessionStatus `json:"status"`
	Address   string        `json:"address,omitempty"` // canonical messaging address, empty for HTTP-only sessions
	History   []ChatMessage `json:"history,omitempty"`
	Version   int64         `json:"version"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Validate performs structural validation on a Session record.
func (s *Session) Validate() error {
	if s.ID == "" {
		return ErrEmptySessionID
	}
	if !IsValidSessionStatus(s.Status) {
		return ErrInvalidStatus
	}
	if s.StepIndex < 0 {
		return ErrNegativeStepIndex
	}
	if len(s.Answers) != s.StepIndex {
		return ErrAnswerCountMismatch
	}
	for _, a := range s.Answers {
		if len(a.Value) > MaxAnswerLength {
			return ErrAnswerTooLong
		}
	}
	return nil
}

// AppendAnswer records a normalized value for a field, preserving order.
func (s *Session) AppendAnswer(field, value string) {
	s.Answers = append(s.Answers, Answer{Field: field, Value: value})
}

// AnswerFor returns the stored value for a field, if present.
func (s *Session) AnswerFor(field string) (string, bool) {
	for _, a := range s.Answers {
		if a.Field == field {
			return a.Value, true
		}
	}
	return "", false
}

// AnswersMap returns the answers as a plain map for callers that do not
// care about order. The returned map is a copy.
func (s *Session) AnswersMap() map[string]string {
	m := make(map[string]string, len(s.Answers))
	for _, a := range s.Answers {
		m[a.Field] = a.Value
	}
	return m
}

// AppendHistory adds a chat turn and trims history to MaxHistoryEntries.
func (s *Session) AppendHistory(role, content string) {
	s.History = append(s.History, ChatMessage{Role: role, Content: content})
	if len(s.History) > MaxHistoryEntries {
		s.History = s.History[len(s.History)-MaxHistoryEntries:]
	}
}

// Clone returns a deep copy of the session. Stores hand out clones so
// callers can mutate freely before writing back.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Answers = make([]Answer, len(s.Answers))
	copy(c.Answers, s.Answers)
	c.History = make([]ChatMessage, len(s.History))
	copy(c.History, s.History)
	return &c
}

// SessionSnapshot is the read-only projection returned by status lookups.
type SessionSnapshot struct {
	ID        string        `json:"session_id"`
	StepIndex int           `json:"step_index"`
	Status    SessionStatus `json:"status"`
	Answers   []Answer      `json:"answers"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// FlowResult is the structured outcome of a start or respond call. A
// non-empty ValidationError means the input was rejected and the session
// did not move; that is a normal result, not a failure.
type FlowResult struct {
	SessionID       string        `json:"session_id"`
	Reply           string        `json:"reply"`
	StepKey         string        `json:"step_key,omitempty"` // empty once the guided flow is exhausted
	Hint            string        `json:"hint,omitempty"`
	Status          SessionStatus `json:"status"`
	Terminal        bool          `json:"terminal"`
	ValidationError string        `json:"validation_error,omitempty"`
}

// Rejected reports whether this result carries a validation failure.
func (r *FlowResult) Rejected() bool {
	return r.ValidationError != ""
}

// Lead is the sales record written once a session completes the guided flow.
type Lead struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	Name         string    `json:"name"`
	AreaOfLaw    string    `json:"area_of_law"`
	Situation    string    `json:"situation"`
	WantsMeeting string    `json:"wants_meeting"`
	Address      string    `json:"address,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// LeadFromAnswers builds a Lead from a completed session's answers, matching
// the default catalog field names. Missing fields are left empty so partial
// catalogs still produce a usable record.
func LeadFromAnswers(id string, s *Session) Lead {
	name, _ := s.AnswerFor("name")
	area, _ := s.AnswerFor("area_of_law")
	situation, _ := s.AnswerFor("situation")
	meeting, _ := s.AnswerFor("wants_meeting")
	return Lead{
		ID:           id,
		SessionID:    s.ID,
		Name:         strings.TrimSpace(name),
		AreaOfLaw:    area,
		Situation:    situation,
		WantsMeeting: meeting,
		Address:      s.Address,
		CreatedAt:    time.Now(),
	}
}

// MessageStatus represents the delivery status of a message.
type MessageStatus string

const (
	// MessageStatusSent indicates the message was sent.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusDelivered indicates the message was delivered.
	MessageStatusDelivered MessageStatus = "delivered"
	// MessageStatusRead indicates the message was read.
	MessageStatusRead MessageStatus = "read"
	// MessageStatusFailed indicates the message failed to send.
	MessageStatusFailed MessageStatus = "failed"
)

// Receipt is a delivery/read receipt emitted by the messaging layer.
type Receipt struct {
	To     string        `json:"to"`
	Status MessageStatus `json:"status"`
	Time   int64         `json:"time"`
}

// Response represents an incoming message from a messaging-channel user.
// MessageID is the provider's message identifier when one exists; the
// messaging layer uses it to drop re-delivered turns.
type Response struct {
	From      string `json:"from"`
	Body      string `json:"body"`
	MessageID string `json:"message_id,omitempty"`
	Time      int64  `json:"time"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}
