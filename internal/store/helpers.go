package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/BTreeMap/IntakeFlow/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// marshalAnswers serializes session answers for the answers_json column.
// A nil slice marshals as an empty array so the column is never NULL.
func marshalAnswers(answers []models.Answer) (string, error) {
	if answers == nil {
		answers = []models.Answer{}
	}
	data, err := json.Marshal(answers)
	if err != nil {
		return "", fmt.Errorf("marshal answers failed: %w", err)
	}
	return string(data), nil
}

// unmarshalAnswers deserializes the answers_json column.
func unmarshalAnswers(data string) ([]models.Answer, error) {
	if data == "" {
		return nil, nil
	}
	var answers []models.Answer
	if err := json.Unmarshal([]byte(data), &answers); err != nil {
		return nil, fmt.Errorf("unmarshal answers failed: %w", err)
	}
	if len(answers) == 0 {
		return nil, nil
	}
	return answers, nil
}

// marshalHistory serializes post-handoff chat history for the history_json column.
func marshalHistory(history []models.ChatMessage) (string, error) {
	if len(history) == 0 {
		return "", nil
	}
	data, err := json.Marshal(history)
	if err != nil {
		return "", fmt.Errorf("marshal history failed: %w", err)
	}
	return string(data), nil
}

// unmarshalHistory deserializes the history_json column.
func unmarshalHistory(data string) ([]models.ChatMessage, error) {
	if data == "" {
		return nil, nil
	}
	var history []models.ChatMessage
	if err := json.Unmarshal([]byte(data), &history); err != nil {
		return nil, fmt.Errorf("unmarshal history failed: %w", err)
	}
	return history, nil
}

// sessionColumns is the canonical column order shared by scanSession and the
// SELECT statements in the SQLite and Postgres session repos.
const sessionColumns = `id, step_index, answers_json, status, address, history_json, version, created_at, updated_at`

// rowScanner abstracts sql.Row and sql.Rows for the scan helpers.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanSession scans a Session from a row in sessionColumns order.
func scanSession(row rowScanner) (*models.Session, error) {
	var s models.Session
	var answersJSON string
	var address, historyJSON sql.NullString
	var status string
	err := row.Scan(
		&s.ID, &s.StepIndex, &answersJSON, &status, &address, &historyJSON,
		&s.Version, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.Status = models.SessionStatus(status)
	s.Address = address.String
	answers, err := unmarshalAnswers(answersJSON)
	if err != nil {
		return nil, err
	}
	s.Answers = answers
	history, err := unmarshalHistory(historyJSON.String)
	if err != nil {
		return nil, err
	}
	s.History = history
	return &s, nil
}

// leadColumns is the canonical column order shared by scanLead and the
// SELECT statements in the SQLite and Postgres lead repos.
const leadColumns = `id, session_id, name, area_of_law, situation, wants_meeting, address, created_at`

// scanLead scans a Lead from a row in leadColumns order.
func scanLead(row rowScanner) (models.Lead, error) {
	var l models.Lead
	var areaOfLaw, situation, wantsMeeting, address sql.NullString
	err := row.Scan(
		&l.ID, &l.SessionID, &l.Name, &areaOfLaw, &situation, &wantsMeeting,
		&address, &l.CreatedAt,
	)
	if err != nil {
		return l, err
	}
	l.AreaOfLaw = areaOfLaw.String
	l.Situation = situation.String
	l.WantsMeeting = wantsMeeting.String
	l.Address = address.String
	return l, nil
}

// scanJob scans a Job from sql.Rows.
func scanJob(rows *sql.Rows) (Job, error) {
	var j Job
	var payloadJSON, lastError, dedupeKey sql.NullString
	var lockedAt sql.NullTime
	err := rows.Scan(
		&j.ID, &j.Kind, &j.RunAt, &payloadJSON, &j.Status, &j.Attempt, &j.MaxAttempts,
		&lastError, &lockedAt, &dedupeKey, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return j, fmt.Errorf("scan job failed: %w", err)
	}
	j.PayloadJSON = payloadJSON.String
	j.LastError = lastError.String
	j.DedupeKey = dedupeKey.String
	if lockedAt.Valid {
		j.LockedAt = &lockedAt.Time
	}
	return j, nil
}

// scanJobRow scans a Job from a single sql.Row.
func scanJobRow(row *sql.Row) (Job, error) {
	var j Job
	var payloadJSON, lastError, dedupeKey sql.NullString
	var lockedAt sql.NullTime
	err := row.Scan(
		&j.ID, &j.Kind, &j.RunAt, &payloadJSON, &j.Status, &j.Attempt, &j.MaxAttempts,
		&lastError, &lockedAt, &dedupeKey, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return j, err
	}
	j.PayloadJSON = payloadJSON.String
	j.LastError = lastError.String
	j.DedupeKey = dedupeKey.String
	if lockedAt.Valid {
		j.LockedAt = &lockedAt.Time
	}
	return j, nil
}

// scanOutboxMessage scans an OutboxMessage from sql.Rows.
func scanOutboxMessage(rows *sql.Rows) (OutboxMessage, error) {
	var m OutboxMessage
	var payloadJSON, dedupeKey, lastError sql.NullString
	var nextAttemptAt, lockedAt sql.NullTime
	err := rows.Scan(
		&m.ID, &m.Address, &m.Kind, &payloadJSON, &m.Status, &m.Attempts,
		&nextAttemptAt, &dedupeKey, &lockedAt, &lastError, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, fmt.Errorf("scan outbox message failed: %w", err)
	}
	m.PayloadJSON = payloadJSON.String
	m.DedupeKey = dedupeKey.String
	m.LastError = lastError.String
	if nextAttemptAt.Valid {
		m.NextAttemptAt = &nextAttemptAt.Time
	}
	if lockedAt.Valid {
		m.LockedAt = &lockedAt.Time
	}
	return m, nil
}
