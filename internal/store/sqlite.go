// Package store provides storage backends for IntakeFlow.
//
// This file implements an SQLite-backed store for sessions and leads.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/IntakeFlow/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	// Determine DSN (required)
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the directory exists
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	slog.Debug("SQLite database directory verified/created", "dir", dir)

	slog.Debug("Opening SQLite database connection")
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	slog.Debug("SQLite database opened")

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}
	slog.Debug("SQLite ping successful")

	// Run migrations to ensure tables exist
	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) CreateSession(sess *models.Session) error {
	now := time.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now
	if sess.Version == 0 {
		sess.Version = 1
	}

	answersJSON, err := marshalAnswers(sess.Answers)
	if err != nil {
		return err
	}
	historyJSON, err := marshalHistory(sess.History)
	if err != nil {
		return err
	}

	result, err := s.db.Exec(
		`INSERT OR IGNORE INTO sessions (id, step_index, answers_json, status, address, history_json, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.StepIndex, answersJSON, sess.Status, nilIfEmpty(sess.Address),
		nilIfEmpty(historyJSON), sess.Version, sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore CreateSession failed", "error", err, "sessionID", sess.ID)
		return fmt.Errorf("failed to insert session %s: %w", sess.ID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check session insert result: %w", err)
	}
	if n == 0 {
		slog.Debug("SQLiteStore CreateSession duplicate ID", "sessionID", sess.ID)
		return models.ErrSessionExists
	}
	slog.Debug("SQLiteStore CreateSession succeeded", "sessionID", sess.ID)
	return nil
}

func (s *SQLiteStore) GetSession(id string) (*models.Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore GetSession not found", "sessionID", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetSession failed", "error", err, "sessionID", id)
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	return sess, nil
}

// UpdateSession performs a compare-and-swap write: the row is updated only when
// its stored version still equals expectedVersion. On success the passed
// struct's Version and UpdatedAt are advanced to the stored values.
func (s *SQLiteStore) UpdateSession(sess *models.Session, expectedVersion int64) error {
	now := time.Now()
	answersJSON, err := marshalAnswers(sess.Answers)
	if err != nil {
		return err
	}
	historyJSON, err := marshalHistory(sess.History)
	if err != nil {
		return err
	}

	newVersion := expectedVersion + 1
	result, err := s.db.Exec(
		`UPDATE sessions SET step_index = ?, answers_json = ?, status = ?, address = ?, history_json = ?, version = ?, updated_at = ?
		 WHERE id = ? AND version = ?`,
		sess.StepIndex, answersJSON, sess.Status, nilIfEmpty(sess.Address), nilIfEmpty(historyJSON),
		newVersion, now, sess.ID, expectedVersion,
	)
	if err != nil {
		slog.Error("SQLiteStore UpdateSession failed", "error", err, "sessionID", sess.ID)
		return fmt.Errorf("failed to update session %s: %w", sess.ID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check session update result: %w", err)
	}
	if n == 0 {
		// Nothing matched: either the session is gone or another writer bumped
		// the version first.
		var cur int64
		err := s.db.QueryRow(`SELECT version FROM sessions WHERE id = ?`, sess.ID).Scan(&cur)
		if err == sql.ErrNoRows {
			return models.ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to check session version for %s: %w", sess.ID, err)
		}
		slog.Debug("SQLiteStore UpdateSession version conflict", "sessionID", sess.ID, "expected", expectedVersion, "stored", cur)
		return models.ErrVersionConflict
	}

	sess.Version = newVersion
	sess.UpdatedAt = now
	slog.Debug("SQLiteStore UpdateSession succeeded", "sessionID", sess.ID, "version", newVersion)
	return nil
}

func (s *SQLiteStore) GetLatestSessionByAddress(address string) (*models.Session, error) {
	row := s.db.QueryRow(
		`SELECT `+sessionColumns+` FROM sessions WHERE address = ? ORDER BY created_at DESC LIMIT 1`,
		address,
	)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore GetLatestSessionByAddress not found", "address", address)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetLatestSessionByAddress failed", "error", err, "address", address)
		return nil, fmt.Errorf("failed to get session for address %s: %w", address, err)
	}
	return sess, nil
}

func (s *SQLiteStore) ListInProgressSessionsPastStep(stepIndex int) ([]*models.Session, error) {
	rows, err := s.db.Query(
		`SELECT `+sessionColumns+` FROM sessions WHERE status = ? AND step_index >= ? ORDER BY created_at ASC`,
		models.SessionStatusInProgress, stepIndex,
	)
	if err != nil {
		slog.Error("SQLiteStore ListInProgressSessionsPastStep query failed", "error", err)
		return nil, fmt.Errorf("failed to query in-progress sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			slog.Error("SQLiteStore ListInProgressSessionsPastStep scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session rows: %w", err)
	}
	return sessions, nil
}

func (s *SQLiteStore) SaveLead(lead models.Lead) error {
	if lead.CreatedAt.IsZero() {
		lead.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO leads (id, session_id, name, area_of_law, situation, wants_meeting, address, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		lead.ID, lead.SessionID, lead.Name, nilIfEmpty(lead.AreaOfLaw), nilIfEmpty(lead.Situation),
		nilIfEmpty(lead.WantsMeeting), nilIfEmpty(lead.Address), lead.CreatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore SaveLead failed", "error", err, "leadID", lead.ID)
		return fmt.Errorf("failed to insert lead %s: %w", lead.ID, err)
	}
	slog.Debug("SQLiteStore SaveLead succeeded", "leadID", lead.ID, "sessionID", lead.SessionID)
	return nil
}

func (s *SQLiteStore) ListLeads() ([]models.Lead, error) {
	rows, err := s.db.Query(`SELECT ` + leadColumns + ` FROM leads ORDER BY created_at DESC`)
	if err != nil {
		slog.Error("SQLiteStore ListLeads query failed", "error", err)
		return nil, fmt.Errorf("failed to query leads: %w", err)
	}
	defer rows.Close()

	var leads []models.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			slog.Error("SQLiteStore ListLeads scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan lead row: %w", err)
		}
		leads = append(leads, l)
	}
	if err := rows.Err(); err != nil {
		slog.Error("SQLiteStore ListLeads rows iteration failed", "error", err)
		return nil, fmt.Errorf("failed to iterate lead rows: %w", err)
	}
	slog.Debug("SQLiteStore ListLeads succeeded", "count", len(leads))
	return leads, nil
}

// ClearSessions deletes all records in sessions table (for tests).
func (s *SQLiteStore) ClearSessions() error {
	_, err := s.db.Exec("DELETE FROM sessions")
	if err != nil {
		slog.Error("SQLiteStore ClearSessions failed", "error", err)
		return err
	}
	slog.Debug("SQLiteStore ClearSessions succeeded")
	return nil
}

// ClearLeads deletes all records in leads table (for tests).
func (s *SQLiteStore) ClearLeads() error {
	_, err := s.db.Exec("DELETE FROM leads")
	if err != nil {
		slog.Error("SQLiteStore ClearLeads failed", "error", err)
		return err
	}
	slog.Debug("SQLiteStore ClearLeads succeeded")
	return nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	} else {
		slog.Debug("SQLite database connection closed successfully")
	}
	return err
}
