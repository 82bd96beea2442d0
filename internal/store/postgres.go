// Package store provides storage backends for IntakeFlow.
//
// This file implements a PostgreSQL-backed store for sessions and leads.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/IntakeFlow/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	// Determine DSN (required)
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	slog.Debug("Opening Postgres database connection")
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}
	slog.Debug("Postgres database opened")

	// Configure connection pool for better performance
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}
	slog.Debug("Postgres ping successful")
	// Run migrations to ensure tables exist
	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) CreateSession(sess *models.Session) error {
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
		`INSERT INTO sessions (id, step_index, answers_json, status, address, history_json, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO NOTHING`,
		sess.ID, sess.StepIndex, answersJSON, sess.Status, nilIfEmpty(sess.Address),
		nilIfEmpty(historyJSON), sess.Version, sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore CreateSession failed", "error", err, "sessionID", sess.ID)
		return fmt.Errorf("failed to insert session %s: %w", sess.ID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check session insert result: %w", err)
	}
	if n == 0 {
		slog.Debug("PostgresStore CreateSession duplicate ID", "sessionID", sess.ID)
		return models.ErrSessionExists
	}
	slog.Debug("PostgresStore CreateSession succeeded", "sessionID", sess.ID)
	return nil
}

func (s *PostgresStore) GetSession(id string) (*models.Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore GetSession not found", "sessionID", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetSession failed", "error", err, "sessionID", id)
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	return sess, nil
}

// UpdateSession performs a compare-and-swap write: the row is updated only when
// its stored version still equals expectedVersion. On success the passed
// struct's Version and UpdatedAt are advanced to the stored values.
func (s *PostgresStore) UpdateSession(sess *models.Session, expectedVersion int64) error {
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
		`UPDATE sessions SET step_index = $1, answers_json = $2, status = $3, address = $4, history_json = $5, version = $6, updated_at = $7
		 WHERE id = $8 AND version = $9`,
		sess.StepIndex, answersJSON, sess.Status, nilIfEmpty(sess.Address), nilIfEmpty(historyJSON),
		newVersion, now, sess.ID, expectedVersion,
	)
	if err != nil {
		slog.Error("PostgresStore UpdateSession failed", "error", err, "sessionID", sess.ID)
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
		err := s.db.QueryRow(`SELECT version FROM sessions WHERE id = $1`, sess.ID).Scan(&cur)
		if err == sql.ErrNoRows {
			return models.ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to check session version for %s: %w", sess.ID, err)
		}
		slog.Debug("PostgresStore UpdateSession version conflict", "sessionID", sess.ID, "expected", expectedVersion, "stored", cur)
		return models.ErrVersionConflict
	}

	sess.Version = newVersion
	sess.UpdatedAt = now
	slog.Debug("PostgresStore UpdateSession succeeded", "sessionID", sess.ID, "version", newVersion)
	return nil
}

func (s *PostgresStore) GetLatestSessionByAddress(address string) (*models.Session, error) {
	row := s.db.QueryRow(
		`SELECT `+sessionColumns+` FROM sessions WHERE address = $1 ORDER BY created_at DESC LIMIT 1`,
		address,
	)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore GetLatestSessionByAddress not found", "address", address)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetLatestSessionByAddress failed", "error", err, "address", address)
		return nil, fmt.Errorf("failed to get session for address %s: %w", address, err)
	}
	return sess, nil
}

func (s *PostgresStore) ListInProgressSessionsPastStep(stepIndex int) ([]*models.Session, error) {
	rows, err := s.db.Query(
		`SELECT `+sessionColumns+` FROM sessions WHERE status = $1 AND step_index >= $2 ORDER BY created_at ASC`,
		models.SessionStatusInProgress, stepIndex,
	)
	if err != nil {
		slog.Error("PostgresStore ListInProgressSessionsPastStep query failed", "error", err)
		return nil, fmt.Errorf("failed to query in-progress sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			slog.Error("PostgresStore ListInProgressSessionsPastStep scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session rows: %w", err)
	}
	return sessions, nil
}

func (s *PostgresStore) SaveLead(lead models.Lead) error {
	if lead.CreatedAt.IsZero() {
		lead.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO leads (id, session_id, name, area_of_law, situation, wants_meeting, address, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		lead.ID, lead.SessionID, lead.Name, nilIfEmpty(lead.AreaOfLaw), nilIfEmpty(lead.Situation),
		nilIfEmpty(lead.WantsMeeting), nilIfEmpty(lead.Address), lead.CreatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore SaveLead failed", "error", err, "leadID", lead.ID)
		return fmt.Errorf("failed to insert lead %s: %w", lead.ID, err)
	}
	slog.Debug("PostgresStore SaveLead succeeded", "leadID", lead.ID, "sessionID", lead.SessionID)
	return nil
}

func (s *PostgresStore) ListLeads() ([]models.Lead, error) {
	rows, err := s.db.Query(`SELECT ` + leadColumns + ` FROM leads ORDER BY created_at DESC`)
	if err != nil {
		slog.Error("PostgresStore ListLeads query failed", "error", err)
		return nil, fmt.Errorf("failed to query leads: %w", err)
	}
	defer rows.Close()

	var leads []models.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			slog.Error("PostgresStore ListLeads scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan lead row: %w", err)
		}
		leads = append(leads, l)
	}
	if err := rows.Err(); err != nil {
		slog.Error("PostgresStore ListLeads rows iteration failed", "error", err)
		return nil, fmt.Errorf("failed to iterate lead rows: %w", err)
	}
	slog.Debug("PostgresStore ListLeads succeeded", "count", len(leads))
	return leads, nil
}

// ClearSessions deletes all records in sessions table (for tests).
func (s *PostgresStore) ClearSessions() error {
	_, err := s.db.Exec("DELETE FROM sessions")
	if err != nil {
		slog.Error("PostgresStore ClearSessions failed", "error", err)
		return err
	}
	slog.Debug("PostgresStore ClearSessions succeeded")
	return nil
}

// ClearLeads deletes all records in leads table (for tests).
func (s *PostgresStore) ClearLeads() error {
	_, err := s.db.Exec("DELETE FROM leads")
	if err != nil {
		slog.Error("PostgresStore ClearLeads failed", "error", err)
		return err
	}
	slog.Debug("PostgresStore ClearLeads succeeded")
	return nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close PostgreSQL database", "error", err)
	} else {
		slog.Debug("PostgreSQL database connection closed successfully")
	}
	return err
}
