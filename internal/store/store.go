// Package store provides storage backends for IntakeFlow.
//
// It persists intake sessions (with optimistic concurrency), captured leads,
// inbound message deduplication records, a durable outbox for outgoing sends,
// and durable jobs. SQLite and PostgreSQL backends share one schema; an
// in-memory store backs tests.
package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/IntakeFlow/internal/models"
)

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return WithDSN(dsn)
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return WithDSN(dsn)
}

// DetectDSNType classifies a DSN as "postgres" or "sqlite" based on its shape.
// URL-style postgres DSNs and keyword DSNs (host=... dbname=...) select
// Postgres; anything else is treated as a SQLite file path.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	for _, kw := range []string{"host=", "dbname=", "user=", "sslmode="} {
		if strings.Contains(lower, kw) {
			return "postgres"
		}
	}
	return "sqlite"
}

// SessionRepo defines session persistence with optimistic concurrency.
// GetSession and GetLatestSessionByAddress return (nil, nil) when no record
// exists; callers decide whether absence is an error.
type SessionRepo interface {
	// CreateSession inserts a new session. Returns models.ErrSessionExists if
	// the ID is already present.
	CreateSession(s *models.Session) error

	// GetSession retrieves a session by ID.
	GetSession(id string) (*models.Session, error)

	// UpdateSession writes the session iff the stored version equals
	// expectedVersion, bumping Version and UpdatedAt on the passed struct.
	// Returns models.ErrVersionConflict when another writer got there first
	// and models.ErrSessionNotFound when the session vanished.
	UpdateSession(s *models.Session, expectedVersion int64) error

	// GetLatestSessionByAddress retrieves the most recently created session
	// bound to the given canonical messaging address.
	GetLatestSessionByAddress(address string) (*models.Session, error)

	// ListInProgressSessionsPastStep lists sessions still marked in_progress
	// whose step index is at or past the given index. Used by startup
	// recovery to repair sessions that exhausted the catalog without being
	// marked completed.
	ListInProgressSessionsPastStep(stepIndex int) ([]*models.Session, error)
}

// LeadRepo defines persistence for captured leads.
type LeadRepo interface {
	SaveLead(lead models.Lead) error
	ListLeads() ([]models.Lead, error)
}

// Store is the full persistence surface consumed by the application.
type Store interface {
	SessionRepo
	LeadRepo
	DedupRepo
	OutboxRepo
	JobRepo
	Close() error
}

// InMemoryStore is a mutex-guarded in-memory Store used by tests and local
// development. Sessions are stored as clones so callers cannot mutate stored
// state without going through UpdateSession.
type InMemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
	leads    []models.Lead
	dedup    map[string]*DedupRecord
	outbox   []*OutboxMessage
	jobs     []*Job
	seq      int64
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]*models.Session),
		dedup:    make(map[string]*DedupRecord),
	}
}

func (s *InMemoryStore) CreateSession(sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[sess.ID]; exists {
		return models.ErrSessionExists
	}
	now := time.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now
	if sess.Version == 0 {
		sess.Version = 1
	}
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

func (s *InMemoryStore) GetSession(id string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	return sess.Clone(), nil
}

func (s *InMemoryStore) UpdateSession(sess *models.Session, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.sessions[sess.ID]
	if !ok {
		return models.ErrSessionNotFound
	}
	if stored.Version != expectedVersion {
		return models.ErrVersionConflict
	}
	sess.Version = expectedVersion + 1
	sess.UpdatedAt = time.Now()
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

func (s *InMemoryStore) GetLatestSessionByAddress(address string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.Session
	for _, sess := range s.sessions {
		if sess.Address != address {
			continue
		}
		if latest == nil || sess.CreatedAt.After(latest.CreatedAt) {
			latest = sess
		}
	}
	return latest.Clone(), nil
}

func (s *InMemoryStore) ListInProgressSessionsPastStep(stepIndex int) ([]*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Session
	for _, sess := range s.sessions {
		if sess.Status == models.SessionStatusInProgress && sess.StepIndex >= stepIndex {
			out = append(out, sess.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) SaveLead(lead models.Lead) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lead.CreatedAt.IsZero() {
		lead.CreatedAt = time.Now()
	}
	s.leads = append(s.leads, lead)
	return nil
}

func (s *InMemoryStore) ListLeads() ([]models.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Lead, len(s.leads))
	copy(out, s.leads)
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
