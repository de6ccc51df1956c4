// Package store provides storage backends for FlowPipe.
//
// It persists flow graphs, sessions, contacts, execution traces and message logs, and
// provides the durable job, outbox and inbound dedup repositories used by the engine.
// SQLite, PostgreSQL and in-memory implementations are available.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// ErrActiveSessionExists is returned by CreateSession when the phone number already has an
// active session.
var ErrActiveSessionExists = errors.New("an active session already exists for this phone number")

// Store is the persistence contract the flow engine depends on.
// Lookups return (nil, nil) when the record does not exist.
type Store interface {
	GetFlow(ctx context.Context, flowID string) (*models.Flow, error)
	GetActiveFlowsByTrigger(ctx context.Context, trigger models.TriggerType) ([]models.Flow, error)
	GetNodes(ctx context.Context, flowID string) ([]models.Node, error)
	SaveFlow(ctx context.Context, flow models.Flow, nodes []models.Node) error

	GetActiveSession(ctx context.Context, phone string) (*models.Session, error)
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	CreateSession(ctx context.Context, session *models.Session) error
	UpdateSession(ctx context.Context, sessionID string, update models.SessionUpdate) error
	// EndSession moves an active session to a terminal status. Ending a session that is no
	// longer active is a no-op.
	EndSession(ctx context.Context, sessionID string, status models.SessionStatus, endedAt time.Time) error
	// ExpireStaleSessions ends every active session idle since before cutoff.
	ExpireStaleSessions(ctx context.Context, cutoff time.Time) (int, error)
	AppendExecutionTrace(ctx context.Context, sessionID string, entries ...models.TraceEntry) error

	GetOrCreateContact(ctx context.Context, phone, name string) (*models.Contact, error)
	UpdateContactAttributes(ctx context.Context, contactID string, attrs map[string]any) error
	UpdateContactTags(ctx context.Context, contactID string, tags []string) error
	TouchContact(ctx context.Context, contactID string, at time.Time) error

	LogError(ctx context.Context, entry models.ErrorLog) error
	LogMessage(ctx context.Context, entry *models.MessageLog) error
	UpdateMessageStatus(ctx context.Context, providerMessageID string, status models.MessageStatus) error

	Close() error
}

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string // database connection string or file path
}

// Option defines a functional option for configuring stores.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and "sqlite3"
// otherwise.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// Backend is a store that also provides durable jobs, the outbox and inbound dedup.
type Backend interface {
	Store
	JobRepo
	OutboxRepo
	DedupRepo
}

// Open returns the backend selected by dsn. An empty dsn yields an in-memory store.
func Open(dsn string) (Backend, error) {
	if dsn == "" {
		return NewInMemoryStore(), nil
	}
	if DetectDSNType(dsn) == "postgres" {
		pg, err := NewPostgresStore(WithPostgresDSN(dsn))
		if err != nil {
			return nil, err
		}
		return pg, nil
	}
	lite, err := NewSQLiteStore(WithSQLiteDSN(dsn))
	if err != nil {
		return nil, err
	}
	return lite, nil
}
