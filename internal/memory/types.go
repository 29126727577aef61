package memory

import (
	"context"
	"time"
)

// Role identifies who produced a conversational turn.
type Role string

const (
	RoleHuman Role = "human"
	RoleAgent Role = "agent"
)

// Valid reports whether r is one of the roles a store accepts.
func (r Role) Valid() bool {
	return r == RoleHuman || r == RoleAgent
}

// Record is a single persisted turn. Sequence is assigned by the table on insert.
type Record struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Sequence  int64     `json:"sequence"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is the prompt-construction view of a turn. It carries no metadata.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// TimedMessage pairs a turn with its bookkeeping metadata.
// It is meant for in-process analytics and must not be sent to clients.
type TimedMessage struct {
	Message   Message   `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Sequence  int64     `json:"sequence"`
}

// SessionInfo is a diagnostics snapshot of a store.
type SessionInfo struct {
	SessionID         string `json:"session_id"`
	MaxMessages       int    `json:"max_messages"`
	CurrentCount      int    `json:"current_count"`
	PersistenceTarget string `json:"persistence_target"`
}

// InsertResult reports the stored record and any rows evicted by the same transaction.
type InsertResult struct {
	Record  Record
	Evicted []Record
}

// Table is a persistence target holding the turns of many sessions.
// Implementations must be safe for concurrent use.
type Table interface {
	Name() string
	// Insert stores rec with the next sequence number for the session and, in the
	// same transaction, deletes all but the newest keep records of that session.
	Insert(ctx context.Context, sessionID string, rec Record, keep int) (InsertResult, error)
	// SelectWindow returns up to limit newest records in chronological order.
	SelectWindow(ctx context.Context, sessionID string, limit int) ([]Record, error)
	DeleteAll(ctx context.Context, sessionID string) error
	Count(ctx context.Context, sessionID string) (int, error)
}

// Database hands out tables, creating their schema on first use.
type Database interface {
	Kind() string
	Table(ctx context.Context, name string) (Table, error)
	Ping(ctx context.Context) error
	Close() error
}

// EvictionArchive receives records removed by the retention bound.
type EvictionArchive interface {
	Archive(ctx context.Context, table, sessionID string, records []Record) error
}
