package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDatabase persists conversational memory in PostgreSQL.
type PostgresDatabase struct {
	pool *pgxpool.Pool

	mu     sync.Mutex
	tables map[string]*PostgresTable
}

func NewPostgresDatabase(ctx context.Context, databaseURL string) (*PostgresDatabase, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresDatabase{pool: pool, tables: make(map[string]*PostgresTable)}, nil
}

func (d *PostgresDatabase) Kind() string { return "postgres" }

func (d *PostgresDatabase) Table(ctx context.Context, name string) (Table, error) {
	if err := ValidateTableName(name); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.tables[name]; ok {
		return t, nil
	}
	t := &PostgresTable{
		pool:  d.pool,
		name:  name,
		ident: pgx.Identifier{name}.Sanitize(),
	}
	if err := t.initSchema(ctx); err != nil {
		return nil, err
	}
	d.tables[name] = t
	return t, nil
}

func (d *PostgresDatabase) Ping(ctx context.Context) error {
	return d.pool.Ping(ctx)
}

func (d *PostgresDatabase) Close() error {
	d.pool.Close()
	return nil
}

// PostgresTable stores turns in a single table keyed by (session_id, seq).
type PostgresTable struct {
	pool  *pgxpool.Pool
	name  string
	ident string
}

func (t *PostgresTable) Name() string { return t.name }

func (t *PostgresTable) initSchema(ctx context.Context) error {
	index := pgx.Identifier{t.name + "_session_seq_idx"}.Sanitize()
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + t.ident + ` (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (session_id, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS ` + index + ` ON ` + t.ident + ` (session_id, seq DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := t.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (t *PostgresTable) Insert(ctx context.Context, sessionID string, rec Record, keep int) (InsertResult, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.SessionID = sessionID

	tx, err := t.pool.Begin(ctx)
	if err != nil {
		return InsertResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serializes writers of one session across processes until commit.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, t.name+"/"+sessionID); err != nil {
		return InsertResult{}, fmt.Errorf("lock session: %w", err)
	}

	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM `+t.ident+` WHERE session_id=$1`,
		sessionID,
	).Scan(&rec.Sequence); err != nil {
		return InsertResult{}, fmt.Errorf("next sequence: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO `+t.ident+` (id, session_id, seq, role, content, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID,
		rec.SessionID,
		rec.Sequence,
		string(rec.Role),
		rec.Content,
		rec.CreatedAt,
	)
	if err != nil {
		return InsertResult{}, fmt.Errorf("insert turn: %w", err)
	}

	var evicted []Record
	if keep > 0 {
		rows, err := tx.Query(ctx,
			`DELETE FROM `+t.ident+`
			  WHERE session_id=$1 AND seq NOT IN (
				SELECT seq FROM `+t.ident+` WHERE session_id=$1 ORDER BY seq DESC LIMIT $2
			  )
			  RETURNING id, session_id, seq, role, content, created_at`,
			sessionID,
			keep,
		)
		if err != nil {
			return InsertResult{}, fmt.Errorf("evict turns: %w", err)
		}
		evicted, err = collectPostgresRecords(rows)
		if err != nil {
			return InsertResult{}, fmt.Errorf("evict turns: %w", err)
		}
		sort.Slice(evicted, func(i, j int) bool { return evicted[i].Sequence < evicted[j].Sequence })
	}

	if err := tx.Commit(ctx); err != nil {
		return InsertResult{}, fmt.Errorf("commit tx: %w", err)
	}
	return InsertResult{Record: rec, Evicted: evicted}, nil
}

func (t *PostgresTable) SelectWindow(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	rows, err := t.pool.Query(ctx,
		`SELECT id, session_id, seq, role, content, created_at
		   FROM `+t.ident+` WHERE session_id=$1 ORDER BY seq DESC LIMIT $2`,
		sessionID,
		limitArg,
	)
	if err != nil {
		return nil, fmt.Errorf("query window: %w", err)
	}
	items, err := collectPostgresRecords(rows)
	if err != nil {
		return nil, err
	}

	// Reverse into chronological order for prompt coherence.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

func (t *PostgresTable) DeleteAll(ctx context.Context, sessionID string) error {
	if _, err := t.pool.Exec(ctx, `DELETE FROM `+t.ident+` WHERE session_id=$1`, sessionID); err != nil {
		return fmt.Errorf("delete session turns: %w", err)
	}
	return nil
}

func (t *PostgresTable) Count(ctx context.Context, sessionID string) (int, error) {
	var n int
	if err := t.pool.QueryRow(ctx, `SELECT COUNT(*) FROM `+t.ident+` WHERE session_id=$1`, sessionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count turns: %w", err)
	}
	return n, nil
}

func collectPostgresRecords(rows pgx.Rows) ([]Record, error) {
	defer rows.Close()
	items := make([]Record, 0)
	for rows.Next() {
		var (
			r    Record
			role string
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Sequence, &role, &r.Content, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		r.Role = Role(role)
		r.CreatedAt = r.CreatedAt.UTC()
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}
	return items, nil
}
