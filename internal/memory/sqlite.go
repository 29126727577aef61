package memory

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteDatabase is an embedded relational backend for single-node deployments.
type SQLiteDatabase struct {
	db *sql.DB

	mu     sync.Mutex
	tables map[string]*SQLiteTable
}

type rowScanner interface {
	Scan(dest ...any) error
}

// OpenSQLiteDatabase opens (or creates) the database at path. A plain path gets a
// busy timeout and WAL journaling; a file: URI is passed to the driver untouched.
func OpenSQLiteDatabase(path string) (*SQLiteDatabase, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, configErrorf("sqlite path is empty")
	}
	dsn := path
	if !strings.HasPrefix(strings.ToLower(path), "file:") {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return &SQLiteDatabase{db: db, tables: make(map[string]*SQLiteTable)}, nil
}

func (d *SQLiteDatabase) Kind() string { return "sqlite" }

func (d *SQLiteDatabase) Table(ctx context.Context, name string) (Table, error) {
	if err := ValidateTableName(name); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.tables[name]; ok {
		return t, nil
	}
	t := &SQLiteTable{db: d.db, name: name, ident: `"` + name + `"`}
	if err := t.initSchema(ctx); err != nil {
		return nil, err
	}
	d.tables[name] = t
	return t, nil
}

func (d *SQLiteDatabase) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *SQLiteDatabase) Close() error {
	return d.db.Close()
}

// SQLiteTable mirrors PostgresTable on database/sql.
type SQLiteTable struct {
	db    *sql.DB
	name  string
	ident string
}

func (t *SQLiteTable) Name() string { return t.name }

func (t *SQLiteTable) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + t.ident + ` (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TEXT NOT NULL,
			UNIQUE (session_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS "` + t.name + `_session_seq_idx" ON ` + t.ident + ` (session_id, seq)`,
	}
	for _, stmt := range stmts {
		if _, err := t.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (t *SQLiteTable) Insert(ctx context.Context, sessionID string, rec Record, keep int) (InsertResult, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.SessionID = sessionID

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return InsertResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM `+t.ident+` WHERE session_id = ?`,
		sessionID,
	).Scan(&rec.Sequence); err != nil {
		return InsertResult{}, fmt.Errorf("next sequence: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO `+t.ident+` (id, session_id, seq, role, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.SessionID,
		rec.Sequence,
		string(rec.Role),
		rec.Content,
		timeToDB(rec.CreatedAt),
	)
	if err != nil {
		return InsertResult{}, fmt.Errorf("insert turn: %w", err)
	}

	var evicted []Record
	if keep > 0 {
		rows, err := tx.QueryContext(ctx,
			`DELETE FROM `+t.ident+`
			  WHERE session_id = ? AND seq NOT IN (
				SELECT seq FROM `+t.ident+` WHERE session_id = ? ORDER BY seq DESC LIMIT ?
			  )
			  RETURNING id, session_id, seq, role, content, created_at`,
			sessionID,
			sessionID,
			keep,
		)
		if err != nil {
			return InsertResult{}, fmt.Errorf("evict turns: %w", err)
		}
		evicted, err = collectSQLiteRecords(rows)
		if err != nil {
			return InsertResult{}, fmt.Errorf("evict turns: %w", err)
		}
		sort.Slice(evicted, func(i, j int) bool { return evicted[i].Sequence < evicted[j].Sequence })
	}

	if err := tx.Commit(); err != nil {
		return InsertResult{}, fmt.Errorf("commit tx: %w", err)
	}
	return InsertResult{Record: rec, Evicted: evicted}, nil
}

func (t *SQLiteTable) SelectWindow(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := t.db.QueryContext(ctx,
		`SELECT id, session_id, seq, role, content, created_at
		   FROM `+t.ident+` WHERE session_id = ? ORDER BY seq DESC LIMIT ?`,
		sessionID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query window: %w", err)
	}
	items, err := collectSQLiteRecords(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

func (t *SQLiteTable) DeleteAll(ctx context.Context, sessionID string) error {
	if _, err := t.db.ExecContext(ctx, `DELETE FROM `+t.ident+` WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete session turns: %w", err)
	}
	return nil
}

func (t *SQLiteTable) Count(ctx context.Context, sessionID string) (int, error) {
	var n int
	if err := t.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+t.ident+` WHERE session_id = ?`, sessionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count turns: %w", err)
	}
	return n, nil
}

func collectSQLiteRecords(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()
	items := make([]Record, 0)
	for rows.Next() {
		r, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}
	return items, nil
}

func scanSQLiteRecord(r rowScanner) (Record, error) {
	var (
		rec       Record
		role      string
		createdAt string
	)
	if err := r.Scan(&rec.ID, &rec.SessionID, &rec.Sequence, &role, &rec.Content, &createdAt); err != nil {
		return Record{}, fmt.Errorf("scan turn row: %w", err)
	}
	created, err := timeFromDB(createdAt)
	if err != nil {
		return Record{}, fmt.Errorf("scan turn row: %w", err)
	}
	rec.Role = Role(role)
	rec.CreatedAt = created
	return rec, nil
}

func timeToDB(v time.Time) string {
	return v.UTC().Format(time.RFC3339Nano)
}

func timeFromDB(v string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, v)
}
