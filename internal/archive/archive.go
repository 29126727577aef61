package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/ent0n29/convmem/internal/memory"
)

var ErrClosed = errors.New("archive is closed")

// Archive is a bbolt file holding records evicted by the retention bound.
// Each table gets its own bucket; keys sort by session, then sequence.
type Archive struct {
	db *bolt.DB
}

// Open creates the parent directory if needed and opens path.
func Open(path string) (*Archive, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("archive path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", path, err)
	}
	return &Archive{db: db}, nil
}

func (a *Archive) Path() string {
	if a == nil || a.db == nil {
		return ""
	}
	return a.db.Path()
}

func (a *Archive) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}

// Archive stores records under table. Records already present are overwritten.
func (a *Archive) Archive(ctx context.Context, table, sessionID string, records []memory.Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if a == nil || a.db == nil {
		return ErrClosed
	}
	return a.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(table))
		if err != nil {
			return err
		}
		for _, rec := range records {
			enc, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := b.Put(recordKey(sessionID, rec), enc); err != nil {
				return err
			}
		}
		return nil
	})
}

// List returns the archived records of a session ordered by sequence.
func (a *Archive) List(table, sessionID string) ([]memory.Record, error) {
	if a == nil || a.db == nil {
		return nil, ErrClosed
	}
	out := make([]memory.Record, 0)
	prefix := sessionPrefix(sessionID)
	err := a.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(table))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var rec memory.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				// Skip malformed entries instead of failing the whole listing.
				continue
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Purge removes every archived record of a session.
func (a *Archive) Purge(table, sessionID string) error {
	if a == nil || a.db == nil {
		return ErrClosed
	}
	prefix := sessionPrefix(sessionID)
	return a.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(table))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); {
			if err := c.Delete(); err != nil {
				return err
			}
			k, _ = c.Seek(prefix)
		}
		return nil
	})
}

func sessionPrefix(sessionID string) []byte {
	return []byte(sessionID + "\x00")
}

// recordKey orders by sequence; the id suffix keeps records apart when a cleared
// session reuses sequence numbers.
func recordKey(sessionID string, rec memory.Record) []byte {
	return []byte(fmt.Sprintf("%s\x00%020d\x00%s", sessionID, rec.Sequence, rec.ID))
}
