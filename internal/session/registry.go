package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/convmem/internal/memory"
	"github.com/ent0n29/convmem/internal/observability"
)

var ErrNotFound = errors.New("session not found")

const DefaultInactivityTimeout = 15 * time.Minute

// Info describes an open session handle. It is diagnostics data for internal callers.
type Info struct {
	SessionID       string    `json:"session_id"`
	OpenedAt        time.Time `json:"opened_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
}

type entry struct {
	store          *memory.Store
	openedAt       time.Time
	lastActivityAt time.Time
}

// Option customizes a Registry.
type Option func(*Registry)

func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithMetrics(m *observability.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithArchive hands evicted turns of every session to a.
func WithArchive(a memory.EvictionArchive) Option {
	return func(r *Registry) { r.archive = a }
}

func WithClassifier(c memory.Classifier) Option {
	return func(r *Registry) { r.classifier = c }
}

// Registry lazily opens one Store per session over a shared database. Dropping an idle
// handle never deletes persisted turns; the next Store call reopens the session.
type Registry struct {
	mu                sync.RWMutex
	entries           map[string]*entry
	db                memory.Database
	locks             *memory.Locks
	defaults          memory.StoreConfig
	inactivityTimeout time.Duration
	onExpire          func(sessionID string)

	archive    memory.EvictionArchive
	classifier memory.Classifier
	logger     *zap.Logger
	metrics    *observability.Metrics
	now        func() time.Time
}

// NewRegistry validates defaults and prepares their table in db.
// defaults.SessionID is ignored.
func NewRegistry(ctx context.Context, db memory.Database, defaults memory.StoreConfig, inactivityTimeout time.Duration, opts ...Option) (*Registry, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: database is nil", memory.ErrConfiguration)
	}
	if inactivityTimeout <= 0 {
		inactivityTimeout = DefaultInactivityTimeout
	}
	probe := defaults
	probe.SessionID = "registry"
	if err := probe.Validate(); err != nil {
		return nil, err
	}
	if _, err := db.Table(ctx, defaults.Target); err != nil {
		return nil, fmt.Errorf("prepare table %s: %w", defaults.Target, err)
	}

	r := &Registry{
		entries:           make(map[string]*entry),
		db:                db,
		locks:             memory.NewLocks(),
		defaults:          defaults,
		inactivityTimeout: inactivityTimeout,
		logger:            zap.NewNop(),
		now:               func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Registry) SetExpireHook(hook func(sessionID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExpire = hook
}

func (r *Registry) Defaults() memory.StoreConfig { return r.defaults }

// Store returns the open store for sessionID, opening it on first use, and marks the
// session active.
func (r *Registry) Store(ctx context.Context, sessionID string) (*memory.Store, error) {
	sessionID = strings.TrimSpace(sessionID)
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[sessionID]; ok {
		e.lastActivityAt = now
		return e.store, nil
	}

	cfg := r.defaults
	cfg.SessionID = sessionID
	opts := []memory.StoreOption{
		memory.WithLocks(r.locks),
		memory.WithLogger(r.logger),
		memory.WithMetrics(r.metrics),
		memory.WithClassifier(r.classifier),
	}
	if r.archive != nil {
		opts = append(opts, memory.WithArchive(r.archive))
	}
	store, err := memory.NewStore(ctx, r.db, cfg, opts...)
	if err != nil {
		return nil, err
	}
	r.entries[sessionID] = &entry{store: store, openedAt: now, lastActivityAt: now}
	if r.metrics != nil {
		r.metrics.ActiveSessions.Inc()
		r.metrics.SessionEvents.WithLabelValues("opened").Inc()
	}
	r.logger.Debug("session opened", zap.String("session_id", sessionID))
	return store, nil
}

// Lookup returns an already open store without opening one.
func (r *Registry) Lookup(sessionID string) (*memory.Store, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[strings.TrimSpace(sessionID)]
	if !ok {
		return nil, ErrNotFound
	}
	return e.store, nil
}

func (r *Registry) Get(sessionID string) (Info, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id := strings.TrimSpace(sessionID)
	e, ok := r.entries[id]
	if !ok {
		return Info{}, ErrNotFound
	}
	return r.info(id, e), nil
}

func (r *Registry) Touch(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[strings.TrimSpace(sessionID)]
	if !ok {
		return ErrNotFound
	}
	e.lastActivityAt = r.now()
	return nil
}

// Clear deletes every persisted turn of the session and drops its handle.
func (r *Registry) Clear(ctx context.Context, sessionID string) error {
	store, err := r.Store(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := store.Clear(ctx); err != nil {
		return err
	}
	r.Close(sessionID)
	return nil
}

// Close drops the handle of an open session. Persisted turns are kept.
func (r *Registry) Close(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := strings.TrimSpace(sessionID)
	if _, ok := r.entries[id]; !ok {
		return false
	}
	delete(r.entries, id)
	if r.metrics != nil {
		r.metrics.ActiveSessions.Dec()
		r.metrics.SessionEvents.WithLabelValues("closed").Inc()
	}
	return true
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Sessions lists open handles ordered by session id.
func (r *Registry) Sessions() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.entries))
	for id, e := range r.entries {
		out = append(out, r.info(id, e))
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Ready reports whether the backing database answers.
func (r *Registry) Ready(ctx context.Context) error {
	return r.db.Ping(ctx)
}

func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.expireInactive()
			}
		}
	}()
}

func (r *Registry) expireInactive() {
	now := r.now()
	var expired []string

	r.mu.Lock()
	for id, e := range r.entries {
		if now.Sub(e.lastActivityAt) < r.inactivityTimeout {
			continue
		}
		delete(r.entries, id)
		expired = append(expired, id)
	}
	hook := r.onExpire
	r.mu.Unlock()

	if len(expired) == 0 {
		return
	}
	if r.metrics != nil {
		r.metrics.ActiveSessions.Sub(float64(len(expired)))
		r.metrics.SessionEvents.WithLabelValues("expired").Add(float64(len(expired)))
	}
	r.logger.Debug("idle sessions released", zap.Int("count", len(expired)))
	if hook != nil {
		for _, id := range expired {
			hook(id)
		}
	}
}

func (r *Registry) info(id string, e *entry) Info {
	return Info{
		SessionID:       id,
		OpenedAt:        e.openedAt,
		LastActivityAt:  e.lastActivityAt,
		InactivityTTLMS: r.inactivityTimeout.Milliseconds(),
	}
}
