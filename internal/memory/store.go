package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/convmem/internal/observability"
)

// StoreConfig carries the per-session settings of a Store.
type StoreConfig struct {
	SessionID           string
	Target              string
	MaxMessages         int
	ConfusionThreshold  int
	ConfusionWindowSize int
	// LongPauseThreshold <= 0 disables pause detection in ConversationMetrics.
	LongPauseThreshold time.Duration
	// OpTimeout bounds each persistence call on top of the caller context. Zero means no bound.
	OpTimeout time.Duration
}

// StoreOption customizes a Store.
type StoreOption func(*Store)

// WithLocks shares per-session locks between stores of one process.
func WithLocks(l *Locks) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.locks = l
		}
	}
}

// WithClassifier replaces the default phrase classifier used for confusion detection.
func WithClassifier(c Classifier) StoreOption {
	return func(s *Store) {
		if c != nil {
			s.classifier = c
		}
	}
}

// WithArchive keeps a copy of every evicted record.
func WithArchive(a EvictionArchive) StoreOption {
	return func(s *Store) { s.archive = a }
}

// WithLogger sets the logger; the store adds session and table fields.
func WithLogger(l *zap.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics reports op latencies and persistence errors. Nil disables reporting.
func WithMetrics(m *observability.Metrics) StoreOption {
	return func(s *Store) { s.metrics = m }
}

// WithClock overrides the clock that stamps records left without CreatedAt.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Store is the bounded conversation memory of one session. Appends and clears on a
// session are serialized; reads run concurrently and may race slightly ahead of a
// concurrent append.
type Store struct {
	cfg        StoreConfig
	table      Table
	locks      *Locks
	classifier Classifier
	archive    EvictionArchive
	logger     *zap.Logger
	metrics    *observability.Metrics
	now        func() time.Time
}

// NewStore validates cfg and binds the store to cfg.Target in db.
func NewStore(ctx context.Context, db Database, cfg StoreConfig, opts ...StoreOption) (*Store, error) {
	cfg, err := normalizeStoreConfig(cfg)
	if err != nil {
		return nil, err
	}
	if db == nil {
		return nil, configErrorf("database is nil")
	}
	table, err := db.Table(ctx, cfg.Target)
	if err != nil {
		if errors.Is(err, ErrConfiguration) {
			return nil, err
		}
		return nil, &PersistenceError{Op: "open_table", SessionID: cfg.SessionID, Err: err}
	}

	s := &Store{
		cfg:        cfg,
		table:      table,
		locks:      NewLocks(),
		classifier: NewPhraseClassifier(DefaultUncertaintyPhrases),
		logger:     zap.NewNop(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("session_id", cfg.SessionID), zap.String("table", cfg.Target))
	s.metrics.SetOpBudget(cfg.OpTimeout)
	return s, nil
}

// Validate checks cfg the way NewStore does, without touching a database.
func (c StoreConfig) Validate() error {
	_, err := normalizeStoreConfig(c)
	return err
}

func normalizeStoreConfig(cfg StoreConfig) (StoreConfig, error) {
	cfg.SessionID = strings.TrimSpace(cfg.SessionID)
	if cfg.SessionID == "" {
		return cfg, configErrorf("session id is required")
	}
	if err := ValidateTableName(cfg.Target); err != nil {
		return cfg, err
	}
	if cfg.MaxMessages <= 0 {
		return cfg, configErrorf("max messages must be positive, got %d", cfg.MaxMessages)
	}
	if cfg.ConfusionThreshold == 0 {
		cfg.ConfusionThreshold = DefaultConfusionThreshold
	}
	if cfg.ConfusionWindowSize == 0 {
		cfg.ConfusionWindowSize = DefaultConfusionWindowSize
	}
	if cfg.ConfusionThreshold < 0 {
		return cfg, configErrorf("confusion threshold must be positive, got %d", cfg.ConfusionThreshold)
	}
	if cfg.ConfusionWindowSize < 0 {
		return cfg, configErrorf("confusion window size must be positive, got %d", cfg.ConfusionWindowSize)
	}
	if cfg.ConfusionWindowSize < cfg.ConfusionThreshold {
		return cfg, configErrorf("confusion window size %d is smaller than threshold %d", cfg.ConfusionWindowSize, cfg.ConfusionThreshold)
	}
	if cfg.OpTimeout < 0 {
		return cfg, configErrorf("op timeout must not be negative")
	}
	return cfg, nil
}

func (s *Store) SessionID() string { return s.cfg.SessionID }

func (s *Store) Config() StoreConfig { return s.cfg }

// Append persists msg as the next turn of the session and evicts the oldest turns
// beyond MaxMessages in the same transaction.
func (s *Store) Append(ctx context.Context, msg Message) (Record, error) {
	return s.AppendRecord(ctx, Record{Role: msg.Role, Content: msg.Content})
}

func (s *Store) AppendHuman(ctx context.Context, content string) (Record, error) {
	return s.Append(ctx, Message{Role: RoleHuman, Content: content})
}

func (s *Store) AppendAgent(ctx context.Context, content string) (Record, error) {
	return s.Append(ctx, Message{Role: RoleAgent, Content: content})
}

// AppendRecord is Append for callers that supply their own creation time.
// ID, SessionID and Sequence are always assigned by the store.
func (s *Store) AppendRecord(ctx context.Context, rec Record) (Record, error) {
	if !rec.Role.Valid() {
		return Record{}, fmt.Errorf("%w: unknown role %q", ErrInvalidRecord, rec.Role)
	}
	rec.ID = ""
	rec.Sequence = 0
	rec.SessionID = s.cfg.SessionID
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	} else {
		rec.CreatedAt = rec.CreatedAt.UTC()
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	unlock, err := s.locks.Lock(ctx, s.lockKey())
	if err != nil {
		return Record{}, s.persistenceError("append", err)
	}
	defer unlock()

	started := time.Now()
	res, err := s.table.Insert(ctx, s.cfg.SessionID, rec, s.cfg.MaxMessages)
	s.metrics.ObserveStoreOp("append", time.Since(started), err)
	if err != nil {
		return Record{}, s.persistenceError("append", err)
	}

	if s.metrics != nil {
		s.metrics.TurnsAppended.WithLabelValues(string(res.Record.Role)).Inc()
		s.metrics.TurnsEvicted.Add(float64(len(res.Evicted)))
	}
	s.logger.Debug("turn appended",
		zap.Int64("sequence", res.Record.Sequence),
		zap.String("role", string(res.Record.Role)),
		zap.Int("evicted", len(res.Evicted)),
	)
	if len(res.Evicted) > 0 && s.archive != nil {
		// The append is durable at this point; archival is best effort.
		if err := s.archive.Archive(context.WithoutCancel(ctx), s.table.Name(), s.cfg.SessionID, res.Evicted); err != nil {
			s.logger.Warn("archive evicted turns failed", zap.Int("count", len(res.Evicted)), zap.Error(err))
			if s.metrics != nil {
				s.metrics.ArchiveErrors.Inc()
				s.metrics.ObserveIndicator("archive_failed")
			}
		}
	}
	return res.Record, nil
}

// Messages returns the retained window in chronological order without metadata.
func (s *Store) Messages(ctx context.Context) ([]Message, error) {
	records, err := s.window(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(records))
	for _, r := range records {
		out = append(out, Message{Role: r.Role, Content: r.Content})
	}
	return out, nil
}

// OptimizedContext is the window meant for prompt construction. It returns the same
// turns as Messages and guarantees that no timestamps or sequence numbers are attached.
func (s *Store) OptimizedContext(ctx context.Context) ([]Message, error) {
	return s.Messages(ctx)
}

// RecentWithTimestamps returns the window with bookkeeping metadata. The result is for
// in-process analytics only and must never be forwarded to a client.
func (s *Store) RecentWithTimestamps(ctx context.Context) ([]TimedMessage, error) {
	records, err := s.window(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]TimedMessage, 0, len(records))
	for _, r := range records {
		out = append(out, TimedMessage{
			Message:   Message{Role: r.Role, Content: r.Content},
			Timestamp: r.CreatedAt,
			Sequence:  r.Sequence,
		})
	}
	return out, nil
}

func (s *Store) MessageCount(ctx context.Context) (int, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	started := time.Now()
	n, err := s.table.Count(ctx, s.cfg.SessionID)
	s.metrics.ObserveStoreOp("count", time.Since(started), err)
	if err != nil {
		return 0, s.persistenceError("count", err)
	}
	if n > s.cfg.MaxMessages {
		n = s.cfg.MaxMessages
	}
	return n, nil
}

// ConversationMetrics computes response latencies, duration and exchange count over
// the current window. It reports Available=false rather than an error for short windows.
func (s *Store) ConversationMetrics(ctx context.Context) (ConversationMetrics, error) {
	window, err := s.RecentWithTimestamps(ctx)
	if err != nil {
		return ConversationMetrics{}, err
	}
	return ComputeMetrics(window, s.cfg.LongPauseThreshold), nil
}

// ShouldClearContext runs the confusion heuristic over the current window.
func (s *Store) ShouldClearContext(ctx context.Context) (bool, error) {
	window, err := s.Messages(ctx)
	if err != nil {
		return false, err
	}
	return s.ShouldClearWindow(window), nil
}

// ShouldClearWindow runs the confusion heuristic over a caller supplied window.
func (s *Store) ShouldClearWindow(window []Message) bool {
	confused := DetectConfusion(window, s.cfg.ConfusionThreshold, s.cfg.ConfusionWindowSize, s.classifier)
	if confused {
		s.logger.Info("conversation looks confused", zap.Int("window", len(window)))
		if s.metrics != nil {
			s.metrics.ConfusionSignals.Inc()
		}
	}
	return confused
}

func (s *Store) SessionInfo(ctx context.Context) (SessionInfo, error) {
	n, err := s.MessageCount(ctx)
	if err != nil {
		return SessionInfo{}, err
	}
	return SessionInfo{
		SessionID:         s.cfg.SessionID,
		MaxMessages:       s.cfg.MaxMessages,
		CurrentCount:      n,
		PersistenceTarget: s.table.Name(),
	}, nil
}

// Clear deletes every persisted turn of the session. Clearing an empty session is not an error.
func (s *Store) Clear(ctx context.Context) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	unlock, err := s.locks.Lock(ctx, s.lockKey())
	if err != nil {
		return s.persistenceError("clear", err)
	}
	defer unlock()

	started := time.Now()
	err = s.table.DeleteAll(ctx, s.cfg.SessionID)
	s.metrics.ObserveStoreOp("clear", time.Since(started), err)
	if err != nil {
		return s.persistenceError("clear", err)
	}
	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues("cleared").Inc()
	}
	s.logger.Info("session cleared")
	return nil
}

func (s *Store) window(ctx context.Context) ([]Record, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	started := time.Now()
	records, err := s.table.SelectWindow(ctx, s.cfg.SessionID, s.cfg.MaxMessages)
	s.metrics.ObserveStoreOp("select_window", time.Since(started), err)
	if err != nil {
		return nil, s.persistenceError("select_window", err)
	}
	return records, nil
}

func (s *Store) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.OpTimeout > 0 {
		return context.WithTimeout(ctx, s.cfg.OpTimeout)
	}
	return context.WithCancel(ctx)
}

func (s *Store) persistenceError(op string, err error) error {
	s.metrics.ObservePersistenceError(op)
	s.logger.Error("persistence failed", zap.String("op", op), zap.Error(err))
	return &PersistenceError{Op: op, SessionID: s.cfg.SessionID, Err: err}
}

func (s *Store) lockKey() string {
	return s.table.Name() + "\x00" + s.cfg.SessionID
}
