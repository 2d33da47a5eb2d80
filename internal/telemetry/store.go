// Package telemetry persists controller events to SQLite so a run can be
// inspected after the fact.
package telemetry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/signalsfoundry/reactive-jammer/internal/jammer"
	"github.com/signalsfoundry/reactive-jammer/internal/logging"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// ErrClosed is returned by Flush after Close.
var ErrClosed = errors.New("telemetry store closed")

const (
	DefaultBufferSize = 1024
	maxBatch          = 256
)

var _ jammer.EventSink = (*Store)(nil)

// RunInfo describes one recorded run.
type RunInfo struct {
	ID        string
	StartedAt time.Time
	Config    jammer.Config
}

type item struct {
	ev      jammer.Event
	flushed chan struct{}
}

// Store is an asynchronous jammer.EventSink backed by SQLite. Record never
// blocks: events that do not fit in the buffer are dropped and counted.
type Store struct {
	db    *sql.DB
	runID string
	log   logging.Logger

	mu      sync.RWMutex
	closed  bool
	queue   chan item
	done    chan struct{}
	dropped atomic.Uint64
	written atomic.Uint64
}

// Options tunes Open.
type Options struct {
	BufferSize int
	Logger     logging.Logger
	// RunID overrides the generated run identifier.
	RunID string
}

// Open creates (or reuses) the database at path, registers a new run with
// cfg and starts the background writer.
func Open(ctx context.Context, path string, cfg jammer.Config, opts Options) (*Store, error) {
	db, err := openDB(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.Logger == nil {
		opts.Logger = logging.Noop()
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, strategy, tx_power_w, jamming_duration_ns,
			interval_ns, mitigation_timeout_ns, react_to_mitigation, channel_bound)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		opts.RunID, time.Now().UTC().UnixNano(), uint32(cfg.Strategy), cfg.TxPowerW,
		int64(cfg.JammingDuration), int64(cfg.Interval), int64(cfg.MitigationTimeout),
		cfg.ReactToMitigation, int(cfg.ChannelBound),
	)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("insert run: %w", err)
	}

	s := &Store{
		db:    db,
		runID: opts.RunID,
		log:   opts.Logger.With(logging.String("run_id", opts.RunID)),
		queue: make(chan item, opts.BufferSize),
		done:  make(chan struct{}),
	}
	go s.writer()
	return s, nil
}

func openDB(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	// SQLite performs best with a single write connection.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %q: %w", path, err)
	}

	// modernc.org/sqlite takes pragmas as statements, not DSN params.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}
	return db, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id                    TEXT    PRIMARY KEY,
			started_at            INTEGER NOT NULL,
			strategy              INTEGER NOT NULL,
			tx_power_w            REAL    NOT NULL,
			jamming_duration_ns   INTEGER NOT NULL,
			interval_ns           INTEGER NOT NULL,
			mitigation_timeout_ns INTEGER NOT NULL,
			react_to_mitigation   INTEGER NOT NULL,
			channel_bound         INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id     TEXT    NOT NULL REFERENCES runs(id),
			at_ns      INTEGER NOT NULL,
			kind       TEXT    NOT NULL,
			channel    INTEGER NOT NULL,
			to_channel INTEGER NOT NULL,
			power_w    REAL    NOT NULL,
			rss_dbm    REAL    NOT NULL,
			pdr        REAL    NOT NULL,
			strategy   INTEGER NOT NULL,
			detail     TEXT    NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_run_kind ON events (run_id, kind)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate telemetry schema: %w", err)
		}
	}
	return nil
}

// RunID identifies the run this store writes to.
func (s *Store) RunID() string { return s.runID }

// Record queues ev for writing.
func (s *Store) Record(ev jammer.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}
	select {
	case s.queue <- item{ev: ev}:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded.
func (s *Store) Dropped() uint64 { return s.dropped.Load() }

// Written returns how many events reached the database.
func (s *Store) Written() uint64 { return s.written.Load() }

// Flush waits until every event queued before the call has been written.
func (s *Store) Flush(ctx context.Context) error {
	marker := make(chan struct{})

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	select {
	case s.queue <- item{flushed: marker}:
	case <-ctx.Done():
		s.mu.RUnlock()
		return ctx.Err()
	}
	s.mu.RUnlock()

	select {
	case <-marker:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the queue and closes the database. It is safe to call more
// than once.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	<-s.done
	if n := s.dropped.Load(); n > 0 {
		s.log.Warn(context.Background(), "telemetry events dropped", logging.Uint("dropped", n))
	}
	return s.db.Close()
}

func (s *Store) writer() {
	defer close(s.done)

	batch := make([]jammer.Event, 0, maxBatch)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.insert(context.Background(), batch); err != nil {
			s.log.Error(context.Background(), "telemetry write failed",
				logging.Int("events", len(batch)),
				logging.Err(err),
			)
		} else {
			s.written.Add(uint64(len(batch)))
		}
		batch = batch[:0]
	}

	for it := range s.queue {
		if it.flushed != nil {
			flush()
			close(it.flushed)
			continue
		}
		batch = append(batch, it.ev)
		if len(batch) >= maxBatch || len(s.queue) == 0 {
			flush()
		}
	}
	flush()
}

// tx executes fn within a database transaction, committing if fn returns
// nil and rolling back otherwise.
func (s *Store) tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original: %w)", rbErr, err)
		}
		return err
	}

	return tx.Commit()
}

func (s *Store) insert(ctx context.Context, events []jammer.Event) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO events (run_id, at_ns, kind, channel, to_channel, power_w, rss_dbm, pdr, strategy, detail)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare insert: %w", err)
		}
		defer stmt.Close()

		for _, ev := range events {
			if _, err := stmt.ExecContext(ctx,
				s.runID, ev.At.UnixNano(), string(ev.Kind), int(ev.Channel), int(ev.ToChannel),
				finite(ev.PowerW), finite(ev.RSSDbm), finite(ev.PDR), uint32(ev.Strategy), ev.Detail,
			); err != nil {
				return fmt.Errorf("insert event: %w", err)
			}
		}
		return nil
	})
}

// finite maps NaN, which SQLite stores as NULL, to zero.
func finite(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return v
}
