// Package ledger records every render in a local SQLite database: what was
// rendered, with which seed and settings, and how the master measured.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loqalabs/loqa-render/internal/config"
)

// Render status values.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// ErrNotFound is returned when a render id is unknown.
var ErrNotFound = errors.New("render not found")

// Render is one row of the ledger.
type Render struct {
	ID             string
	Session        string
	ManifestPath   string
	ManifestSHA256 string
	OutputPath     string
	Seed           uint64
	SampleRate     int
	BitDepth       int
	Duration       float64
	Status         string
	IntegratedLUFS float64
	TruePeakDBTP   float64
	ShortfallLU    float64
	ErrorKind      string
	Error          string
	Report         []byte
	CreatedAt      time.Time
	FinishedAt     time.Time
}

// Outcome closes a running render.
type Outcome struct {
	Status         string
	IntegratedLUFS float64
	TruePeakDBTP   float64
	ShortfallLU    float64
	ErrorKind      string
	Error          string
	Report         []byte
}

// Event is a timeline entry attached to a render.
type Event struct {
	ID        int64
	RenderID  string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Ledger wraps the SQLite-backed render history.
type Ledger struct {
	db    *sql.DB
	cfg   config.LedgerConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the ledger according to config. In ephemeral mode nothing
// is written and every query returns empty.
func Open(ctx context.Context, cfg config.LedgerConfig, log *slog.Logger) (*Ledger, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Ledger{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	l := &Ledger{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := l.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if cfg.VacuumOnStart {
		if err := l.vacuum(ctx); err != nil {
			log.Warn("ledger vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := l.Prune(ctx); err != nil {
		log.Warn("ledger prune on start failed", slog.String("error", err.Error()))
	}
	return l, nil
}

func (l *Ledger) enabled() bool {
	return l != nil && l.cfg.RetentionMode != "ephemeral" && l.db != nil
}

func (l *Ledger) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS renders (
    render_id TEXT PRIMARY KEY,
    session_name TEXT,
    manifest_path TEXT,
    manifest_sha256 TEXT,
    output_path TEXT,
    seed INTEGER,
    sample_rate INTEGER,
    bit_depth INTEGER,
    duration REAL,
    status TEXT NOT NULL,
    integrated_lufs REAL,
    true_peak_dbtp REAL,
    shortfall_lu REAL,
    error_kind TEXT,
    error TEXT,
    report BLOB,
    created_at INTEGER NOT NULL,
    finished_at INTEGER
);
CREATE TABLE IF NOT EXISTS render_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    render_id TEXT NOT NULL,
    event_type TEXT,
    payload BLOB,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(render_id) REFERENCES renders(render_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_renders_created ON renders(created_at);
CREATE INDEX IF NOT EXISTS idx_render_events_render ON render_events(render_id, created_at);
`
	_, err := l.db.ExecContext(ctx, ddl)
	return err
}

func (l *Ledger) vacuum(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Begin records a render as running.
func (l *Ledger) Begin(ctx context.Context, r Render) error {
	if !l.enabled() {
		return nil
	}
	if r.ID == "" {
		return errors.New("render id is required")
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = l.clock().UTC()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO renders(render_id, session_name, manifest_path, manifest_sha256, output_path, seed, sample_rate, bit_depth, duration, status, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Session, r.ManifestPath, r.ManifestSHA256, r.OutputPath, int64(r.Seed), r.SampleRate, r.BitDepth, r.Duration, StatusRunning, r.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("record render: %w", err)
	}
	return nil
}

// Finish stores the outcome of a render started with Begin.
func (l *Ledger) Finish(ctx context.Context, id string, out Outcome) error {
	if !l.enabled() {
		return nil
	}
	res, err := l.db.ExecContext(ctx,
		`UPDATE renders SET status = ?, integrated_lufs = ?, true_peak_dbtp = ?, shortfall_lu = ?, error_kind = ?, error = ?, report = ?, finished_at = ?
		 WHERE render_id = ?`,
		out.Status, out.IntegratedLUFS, out.TruePeakDBTP, out.ShortfallLU, out.ErrorKind, out.Error, out.Report, l.clock().UTC().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("finish render: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finish render %s: %w", id, ErrNotFound)
	}
	return nil
}

// AppendEvent writes a timeline entry for a render.
func (l *Ledger) AppendEvent(ctx context.Context, evt Event) error {
	if !l.enabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = l.clock().UTC()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO render_events(render_id, event_type, payload, created_at) VALUES(?, ?, ?, ?)`,
		evt.RenderID, evt.Type, evt.Payload, evt.CreatedAt.UnixNano())
	return err
}

const renderColumns = `render_id, session_name, manifest_path, manifest_sha256, output_path, seed, sample_rate, bit_depth, duration, status,
	COALESCE(integrated_lufs, 0), COALESCE(true_peak_dbtp, 0), COALESCE(shortfall_lu, 0), COALESCE(error_kind, ''), COALESCE(error, ''), report, created_at, COALESCE(finished_at, 0)`

type scanner interface {
	Scan(dest ...any) error
}

func scanRender(row scanner) (Render, error) {
	var r Render
	var seed, created, finished int64
	err := row.Scan(&r.ID, &r.Session, &r.ManifestPath, &r.ManifestSHA256, &r.OutputPath, &seed, &r.SampleRate, &r.BitDepth, &r.Duration, &r.Status,
		&r.IntegratedLUFS, &r.TruePeakDBTP, &r.ShortfallLU, &r.ErrorKind, &r.Error, &r.Report, &created, &finished)
	if err != nil {
		return r, err
	}
	r.Seed = uint64(seed)
	r.CreatedAt = time.Unix(0, created).UTC()
	if finished > 0 {
		r.FinishedAt = time.Unix(0, finished).UTC()
	}
	return r, nil
}

// List returns up to limit renders, newest first.
func (l *Ledger) List(ctx context.Context, limit int) ([]Render, error) {
	if !l.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT `+renderColumns+` FROM renders ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var renders []Render
	for rows.Next() {
		r, err := scanRender(rows)
		if err != nil {
			return nil, err
		}
		renders = append(renders, r)
	}
	return renders, rows.Err()
}

// Get returns one render by id.
func (l *Ledger) Get(ctx context.Context, id string) (Render, error) {
	if !l.enabled() {
		return Render{}, ErrNotFound
	}
	row := l.db.QueryRowContext(ctx, `SELECT `+renderColumns+` FROM renders WHERE render_id = ?`, id)
	r, err := scanRender(row)
	if errors.Is(err, sql.ErrNoRows) {
		return r, ErrNotFound
	}
	return r, err
}

// Events retrieves up to limit events for a render ordered by time.
func (l *Ledger) Events(ctx context.Context, renderID string, limit int) ([]Event, error) {
	if !l.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, render_id, event_type, payload, created_at
		 FROM render_events WHERE render_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, renderID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created int64
		if err := rows.Scan(&e.ID, &e.RenderID, &e.Type, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = time.Unix(0, created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention (called on startup and after each
// render in the daemon).
func (l *Ledger) Prune(ctx context.Context) (err error) {
	if !l.enabled() {
		return nil
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if l.cfg.RetentionDays > 0 {
		cutoff := l.clock().Add(-time.Duration(l.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM renders WHERE created_at < ?`, cutoff.UTC().UnixNano()); err != nil {
			return err
		}
	}
	if l.cfg.MaxRenders > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM renders WHERE render_id IN (
			SELECT render_id FROM renders ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, l.cfg.MaxRenders)
		if err != nil {
			return err
		}
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM render_events WHERE render_id NOT IN (SELECT render_id FROM renders)`); err != nil {
		return err
	}
	return tx.Commit()
}
