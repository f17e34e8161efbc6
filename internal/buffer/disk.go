package buffer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/promsink/promsink/internal/log"
	"github.com/promsink/promsink/internal/model"
	"github.com/promsink/promsink/internal/telemetry"
)

// diskPollInterval is how often a blocked disk push or pop rechecks the queue.
const diskPollInterval = 100 * time.Millisecond

// DiskConfig is the configuration of a disk buffer.
type DiskConfig struct {
	// ID identifies the owning sink in telemetry.
	ID string
	// Path is the SQLite database file backing the queue.
	Path string
	// MaxEvents is the queued event budget.
	MaxEvents int
	// DropNewest drops incoming batches instead of blocking when the buffer
	// is full.
	DropNewest bool
	MetricsRecorder telemetry.Recorder
	Logger          log.Logger
}

func (c *DiskConfig) defaults() error {
	if c.ID == "" {
		return fmt.Errorf("buffer id is required")
	}

	if c.Path == "" {
		return fmt.Errorf("buffer path is required")
	}

	if c.MaxEvents == 0 {
		c.MaxEvents = 2048
	}
	if c.MaxEvents < 0 {
		return fmt.Errorf("buffer max events must be positive")
	}

	if c.MetricsRecorder == nil {
		c.MetricsRecorder = telemetry.NoopRecorder
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}

	return nil
}

// Disk is a SQLite backed FIFO event buffer. Queued events survive restarts:
// a new buffer on the same path resumes popping from the oldest queued batch.
type Disk struct {
	cfg       DiskConfig
	db        *sql.DB
	closed    chan struct{}
	closeOnce sync.Once
}

// NewDisk opens or creates the queue database at the configured path.
func NewDisk(config DiskConfig) (*Disk, error) {
	if err := config.defaults(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	db, err := sql.Open("sqlite", config.Path)
	if err != nil {
		return nil, fmt.Errorf("could not open queue database: %w", err)
	}

	// SQLite allows a single writer, serializing on one connection avoids
	// busy errors between Push and Pop.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("could not set %q: %w", pragma, err)
		}
	}

	const schema = `
CREATE TABLE IF NOT EXISTS event_queue (
	id     INTEGER PRIMARY KEY AUTOINCREMENT,
	events INTEGER NOT NULL,
	batch  BLOB    NOT NULL
)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not create queue schema: %w", err)
	}

	d := &Disk{cfg: config, db: db, closed: make(chan struct{})}

	pending, err := d.depth(context.Background())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("could not read queue depth: %w", err)
	}
	if pending > 0 {
		config.Logger.WithValues(log.Kv{"buffer": config.ID, "events": pending}).
			Infof("Recovered queued events from disk buffer")
	}
	config.MetricsRecorder.SetBufferDepth(context.Background(), config.ID, pending)

	return d, nil
}

// Push appends the batch to the queue. When the event budget is exceeded it
// blocks polling for room, or drops the batch when configured with
// DropNewest.
func (d *Disk) Push(ctx context.Context, batch model.Batch) error {
	if len(batch) == 0 {
		return nil
	}

	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("could not encode batch: %w", err)
	}

	for {
		select {
		case <-d.closed:
			return ErrClosed
		default:
		}

		depth, err := d.depth(ctx)
		if err != nil {
			return err
		}

		if depth+len(batch) <= d.cfg.MaxEvents {
			break
		}

		if d.cfg.DropNewest {
			d.cfg.MetricsRecorder.IncBufferDroppedEvents(ctx, d.cfg.ID, len(batch))
			return nil
		}

		select {
		case <-time.After(diskPollInterval):
		case <-d.closed:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	_, err = d.db.ExecContext(ctx, "INSERT INTO event_queue (events, batch) VALUES (?, ?)", len(batch), data)
	if err != nil {
		return fmt.Errorf("could not queue batch: %w", err)
	}

	depth, err := d.depth(ctx)
	if err != nil {
		return err
	}
	d.cfg.MetricsRecorder.SetBufferDepth(ctx, d.cfg.ID, depth)

	return nil
}

// Pop removes and returns the oldest queued batch, polling until one is
// available, the buffer closes or ctx is done. Events still queued when the
// buffer closes stay on disk for the next run.
func (d *Disk) Pop(ctx context.Context) (model.Batch, error) {
	for {
		batch, ok, err := d.popOldest(ctx)
		if err != nil {
			// Losing the race against Close surfaces as a database error.
			select {
			case <-d.closed:
				return nil, ErrClosed
			default:
			}
			return nil, err
		}
		if ok {
			return batch, nil
		}

		select {
		case <-time.After(diskPollInterval):
		case <-d.closed:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (d *Disk) popOldest(ctx context.Context) (model.Batch, bool, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("could not begin queue transaction: %w", err)
	}
	defer tx.Rollback()

	var id int64
	var data []byte
	err = tx.QueryRowContext(ctx, "SELECT id, batch FROM event_queue ORDER BY id LIMIT 1").Scan(&id, &data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("could not read queue head: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM event_queue WHERE id = ?", id); err != nil {
		return nil, false, fmt.Errorf("could not dequeue batch: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("could not commit dequeue: %w", err)
	}

	var batch model.Batch
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, false, fmt.Errorf("could not decode queued batch: %w", err)
	}

	depth, err := d.depth(ctx)
	if err != nil {
		return nil, false, err
	}
	d.cfg.MetricsRecorder.SetBufferDepth(ctx, d.cfg.ID, depth)

	return batch, true, nil
}

func (d *Disk) depth(ctx context.Context) (int, error) {
	var depth int
	err := d.db.QueryRowContext(ctx, "SELECT COALESCE(SUM(events), 0) FROM event_queue").Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("could not read queue depth: %w", err)
	}

	return depth, nil
}

// Close closes the queue database. Queued events stay on disk for the next
// run.
func (d *Disk) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.closed)
		err = d.db.Close()
	})

	return err
}
