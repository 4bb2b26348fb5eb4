// Package recorder subscribes to daemon broadcast events and batch-
// writes them to Postgres for later analysis. It is an optional
// consumer: the protocol core works identically with or without it.
package recorder

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/keyflow/keylink/internal/config"
	"github.com/keyflow/keylink/internal/router"
	"github.com/keyflow/keylink/internal/wire"
)

// eventRow is one recorded broadcast event.
type eventRow struct {
	ID         uuid.UUID
	RecordedAt int64 // µs since epoch
	Kind       string
	Key        string
	Action     string
	Layer      string
	Detail     string
}

// Metrics contains recorder counters.
type Metrics struct {
	Inserts   int64
	Conflicts int64
	Flushes   int64
	Errors    int64
}

// Recorder accumulates event rows and flushes them in batches.
type Recorder struct {
	cfg    config.RecorderConfig
	logger *slog.Logger

	// Input from router handlers
	input *router.Queue[eventRow]

	// Database
	db *pgxpool.Pool

	// Batching
	batch       []eventRow
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics Metrics
}

// NewRecorder creates a recorder writing to the given pool.
func NewRecorder(cfg config.RecorderConfig, db *pgxpool.Pool, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		cfg:    cfg,
		logger: logger,
		input:  router.NewQueue[eventRow](cfg.BatchSize),
		db:     db,
		batch:  make([]eventRow, 0, cfg.BatchSize),
	}
}

// Handlers returns the router handler set that feeds this recorder.
// Every handler only stamps and enqueues a row, so dispatch never
// blocks on the database.
func (r *Recorder) Handlers() router.Handlers {
	return router.Handlers{
		LayerChange: func(lc wire.LayerChange) {
			r.record(wire.KindLayerChange, "", "", lc.New, "")
		},
		ConfigFileReload: func() {
			r.record(wire.KindConfigFileReload, "", "", "", "")
		},
		ConfigError: func(ce wire.ConfigError) {
			r.record(wire.KindConfigError, "", "", "", ce.Msg)
		},
		KeyInput: func(k wire.KeyAction) {
			r.record(wire.KindKeyInput, k.Key, k.Action, "", "")
		},
		HoldActivated: func(k wire.KeyAction) {
			r.record(wire.KindHoldActivated, k.Key, k.Action, "", "")
		},
		TapActivated: func(k wire.KeyAction) {
			r.record(wire.KindTapActivated, k.Key, k.Action, "", "")
		},
		OneShotActivated: func(o wire.OneShot) {
			r.record(wire.KindOneShotActivated, o.Key, "", "", strings.Join(o.Modifiers, "+"))
		},
		ChordResolved: func(ch wire.Chord) {
			r.record(wire.KindChordResolved, strings.Join(ch.Keys, "+"), ch.Action, "", "")
		},
		TapDanceResolved: func(td wire.TapDance) {
			r.record(wire.KindTapDanceResolved, td.Key, td.Action, "", tapCountDetail(td.TapCount))
		},
	}
}

// record stamps and enqueues one row.
func (r *Recorder) record(kind wire.EventKind, key, action, layer, detail string) {
	r.input.Push(eventRow{
		ID:         uuid.New(),
		RecordedAt: time.Now().UnixMicro(),
		Kind:       string(kind),
		Key:        key,
		Action:     action,
		Layer:      layer,
		Detail:     detail,
	})
}

// Start begins consuming rows and writing to the database.
func (r *Recorder) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.flushTicker = time.NewTicker(r.cfg.FlushInterval)

	r.wg.Add(1)
	go r.consumeLoop()

	r.wg.Add(1)
	go r.flushLoop()

	r.logger.Info("event recorder started",
		"batch_size", r.cfg.BatchSize,
		"flush_interval", r.cfg.FlushInterval,
	)
	return nil
}

// Stop gracefully shuts down the recorder.
func (r *Recorder) Stop(ctx context.Context) error {
	r.logger.Info("stopping event recorder")

	if r.cancel != nil {
		r.cancel()
	}
	if r.flushTicker != nil {
		r.flushTicker.Stop()
	}
	r.input.Close()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("event recorder stopped")
	case <-ctx.Done():
		r.logger.Warn("event recorder stop timed out")
	}

	// Final flush
	r.flush()

	return nil
}

// Stats returns current metrics.
func (r *Recorder) Stats() Metrics {
	r.batchMu.Lock()
	defer r.batchMu.Unlock()
	return r.metrics
}

// consumeLoop drains the input queue and accumulates batches.
func (r *Recorder) consumeLoop() {
	defer r.wg.Done()

	for {
		row, ok := r.input.Pop()
		if !ok {
			return
		}
		r.handleRow(row)
	}
}

// flushLoop periodically flushes the batch.
func (r *Recorder) flushLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.flushTicker.C:
			r.flush()
		}
	}
}

// handleRow adds a row to the batch, flushing at the batch size.
func (r *Recorder) handleRow(row eventRow) {
	r.batchMu.Lock()
	r.batch = append(r.batch, row)
	shouldFlush := len(r.batch) >= r.cfg.BatchSize
	r.batchMu.Unlock()

	if shouldFlush {
		r.flush()
	}
}

// flush writes the current batch to the database.
func (r *Recorder) flush() {
	r.batchMu.Lock()
	if len(r.batch) == 0 {
		r.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := r.batch
	r.batch = make([]eventRow, 0, r.cfg.BatchSize)
	r.batchMu.Unlock()

	start := time.Now()

	conflicts, err := r.batchInsert(batch)
	if err != nil {
		r.logger.Error("batch insert failed", "error", err, "count", len(batch))
		r.batchMu.Lock()
		r.metrics.Errors++
		r.batchMu.Unlock()
		return
	}

	r.batchMu.Lock()
	r.metrics.Inserts += int64(len(batch) - conflicts)
	r.metrics.Conflicts += int64(conflicts)
	r.metrics.Flushes++
	r.batchMu.Unlock()

	r.logger.Debug("flushed events",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (r *Recorder) batchInsert(rows []eventRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(`
			INSERT INTO key_events (id, recorded_at, kind, key, action, layer, detail)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO NOTHING
		`, row.ID, row.RecordedAt, row.Kind, row.Key, row.Action, row.Layer, row.Detail)
	}

	// Own deadline, not the lifecycle context: the final flush runs
	// after Stop has cancelled it.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	results := r.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}

func tapCountDetail(n int) string {
	if n <= 0 {
		return ""
	}
	return "taps=" + strconv.Itoa(n)
}
