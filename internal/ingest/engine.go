// ABOUTME: Streaming ingestion engine that turns the nested feed into stored rows.
// ABOUTME: Decodes one outer group at a time, batches normalized rows, and reports progress.

package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/jfeddern/VulnDash/internal/record"
	"github.com/jfeddern/VulnDash/internal/types"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
)

// ErrNoGroups is returned when the document is not an object with a groups member
var ErrNoGroups = errors.New("feed document has no groups")

// FeedSource opens the raw feed document
type FeedSource interface {
	Name() string
	Open(ctx context.Context) (io.ReadCloser, error)
}

// RowStore is the persistence the engine writes through
type RowStore interface {
	Clear(ctx context.Context) error
	UpsertRows(ctx context.Context, rows []types.Row) error
	RegenerateAggregates(ctx context.Context) (map[types.Severity]int, error)
}

// Config holds configuration for the ingestion engine
type Config struct {
	BatchSize  int
	YieldDelay time.Duration // pause after each outer group; 0 only yields the scheduler
	BufferSize int           // read buffer of the streaming parser
}

// Defaults for Config fields left at zero
const (
	DefaultBatchSize  = 5000
	DefaultBufferSize = 64 * 1024
	DefaultYieldDelay = 10 * time.Millisecond
)

// Engine runs one ingestion per call to Run
type Engine struct {
	store  RowStore
	source FeedSource
	config Config
	logger *logrus.Logger
	now    func() time.Time
}

// NewEngine creates a new ingestion engine
func NewEngine(store RowStore, source FeedSource, config Config, logger *logrus.Logger) *Engine {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultBufferSize
	}
	return &Engine{
		store:  store,
		source: source,
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock replaces the ingestion clock used for the discoveredAt fallback
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// run holds the per-run mutable state
type run struct {
	engine  *Engine
	ctx     context.Context
	emit    func(Message)
	logger  *logrus.Entry
	now     time.Time
	batch   []types.Row
	written int
	counts  map[types.Severity]int
	groups  int
	err     error
}

// Run clears the store and ingests the feed. emit receives PROGRESS messages,
// then exactly one DONE or ERROR. The returned error matches the ERROR message.
func (e *Engine) Run(ctx context.Context, runID string, emit func(Message)) error {
	r := &run{
		engine: e,
		ctx:    ctx,
		emit:   emit,
		logger: e.logger.WithFields(logrus.Fields{
			"component": "ingest_engine",
			"run_id":    runID,
			"source":    e.source.Name(),
		}),
		now:    e.now(),
		batch:  make([]types.Row, 0, e.config.BatchSize),
		counts: make(map[types.Severity]int, len(types.Severities)),
	}

	startTime := time.Now()
	r.logger.Info("Starting ingestion")

	if err := r.execute(); err != nil {
		r.logger.WithError(err).WithField("rows_written", r.written).Error("Ingestion failed")
		emit(Message{Type: MessageError, RowsWritten: r.written, Message: err.Error()})
		return err
	}

	r.logger.WithFields(logrus.Fields{
		"duration":     time.Since(startTime),
		"rows_written": r.written,
		"groups":       r.groups,
	}).Info("Ingestion completed")
	emit(Message{Type: MessageDone, RowsWritten: r.written})
	return nil
}

func (r *run) execute() error {
	if err := r.engine.store.Clear(r.ctx); err != nil {
		return fmt.Errorf("failed to clear store: %w", err)
	}

	body, err := r.engine.source.Open(r.ctx)
	if err != nil {
		return fmt.Errorf("failed to open feed: %w", err)
	}
	defer func() { _ = body.Close() }()

	if err := r.stream(body); err != nil {
		return err
	}

	if err := r.flush(); err != nil {
		return err
	}

	stored, err := r.engine.store.RegenerateAggregates(r.ctx)
	if err != nil {
		return fmt.Errorf("failed to write aggregates: %w", err)
	}
	if collisions := sum(r.counts) - sum(stored); collisions > 0 {
		r.logger.WithField("collisions", collisions).Debug("Findings collapsed onto existing ids")
	}
	return nil
}

// stream walks the top-level object and hands each outer group to processGroup
func (r *run) stream(body io.Reader) error {
	iter := jsoniter.Parse(jsoniter.ConfigDefault, body, r.engine.config.BufferSize)

	if next := iter.WhatIsNext(); next != jsoniter.ObjectValue {
		if iterFailed(iter) {
			return fmt.Errorf("failed to parse feed: %w", iter.Error)
		}
		return fmt.Errorf("failed to parse feed: %w: top level is not an object", ErrNoGroups)
	}

	sawGroups := false
	ok := iter.ReadObjectCB(func(it *jsoniter.Iterator, field string) bool {
		if field != "groups" {
			it.Skip()
			return it.Error == nil
		}
		sawGroups = true

		switch it.WhatIsNext() {
		case jsoniter.ArrayValue:
			return it.ReadArrayCB(func(it *jsoniter.Iterator) bool {
				return r.processGroup(it)
			})
		case jsoniter.ObjectValue:
			return it.ReadObjectCB(func(it *jsoniter.Iterator, _ string) bool {
				return r.processGroup(it)
			})
		default:
			sawGroups = false
			it.Skip()
			return it.Error == nil
		}
	})

	if r.err != nil {
		return r.err
	}
	if !ok || iterFailed(iter) {
		if iter.Error == nil {
			return fmt.Errorf("failed to parse feed: malformed document")
		}
		return fmt.Errorf("failed to parse feed: %w", iter.Error)
	}
	if !sawGroups {
		return fmt.Errorf("failed to parse feed: %w", ErrNoGroups)
	}
	return nil
}

func iterFailed(iter *jsoniter.Iterator) bool {
	return iter.Error != nil && !errors.Is(iter.Error, io.EOF)
}

// processGroup decodes one outer group and ingests every vulnerability under it.
// Returning false stops the parse; r.err carries non-parse failures.
func (r *run) processGroup(it *jsoniter.Iterator) bool {
	group := record.ReadValue(it)
	if it.Error != nil {
		return false
	}
	if err := r.ctx.Err(); err != nil {
		r.err = err
		return false
	}

	for _, repo := range record.ContainerValues(field(group, "repos")) {
		for _, image := range record.ContainerValues(field(repo, "images")) {
			anc := record.AncestorsOf(group, repo, image)
			for _, vuln := range record.ContainerValues(field(image, "vulnerabilities")) {
				row := record.Normalize(vuln, anc, r.now)
				r.counts[row.Severity]++
				r.batch = append(r.batch, row)
				if len(r.batch) >= r.engine.config.BatchSize {
					if err := r.flush(); err != nil {
						r.err = err
						return false
					}
				}
			}
		}
	}

	r.groups++
	if r.written > 0 {
		r.emit(Message{Type: MessageProgress, RowsWritten: r.written})
	}
	if err := r.yield(); err != nil {
		r.err = err
		return false
	}
	return true
}

// flush writes the pending batch and reuses its backing array
func (r *run) flush() error {
	if len(r.batch) == 0 {
		return nil
	}
	if err := r.engine.store.UpsertRows(r.ctx, r.batch); err != nil {
		return fmt.Errorf("failed to write batch: %w", err)
	}
	r.written += len(r.batch)
	r.batch = r.batch[:0]

	r.logger.WithField("rows_written", r.written).Debug("Flushed batch")
	r.emit(Message{Type: MessageProgress, RowsWritten: r.written})
	return nil
}

func (r *run) yield() error {
	if r.engine.config.YieldDelay <= 0 {
		runtime.Gosched()
		return r.ctx.Err()
	}

	timer := time.NewTimer(r.engine.config.YieldDelay)
	defer timer.Stop()
	select {
	case <-r.ctx.Done():
		return r.ctx.Err()
	case <-timer.C:
		return nil
	}
}

func field(container any, key string) any {
	obj, _ := container.(*record.Object)
	value, _ := obj.Get(key)
	return value
}

func sum(counts map[types.Severity]int) int {
	total := 0
	for _, n := range counts {
		total += n
	}
	return total
}
