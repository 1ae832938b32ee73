// ABOUTME: Ingestion coordinator owning the process-wide ingestion status and worker lifecycle.
// ABOUTME: Decides at startup whether to ingest, tracks progress, and fans status out to listeners.

package coordinator

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jfeddern/VulnDash/internal/ingest"
	"github.com/jfeddern/VulnDash/internal/types"
	"github.com/sirupsen/logrus"
)

// Store is the row store surface the coordinator needs
type Store interface {
	Count(ctx context.Context) (int, error)
	AggregateCount(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
	RegenerateAggregates(ctx context.Context) (map[types.Severity]int, error)
}

// Worker is a running ingestion worker
type Worker interface {
	Send(cmd ingest.Command) bool
	Messages() <-chan ingest.Message
	Terminate()
}

// WorkerFactory starts a fresh worker for one run
type WorkerFactory func() Worker

// Config holds configuration for the coordinator
type Config struct {
	ExpectedTotal  int  // denominator of the progress percentage
	SufficientRows int  // stored rows at startup that count as a complete dataset
	AutoIngest     bool // start ingestion from Initialize when the store is not sufficient
}

// Defaults for Config fields left at zero
const (
	DefaultExpectedTotal  = 250000
	DefaultSufficientRows = 250000
)

// Listener receives a copy of the status after every transition
type Listener func(types.IngestionStatus)

// Coordinator is the single writer of the ingestion status
type Coordinator struct {
	store     Store
	newWorker WorkerFactory
	config    Config
	logger    *logrus.Logger
	now       func() time.Time

	mutex      sync.Mutex
	status     types.IngestionStatus
	worker     Worker
	generation uint64
	listeners  map[uint64]Listener
	nextID     uint64
	closed     bool

	// notifyMutex keeps listener deliveries in transition order
	notifyMutex sync.Mutex
	pumps       sync.WaitGroup
}

// New creates a coordinator in the Idle state
func New(store Store, newWorker WorkerFactory, config Config, logger *logrus.Logger) *Coordinator {
	if config.ExpectedTotal <= 0 {
		config.ExpectedTotal = DefaultExpectedTotal
	}
	if config.SufficientRows <= 0 {
		config.SufficientRows = DefaultSufficientRows
	}
	return &Coordinator{
		store:     store,
		newWorker: newWorker,
		config:    config,
		logger:    logger,
		now:       time.Now,
		listeners: make(map[uint64]Listener),
	}
}

// Initialize inspects the store once at startup and either marks the data
// complete or starts a fresh ingestion
func (c *Coordinator) Initialize(ctx context.Context) error {
	logger := c.logger.WithField("component", "coordinator")

	count, err := c.store.Count(ctx)
	if err != nil {
		return fmt.Errorf("failed to count stored rows: %w", err)
	}
	aggCount, err := c.store.AggregateCount(ctx)
	if err != nil {
		return fmt.Errorf("failed to count aggregates: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"rows":            count,
		"aggregates":      aggCount,
		"sufficient_rows": c.config.SufficientRows,
	}).Info("Inspected existing store")

	switch {
	case count >= c.config.SufficientRows:
		if aggCount == 0 {
			logger.Info("No aggregates found, regenerating")
			if _, err := c.store.RegenerateAggregates(ctx); err != nil {
				return fmt.Errorf("failed to regenerate aggregates: %w", err)
			}
		}
		c.transition(func(s *types.IngestionStatus) {
			*s = types.IngestionStatus{Progress: 100, TotalRows: count}
		})
		return nil

	case !c.config.AutoIngest:
		if count > 0 {
			logger.WithFields(logrus.Fields{
				"rows":            count,
				"sufficient_rows": c.config.SufficientRows,
			}).Warn("Partial dataset kept because automatic ingestion is disabled; totals are incomplete until the next run")
		}
		logger.Info("Automatic ingestion disabled, waiting for an explicit start")
		return nil

	case count > 0:
		logger.WithField("rows", count).Info("Partial dataset found, clearing before re-ingestion")
		if err := c.store.Clear(ctx); err != nil {
			return fmt.Errorf("failed to clear partial dataset: %w", err)
		}
	}

	c.StartIngestion()
	return nil
}

// StartIngestion starts a run unless one is already in progress
func (c *Coordinator) StartIngestion() {
	c.mutex.Lock()
	if c.closed || c.status.IsIngesting {
		c.mutex.Unlock()
		return
	}

	if c.worker != nil {
		c.worker.Terminate()
	}
	worker := c.newWorker()
	c.worker = worker
	c.generation++
	generation := c.generation

	runID := uuid.NewString()
	started := c.now().UnixMilli()
	c.status = types.IngestionStatus{IsIngesting: true, RunID: runID, StartedAt: &started}
	snapshot, listeners := c.snapshotLocked()
	c.notifyMutex.Lock()
	c.mutex.Unlock()
	deliver(snapshot, listeners)
	c.notifyMutex.Unlock()

	c.logger.WithFields(logrus.Fields{
		"component": "coordinator",
		"run_id":    runID,
	}).Info("Starting ingestion run")

	c.pumps.Add(1)
	go c.pump(worker, generation)

	if !worker.Send(ingest.Command{Type: ingest.CommandStart, RunID: runID}) {
		c.fail(generation, "ingestion worker is not accepting commands")
	}
}

// pump applies worker messages to the status until the run ends
func (c *Coordinator) pump(worker Worker, generation uint64) {
	defer c.pumps.Done()

	for msg := range worker.Messages() {
		if !c.apply(generation, msg) {
			return
		}
		if msg.Terminal() {
			worker.Terminate()
			return
		}
	}
	c.fail(generation, "ingestion worker exited unexpectedly")
}

// apply folds one message into the status; it returns false when the run is stale
func (c *Coordinator) apply(generation uint64, msg ingest.Message) bool {
	logger := c.logger.WithField("component", "coordinator")

	current := true
	c.transitionIf(generation, &current, func(s *types.IngestionStatus) {
		switch msg.Type {
		case ingest.MessageProgress:
			s.TotalRows = msg.RowsWritten
			s.Progress = c.progress(msg.RowsWritten)
		case ingest.MessageDone:
			finished := c.now().UnixMilli()
			s.IsIngesting = false
			s.Progress = 100
			s.TotalRows = msg.RowsWritten
			s.FinishedAt = &finished
			logger.WithFields(logrus.Fields{"run_id": s.RunID, "rows": msg.RowsWritten}).Info("Ingestion run completed")
		case ingest.MessageError:
			finished := c.now().UnixMilli()
			errMsg := msg.Message
			s.IsIngesting = false
			s.Error = &errMsg
			s.FinishedAt = &finished
			if msg.RowsWritten > 0 {
				s.TotalRows = msg.RowsWritten
			}
			logger.WithFields(logrus.Fields{"run_id": s.RunID, "error": errMsg}).Error("Ingestion run failed")
		}
	})
	return current
}

func (c *Coordinator) fail(generation uint64, message string) {
	current := true
	c.transitionIf(generation, &current, func(s *types.IngestionStatus) {
		if !s.IsIngesting {
			return
		}
		finished := c.now().UnixMilli()
		s.IsIngesting = false
		s.Error = &message
		s.FinishedAt = &finished
	})
}

// progress is min(rows/expected*100, 100)
func (c *Coordinator) progress(rows int) float64 {
	return math.Min(float64(rows)/float64(c.config.ExpectedTotal)*100, 100)
}

// HasData reports whether any rows are stored
func (c *Coordinator) HasData(ctx context.Context) (bool, error) {
	count, err := c.store.Count(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to count stored rows: %w", err)
	}
	return count > 0, nil
}

// Status returns a copy of the current status
func (c *Coordinator) Status() types.IngestionStatus {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return copyStatus(c.status)
}

// Subscribe registers fn for status transitions. The returned function
// unsubscribes and may be called any number of times. Listeners run
// synchronously and must not call back into mutating coordinator methods.
func (c *Coordinator) Subscribe(fn Listener) func() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return func() {}
	}
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mutex.Lock()
			delete(c.listeners, id)
			c.mutex.Unlock()
		})
	}
}

// RegenerateAggregates rebuilds the severity aggregate from stored rows
func (c *Coordinator) RegenerateAggregates(ctx context.Context) error {
	if _, err := c.store.RegenerateAggregates(ctx); err != nil {
		return fmt.Errorf("failed to regenerate aggregates: %w", err)
	}
	return nil
}

// ClearData terminates any run, empties the store, and resets the status to Idle
func (c *Coordinator) ClearData(ctx context.Context) error {
	c.mutex.Lock()
	worker := c.worker
	c.worker = nil
	c.generation++
	c.mutex.Unlock()

	if worker != nil {
		worker.Terminate()
	}

	if err := c.store.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear store: %w", err)
	}

	c.transition(func(s *types.IngestionStatus) {
		*s = types.IngestionStatus{}
	})
	c.logger.WithField("component", "coordinator").Info("Cleared stored data")
	return nil
}

// Close terminates any in-flight worker and drops all listeners
func (c *Coordinator) Close() {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return
	}
	c.closed = true
	worker := c.worker
	c.worker = nil
	c.generation++
	c.listeners = make(map[uint64]Listener)
	c.mutex.Unlock()

	if worker != nil {
		worker.Terminate()
	}
	c.pumps.Wait()
}

// transition mutates the status unconditionally and notifies listeners
func (c *Coordinator) transition(mutate func(*types.IngestionStatus)) {
	c.mutex.Lock()
	mutate(&c.status)
	snapshot, listeners := c.snapshotLocked()
	c.notifyMutex.Lock()
	c.mutex.Unlock()
	deliver(snapshot, listeners)
	c.notifyMutex.Unlock()
}

// transitionIf mutates the status only while generation is current
func (c *Coordinator) transitionIf(generation uint64, current *bool, mutate func(*types.IngestionStatus)) {
	c.mutex.Lock()
	if generation != c.generation {
		*current = false
		c.mutex.Unlock()
		return
	}
	before := copyStatus(c.status)
	mutate(&c.status)
	if statusEqual(before, c.status) {
		c.mutex.Unlock()
		return
	}
	snapshot, listeners := c.snapshotLocked()
	c.notifyMutex.Lock()
	c.mutex.Unlock()
	deliver(snapshot, listeners)
	c.notifyMutex.Unlock()
}

func (c *Coordinator) snapshotLocked() (types.IngestionStatus, []Listener) {
	listeners := make([]Listener, 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	return copyStatus(c.status), listeners
}

func deliver(status types.IngestionStatus, listeners []Listener) {
	for _, fn := range listeners {
		fn(copyStatus(status))
	}
}

func copyStatus(s types.IngestionStatus) types.IngestionStatus {
	out := s
	if s.Error != nil {
		e := *s.Error
		out.Error = &e
	}
	if s.StartedAt != nil {
		v := *s.StartedAt
		out.StartedAt = &v
	}
	if s.FinishedAt != nil {
		v := *s.FinishedAt
		out.FinishedAt = &v
	}
	return out
}

func statusEqual(a, b types.IngestionStatus) bool {
	return a.IsIngesting == b.IsIngesting &&
		a.Progress == b.Progress &&
		a.TotalRows == b.TotalRows &&
		a.RunID == b.RunID &&
		equalPtr(a.Error, b.Error) &&
		equalPtr(a.StartedAt, b.StartedAt) &&
		equalPtr(a.FinishedAt, b.FinishedAt)
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
