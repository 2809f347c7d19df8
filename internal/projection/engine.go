package projection

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/eventstore/internal/models"
	"example.com/backstage/services/eventstore/internal/repository"
)

// Recorder receives projection metrics
type Recorder interface {
	IncrementCounterBy(name string, value int64)
	SetGauge(name string, value int64)
	RecordTimer(name string, durationMs int64)
}

// Config holds engine-wide defaults
type Config struct {
	TickInterval     time.Duration
	DefaultBatchSize int
	DefaultRetry     RetryPolicy
}

type registration struct {
	name string

	// batch is held for the duration of a batch and of every lifecycle
	// change, so a checkpoint is only ever written by one of them at a time.
	batch sync.Mutex

	handler   Handler
	opts      Options
	scheduled bool
}

// Engine drives registered projections through the event log. Every
// projection has its own checkpoint and runs independently of the others.
//
// Within a batch the checkpoint moves past every event the handler accepted
// and every event it rejected with Skip. An event that still fails after
// RetryPolicy.MaxRetries attempts faults the projection and ends the batch;
// the checkpoint stays on the event before it, so after Reset the failing
// event is handled again instead of being passed over.
type Engine struct {
	checkpoints repository.CheckpointRepository
	events      repository.EventRepository
	scheduler   Scheduler
	clock       clockwork.Clock
	cfg         Config

	app     *newrelic.Application
	metrics Recorder

	mu          sync.RWMutex
	projections map[string]*registration
}

// EngineOption configures an Engine
type EngineOption func(*Engine)

// WithApplication reports every batch as a New Relic background transaction
func WithApplication(app *newrelic.Application) EngineOption {
	return func(e *Engine) {
		e.app = app
	}
}

// WithMetrics records processed and failed counts, batch timings and lag
func WithMetrics(recorder Recorder) EngineOption {
	return func(e *Engine) {
		e.metrics = recorder
	}
}

// NewEngine creates a projection engine
func NewEngine(checkpoints repository.CheckpointRepository, events repository.EventRepository, scheduler Scheduler, clock clockwork.Clock, cfg Config, opts ...EngineOption) *Engine {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 100 * time.Millisecond
	}
	if cfg.DefaultBatchSize <= 0 {
		cfg.DefaultBatchSize = 100
	}
	cfg.DefaultRetry = cfg.DefaultRetry.withDefaults(DefaultRetryPolicy)

	e := &Engine{
		checkpoints: checkpoints,
		events:      events,
		scheduler:   scheduler,
		clock:       clock,
		cfg:         cfg,
		projections: make(map[string]*registration),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register binds handler to the projection name in this process and creates
// its checkpoint in RUNNING at opts.StartFromPosition if none exists. An
// existing checkpoint keeps its position, status and counters; only its
// subscription filters are updated to match opts.
func (e *Engine) Register(ctx context.Context, name string, handler Handler, opts Options) (*models.ProjectionCheckpoint, error) {
	if name == "" {
		return nil, errors.New("projection name is required")
	}
	if handler == nil {
		return nil, errors.New("projection handler is required")
	}
	if opts.StartFromPosition < 0 {
		return nil, errors.New("start position must not be negative")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = e.cfg.DefaultBatchSize
	}
	opts.RetryPolicy = opts.RetryPolicy.withDefaults(e.cfg.DefaultRetry)

	checkpoint, created, err := e.checkpoints.CreateIfAbsent(ctx, &models.ProjectionCheckpoint{
		ProjectionName: name,
		Position:       opts.StartFromPosition,
		Status:         models.ProjectionRunning,
		TenantID:       optional(opts.TenantID),
		ConsumerGroup:  optional(opts.ConsumerGroup),
		EventTypes:     opts.EventTypes,
		AggregateTypes: opts.AggregateTypes,
	})
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	reg, exists := e.projections[name]
	if !exists {
		reg = &registration{name: name}
		e.projections[name] = reg
	}
	e.mu.Unlock()

	reg.batch.Lock()
	if !created && !sameFilters(checkpoint, opts) {
		checkpoint, err = e.refilter(ctx, name, opts)
		if err != nil {
			reg.batch.Unlock()
			return nil, err
		}
	}
	reg.handler = handler
	reg.opts = opts
	reg.batch.Unlock()

	log.Info().
		Str("projection", name).
		Bool("created", created).
		Int64("position", checkpoint.Position).
		Str("status", string(checkpoint.Status)).
		Msg("Projection registered")

	return checkpoint, nil
}

// refilter stores the subscription filters of opts on the checkpoint. The
// caller holds the registration's batch lock.
func (e *Engine) refilter(ctx context.Context, name string, opts Options) (*models.ProjectionCheckpoint, error) {
	checkpoint, err := e.checkpoints.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	checkpoint.TenantID = optional(opts.TenantID)
	checkpoint.ConsumerGroup = optional(opts.ConsumerGroup)
	checkpoint.EventTypes = opts.EventTypes
	checkpoint.AggregateTypes = opts.AggregateTypes
	if err := e.checkpoints.Save(ctx, checkpoint); err != nil {
		return nil, err
	}

	log.Info().
		Str("projection", name).
		Strs("event_types", opts.EventTypes).
		Strs("aggregate_types", opts.AggregateTypes).
		Msg("Projection filters updated")
	return checkpoint, nil
}

func sameFilters(checkpoint *models.ProjectionCheckpoint, opts Options) bool {
	return deref(checkpoint.TenantID) == opts.TenantID &&
		deref(checkpoint.ConsumerGroup) == opts.ConsumerGroup &&
		slices.Equal(checkpoint.EventTypes, opts.EventTypes) &&
		slices.Equal(checkpoint.AggregateTypes, opts.AggregateTypes)
}

func (e *Engine) lookup(name string) (*registration, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	reg, ok := e.projections[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrNotRegistered)
	}
	return reg, nil
}

// Start sets the projection RUNNING and installs its recurring tick. A
// FAULTED projection must be reset first.
func (e *Engine) Start(ctx context.Context, name string) error {
	reg, err := e.lookup(name)
	if err != nil {
		return err
	}

	reg.batch.Lock()
	defer reg.batch.Unlock()

	checkpoint, err := e.checkpoints.Get(ctx, name)
	if err != nil {
		return err
	}
	if checkpoint.Status == models.ProjectionFaulted {
		return fmt.Errorf("start %s from %s: %w", name, checkpoint.Status, ErrInvalidTransition)
	}
	if checkpoint.Status != models.ProjectionRunning {
		checkpoint.Status = models.ProjectionRunning
		if err := e.checkpoints.Save(ctx, checkpoint); err != nil {
			return err
		}
	}
	if err := e.schedule(reg); err != nil {
		return err
	}

	log.Info().Str("projection", name).Dur("interval", e.cfg.TickInterval).Msg("Projection started")
	return nil
}

func (e *Engine) schedule(reg *registration) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if reg.scheduled {
		return nil
	}
	name := reg.name
	if err := e.scheduler.Schedule(name, e.cfg.TickInterval, func() { e.tick(name) }); err != nil {
		return err
	}
	reg.scheduled = true
	return nil
}

// Stop removes the projection's tick and marks it STOPPED. An in-flight batch
// is allowed to finish first. A FAULTED projection stays FAULTED.
func (e *Engine) Stop(ctx context.Context, name string) error {
	reg, err := e.lookup(name)
	if err != nil {
		return err
	}

	if err := e.unschedule(reg); err != nil {
		return err
	}

	reg.batch.Lock()
	defer reg.batch.Unlock()

	checkpoint, err := e.checkpoints.Get(ctx, name)
	if err != nil {
		return err
	}
	switch checkpoint.Status {
	case models.ProjectionRunning, models.ProjectionPaused:
		checkpoint.Status = models.ProjectionStopped
		if err := e.checkpoints.Save(ctx, checkpoint); err != nil {
			return err
		}
	}

	log.Info().Str("projection", name).Str("status", string(checkpoint.Status)).Msg("Projection stopped")
	return nil
}

func (e *Engine) unschedule(reg *registration) error {
	e.mu.Lock()
	scheduled := reg.scheduled
	reg.scheduled = false
	e.mu.Unlock()

	if !scheduled {
		return nil
	}
	return e.scheduler.Unschedule(reg.name)
}

// Pause suspends a RUNNING projection. Its tick stays installed and skips
// batches until Resume.
func (e *Engine) Pause(ctx context.Context, name string) error {
	return e.transition(ctx, name, models.ProjectionRunning, models.ProjectionPaused)
}

// Resume returns a PAUSED projection to RUNNING and installs its tick if
// this process has none yet.
func (e *Engine) Resume(ctx context.Context, name string) error {
	if err := e.transition(ctx, name, models.ProjectionPaused, models.ProjectionRunning); err != nil {
		return err
	}
	reg, err := e.lookup(name)
	if err != nil {
		return err
	}
	return e.schedule(reg)
}

func (e *Engine) transition(ctx context.Context, name string, from, to models.ProjectionStatus) error {
	reg, err := e.lookup(name)
	if err != nil {
		return err
	}

	reg.batch.Lock()
	defer reg.batch.Unlock()

	checkpoint, err := e.checkpoints.Get(ctx, name)
	if err != nil {
		return err
	}
	if checkpoint.Status != from {
		return fmt.Errorf("%s %s -> %s: %w", name, checkpoint.Status, to, ErrInvalidTransition)
	}

	checkpoint.Status = to
	if err := e.checkpoints.Save(ctx, checkpoint); err != nil {
		return err
	}

	log.Info().Str("projection", name).Str("from", string(from)).Str("to", string(to)).Msg("Projection status changed")
	return nil
}

// Reset rewinds the checkpoint to position and clears counters and errors.
// A FAULTED projection becomes RUNNING; any other status is kept.
func (e *Engine) Reset(ctx context.Context, name string, position int64) error {
	if position < 0 {
		return errors.New("reset position must not be negative")
	}

	reg, err := e.lookup(name)
	if err != nil {
		return err
	}

	reg.batch.Lock()
	defer reg.batch.Unlock()

	checkpoint, err := e.checkpoints.Get(ctx, name)
	if err != nil {
		return err
	}

	checkpoint.Position = position
	checkpoint.EventsProcessed = 0
	checkpoint.EventsFailed = 0
	checkpoint.LastError = nil
	checkpoint.LastErrorAt = nil
	checkpoint.AvgProcessingTimeMs = 0
	if checkpoint.Status == models.ProjectionFaulted {
		checkpoint.Status = models.ProjectionRunning
	}
	if err := e.checkpoints.Save(ctx, checkpoint); err != nil {
		return err
	}

	log.Info().Str("projection", name).Int64("position", position).Msg("Projection reset")
	return nil
}

func (e *Engine) tick(name string) {
	result, err := e.ProcessBatch(context.Background(), name)
	if err != nil {
		log.Error().Err(err).Str("projection", name).Msg("Failed to process projection batch")
		return
	}
	if result.Processed > 0 || result.Failed > 0 {
		log.Debug().
			Str("projection", name).
			Int("processed", result.Processed).
			Int("failed", result.Failed).
			Int64("position", result.Position).
			Msg("Projection batch processed")
	}
}

// ProcessBatch runs one batch for the projection. If a batch for the same
// projection is already running the call returns at once with Skipped set.
func (e *Engine) ProcessBatch(ctx context.Context, name string) (*BatchResult, error) {
	reg, err := e.lookup(name)
	if err != nil {
		return nil, err
	}

	if !reg.batch.TryLock() {
		return &BatchResult{Skipped: true}, nil
	}
	defer reg.batch.Unlock()

	if e.app != nil {
		txn := e.app.StartTransaction("projection/" + name)
		defer txn.End()
		ctx = newrelic.NewContext(ctx, txn)
	}

	return e.processBatch(ctx, reg)
}

func (e *Engine) processBatch(ctx context.Context, reg *registration) (*BatchResult, error) {
	checkpoint, err := e.checkpoints.Get(ctx, reg.name)
	if err != nil {
		return nil, err
	}

	result := &BatchResult{Position: checkpoint.Position, Status: checkpoint.Status}
	if checkpoint.Status != models.ProjectionRunning {
		return result, nil
	}

	events, err := e.events.Find(ctx, repository.EventQuery{
		TenantID:       reg.opts.TenantID,
		EventTypes:     reg.opts.EventTypes,
		AggregateTypes: reg.opts.AggregateTypes,
		AfterPosition:  checkpoint.Position,
		OrderBy:        repository.OrderByGlobalPosition,
		Limit:          reg.opts.BatchSize,
	})
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return result, nil
	}

	batchStart := e.clock.Now()
	var handledMs float64
	var ctxErr error

	for i := range events {
		event := &events[i]

		start := e.clock.Now()
		attempts, err := e.handle(ctx, reg, event)
		elapsed := e.clock.Since(start)

		if err == nil {
			result.Processed++
			handledMs += float64(elapsed) / float64(time.Millisecond)
			checkpoint.Position = event.GlobalPosition
			continue
		}

		if ctx.Err() != nil {
			ctxErr = ctx.Err()
			break
		}

		handlerErr := &HandlerError{
			Projection: reg.name,
			EventID:    event.ID,
			Position:   event.GlobalPosition,
			Attempts:   attempts,
			Err:        err,
		}
		message := handlerErr.Error()
		failedAt := e.clock.Now().UTC()
		result.Failed++
		checkpoint.LastError = &message
		checkpoint.LastErrorAt = &failedAt

		if IsSkip(err) {
			log.Warn().Err(handlerErr).Str("projection", reg.name).Msg("Event skipped by projection")
			checkpoint.Position = event.GlobalPosition
			continue
		}

		log.Error().Err(handlerErr).Str("projection", reg.name).Msg("Projection faulted")
		checkpoint.Status = models.ProjectionFaulted
		break
	}

	if result.Processed > 0 {
		previous := float64(checkpoint.EventsProcessed)
		checkpoint.AvgProcessingTimeMs = (checkpoint.AvgProcessingTimeMs*previous + handledMs) / (previous + float64(result.Processed))
	}
	checkpoint.EventsProcessed += int64(result.Processed)
	checkpoint.EventsFailed += int64(result.Failed)

	// Persist progress even when the context is done; it only bounds handlers.
	if err := e.checkpoints.Save(context.WithoutCancel(ctx), checkpoint); err != nil {
		return nil, err
	}

	result.Position = checkpoint.Position
	result.Status = checkpoint.Status
	e.record(ctx, reg.name, result, e.clock.Since(batchStart))

	if ctxErr != nil {
		return result, ctxErr
	}
	return result, nil
}

// handle calls the handler until it succeeds or the retry policy is exhausted
func (e *Engine) handle(ctx context.Context, reg *registration, event *models.Event) (int, error) {
	policy := reg.opts.RetryPolicy
	delay := policy.InitialDelay

	for attempt := 1; ; attempt++ {
		err := safeHandle(ctx, reg.handler, event)
		if err == nil {
			return attempt, nil
		}
		if IsSkip(err) || attempt >= policy.MaxRetries {
			return attempt, err
		}

		log.Warn().
			Err(err).
			Str("projection", reg.name).
			Str("event_id", event.ID).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Projection handler failed, retrying")

		select {
		case <-ctx.Done():
			return attempt, ctx.Err()
		case <-e.clock.After(delay):
		}
		delay = policy.next(delay)
	}
}

func safeHandle(ctx context.Context, handler Handler, event *models.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler.Handle(ctx, event)
}

func (e *Engine) record(ctx context.Context, name string, result *BatchResult, elapsed time.Duration) {
	if e.metrics == nil {
		return
	}
	prefix := "projection." + name
	e.metrics.IncrementCounterBy(prefix+".processed", int64(result.Processed))
	e.metrics.IncrementCounterBy(prefix+".failed", int64(result.Failed))
	e.metrics.RecordTimer(prefix+".batch", elapsed.Milliseconds())

	if max, err := e.events.MaxPosition(ctx); err == nil {
		e.metrics.SetGauge(prefix+".lag", max-result.Position)
	}
}

// Lag is the distance between the head of the log and the projection's checkpoint.
func (e *Engine) Lag(ctx context.Context, name string) (int64, error) {
	checkpoint, err := e.checkpoints.Get(ctx, name)
	if err != nil {
		return 0, err
	}
	max, err := e.events.MaxPosition(ctx)
	if err != nil {
		return 0, err
	}
	return max - checkpoint.Position, nil
}

// Status returns the projection's checkpoint and lag.
func (e *Engine) Status(ctx context.Context, name string) (*Status, error) {
	checkpoint, err := e.checkpoints.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	max, err := e.events.MaxPosition(ctx)
	if err != nil {
		return nil, err
	}
	return e.status(checkpoint, max), nil
}

// List returns the status of every projection with a checkpoint.
func (e *Engine) List(ctx context.Context) ([]Status, error) {
	checkpoints, err := e.checkpoints.List(ctx)
	if err != nil {
		return nil, err
	}
	max, err := e.events.MaxPosition(ctx)
	if err != nil {
		return nil, err
	}

	statuses := make([]Status, 0, len(checkpoints))
	for i := range checkpoints {
		statuses = append(statuses, *e.status(&checkpoints[i], max))
	}
	return statuses, nil
}

func (e *Engine) status(checkpoint *models.ProjectionCheckpoint, max int64) *Status {
	e.mu.RLock()
	reg, registered := e.projections[checkpoint.ProjectionName]
	scheduled := registered && reg.scheduled
	e.mu.RUnlock()

	return &Status{
		Checkpoint: checkpoint,
		Lag:        max - checkpoint.Position,
		Registered: registered,
		Scheduled:  scheduled,
	}
}

// Shutdown removes every tick and waits for in-flight batches. Checkpoint
// statuses are left as they are so the next process resumes where this one
// stopped.
func (e *Engine) Shutdown() {
	e.mu.RLock()
	regs := make([]*registration, 0, len(e.projections))
	for _, reg := range e.projections {
		regs = append(regs, reg)
	}
	e.mu.RUnlock()

	for _, reg := range regs {
		if err := e.unschedule(reg); err != nil {
			log.Error().Err(err).Str("projection", reg.name).Msg("Failed to unschedule projection")
		}
		reg.batch.Lock()
		reg.batch.Unlock()
	}
	log.Info().Int("projections", len(regs)).Msg("Projection engine shut down")
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
