// Package schedule owns the post queue and publishes one item per trigger fire.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"linkedin-autoposter/linkedin"
	"linkedin-autoposter/pkg/autopost"
)

// ErrEmptyBatch is returned by Start when the asset store has nothing to post.
var ErrEmptyBatch = errors.New("no images found")

// ErrAlreadyStarted is returned by a second call to Start.
var ErrAlreadyStarted = errors.New("scheduler already started")

// Fetcher interface for building the initial batch.
type Fetcher interface {
	FetchBatch(ctx context.Context, maxResults int) ([]*autopost.PostItem, error)
}

// Publisher interface for delivering a single post.
type Publisher interface {
	Publish(ctx context.Context, item *autopost.PostItem) (*autopost.Receipt, error)
}

// Journal interface for recording delivery outcomes.
type Journal interface {
	Record(ctx context.Context, d *autopost.Delivery) error
}

// Config holds scheduler configuration.
type Config struct {
	Fetcher   Fetcher
	Publisher Publisher
	Journal   Journal // Optional
	Logger    *slog.Logger
	Location  *time.Location   // Trigger time zone (default UTC)
	Now       func() time.Time // Clock override for tests
	Trigger   string           // Cron expression, e.g. "53 17 * * *"
	BatchSize int
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	NextRun      time.Time          `json:"next_run,omitzero"`
	LastDelivery *autopost.Delivery `json:"last_delivery,omitempty"`
	State        autopost.State     `json:"state"`
	Error        string             `json:"error,omitempty"`
	Trigger      string             `json:"trigger"`
	TimeZone     string             `json:"time_zone"`
	Remaining    int                `json:"remaining"`
}

// TickResult describes what one tick did.
type TickResult struct {
	Item      *autopost.PostItem
	Receipt   *autopost.Receipt
	Err       error // Delivery error, already logged
	State     autopost.State
	Remaining int
	Skipped   bool // Another tick was running, or the scheduler is not armed
}

// Scheduler drains a FIFO post queue, one item per trigger fire.
type Scheduler struct {
	fetcher   Fetcher
	publisher Publisher
	journal   Journal
	logger    *slog.Logger
	location  *time.Location
	now       func() time.Time
	cron      *cron.Cron
	schedule  cron.Schedule
	done      chan struct{}
	trigger   string
	batchSize int

	ticking  sync.Mutex // Held for the whole tick; TryLock rejects overlapping fires
	doneOnce sync.Once

	mu      sync.Mutex
	queue   Queue
	state   autopost.State
	err     error
	last    *autopost.Delivery
	started bool
}

// New creates a new scheduler in the uninitialized state.
func New(cfg *Config) (*Scheduler, error) {
	if cfg.Fetcher == nil || cfg.Publisher == nil {
		return nil, errors.New("fetcher and publisher are required")
	}
	if cfg.BatchSize < 1 {
		return nil, fmt.Errorf("invalid batch size %d", cfg.BatchSize)
	}
	sched, err := ParseTrigger(cfg.Trigger)
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		fetcher:   cfg.Fetcher,
		publisher: cfg.Publisher,
		journal:   cfg.Journal,
		logger:    cfg.Logger,
		location:  cfg.Location,
		now:       cfg.Now,
		schedule:  sched,
		done:      make(chan struct{}),
		trigger:   cfg.Trigger,
		batchSize: cfg.BatchSize,
		state:     autopost.StateUninitialized,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.location == nil {
		s.location = time.UTC
	}
	if s.now == nil {
		s.now = time.Now
	}

	cl := cronLogger{logger: s.logger}
	s.cron = cron.New(
		cron.WithParser(parser),
		cron.WithLocation(s.location),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	return s, nil
}

// Start fetches the batch, fills the queue and arms the trigger.
// A failed or empty fetch moves the scheduler to the failed state.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started || s.state != autopost.StateUninitialized {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	s.logger.Info("Starting LinkedIn automation", "batch_size", s.batchSize)

	items, err := s.fetcher.FetchBatch(ctx, s.batchSize)
	if err != nil {
		err = fmt.Errorf("fetch batch: %w", err)
		s.logger.Error("Image fetch failed", "error", err)
		s.fail(err)
		return err
	}
	if len(items) == 0 {
		s.logger.Error("No images found")
		s.fail(ErrEmptyBatch)
		return ErrEmptyBatch
	}

	s.mu.Lock()
	s.queue.Push(items...)
	s.state = autopost.StateArmed
	s.mu.Unlock()

	if _, err := s.cron.AddFunc(s.trigger, func() { s.Tick(ctx) }); err != nil {
		err = fmt.Errorf("arm trigger: %w", err)
		s.fail(err)
		return err
	}
	s.cron.Start()

	s.logger.Info("Scheduled posts",
		"trigger", s.trigger,
		"time_zone", s.location.String(),
		"queued", len(items),
		"next_run", s.NextRun().Format(time.RFC3339))
	return nil
}

// Tick publishes the head of the queue. An empty queue drains the scheduler.
// Delivery failures are logged and the item is discarded.
func (s *Scheduler) Tick(ctx context.Context) TickResult {
	if !s.ticking.TryLock() {
		s.logger.Warn("Previous tick still running, skipping trigger")
		return TickResult{Skipped: true, State: s.State(), Remaining: s.Remaining()}
	}
	defer s.ticking.Unlock()

	s.mu.Lock()
	if s.state != autopost.StateArmed {
		res := TickResult{Skipped: true, State: s.state, Remaining: s.queue.Len()}
		s.mu.Unlock()
		return res
	}
	item, ok := s.queue.Pop()
	if !ok {
		s.state = autopost.StateDrained
		s.mu.Unlock()
		s.logger.Info("No more images to post, scheduler drained")
		s.finish()
		return TickResult{State: autopost.StateDrained}
	}
	s.state = autopost.StatePosting
	remaining := s.queue.Len()
	s.mu.Unlock()
	defer s.rearm()

	startTime := s.now()
	receipt, err := s.publish(ctx, item)
	delivery := &autopost.Delivery{
		ID:          uuid.New().String(),
		AttemptedAt: startTime,
		Caption:     item.Caption,
		SourceURL:   item.SourceURL,
		AssetID:     item.AssetID,
		Ordinal:     item.Ordinal,
		Total:       item.Total,
		Remaining:   remaining,
		DurationMS:  s.now().Sub(startTime).Milliseconds(),
	}
	if err != nil {
		delivery.Status = autopost.StatusFailed
		delivery.Step = linkedin.FailedStep(err)
		delivery.Error = err.Error()
		s.logger.Error("LinkedIn post failed, discarding item",
			"ordinal", item.Ordinal,
			"total", item.Total,
			"step", delivery.Step,
			"error", err)
	} else {
		delivery.Status = autopost.StatusPublished
		if receipt != nil {
			delivery.AssetURN = receipt.AssetURN
			delivery.PostURN = receipt.PostURN
		}
		s.logger.Info("Posted item",
			"ordinal", item.Ordinal,
			"total", item.Total,
			"caption", item.Caption,
			"post", delivery.PostURN)
	}

	s.record(ctx, delivery)

	s.mu.Lock()
	s.state = autopost.StateArmed
	s.last = delivery
	s.mu.Unlock()

	s.logger.Info("Tick completed",
		"remaining", remaining,
		"next_run", s.NextRun().Format(time.RFC3339))

	return TickResult{
		Item:      item,
		Receipt:   receipt,
		Err:       err,
		State:     autopost.StateArmed,
		Remaining: remaining,
	}
}

// publish converts a publisher panic into a delivery error.
func (s *Scheduler) publish(ctx context.Context, item *autopost.PostItem) (receipt *autopost.Receipt, err error) {
	defer func() {
		if r := recover(); r != nil {
			receipt, err = nil, fmt.Errorf("publisher panic: %v", r)
		}
	}()
	return s.publisher.Publish(ctx, item)
}

func (s *Scheduler) record(ctx context.Context, d *autopost.Delivery) {
	if s.journal == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Journal panic while recording delivery", "id", d.ID, "panic", r)
		}
	}()
	if err := s.journal.Record(ctx, d); err != nil {
		s.logger.Warn("Failed to record delivery", "id", d.ID, "error", err)
	}
}

// rearm leaves the posting state even if the tick unwinds early.
func (s *Scheduler) rearm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == autopost.StatePosting {
		s.state = autopost.StateArmed
	}
}

// Stop disarms the trigger and waits for a running tick to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the scheduler reaches a terminal state.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// State returns the current lifecycle state.
func (s *Scheduler) State() autopost.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the fatal initialization error, if any.
func (s *Scheduler) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Remaining returns the number of queued items.
func (s *Scheduler) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// NextRun returns the next trigger time, or the zero time once terminal.
func (s *Scheduler) NextRun() time.Time {
	if s.State().Terminal() {
		return time.Time{}
	}
	return s.schedule.Next(s.now().In(s.location))
}

// Status returns a snapshot for status reporting.
func (s *Scheduler) Status() Status {
	next := s.NextRun()

	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		NextRun:      next,
		LastDelivery: s.last,
		State:        s.state,
		Trigger:      s.trigger,
		TimeZone:     s.location.String(),
		Remaining:    s.queue.Len(),
	}
	if s.err != nil {
		st.Error = s.err.Error()
	}
	return st
}

func (s *Scheduler) fail(err error) {
	s.mu.Lock()
	s.state = autopost.StateFailed
	s.err = err
	s.mu.Unlock()
	s.finish()
}

// finish stops the trigger without waiting, since it may run inside a cron job.
func (s *Scheduler) finish() {
	s.doneOnce.Do(func() {
		s.cron.Stop()
		close(s.done)
	})
}
