// Package cron runs the supervisor's two daemon-thread cadences outside
// the main tick loop (spec §5: "the background-consciousness runs on
// another daemon thread"): the owner-configurable `/review`-on-schedule
// convenience, evaluated against a standard 5-field cron expression, and
// the bg_consciousness wakeup window, a jittered interval between two
// configured bounds. Both enqueue directly onto the shared task queue;
// neither mutates state or git directly.
package cron

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/ouroboros-agent/ouroboros/internal/queue"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// NextRunTime parses expr and returns the next run time strictly after
// the given time.
func NextRunTime(expr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// Config holds the Scheduler's dependencies.
type Config struct {
	Queue  *queue.Queue
	Logger *slog.Logger

	// ReviewCronExpr is a standard 5-field cron expression for the
	// optional owner-configured `/review`-on-schedule convenience. Empty
	// disables it.
	ReviewCronExpr string
	// ReviewPriority is the priority assigned to the scheduled review
	// task (spec §4.4: evolution/bg_consciousness sit below owner kinds,
	// but a scheduled review is still background work).
	ReviewPriority int

	// BGWakeupMin/Max bound the jittered bg_consciousness cadence.
	BGWakeupMin time.Duration
	BGWakeupMax time.Duration
	// BGEnabled reports, at tick time, whether bg_consciousness is
	// currently turned on (owner-toggled via /bg, persisted in state).
	BGEnabled func() bool

	Deadlines queue.Deadlines

	// Interval is how often the scheduler goroutine wakes to check due
	// conditions. Defaults to 30s.
	Interval time.Duration
	// Now returns the current time; overridable for deterministic tests.
	Now func() time.Time
	// Rand supplies jitter for the bg_consciousness cadence; overridable
	// for deterministic tests. Defaults to math/rand's package-level
	// source.
	Rand func() float64
}

// Scheduler evaluates the review-cron and bg_consciousness cadences on
// its own goroutine and enqueues due tasks onto the shared queue.
type Scheduler struct {
	q      *queue.Queue
	logger *slog.Logger

	reviewExpr     cronlib.Schedule
	reviewPriority int

	bgMin, bgMax time.Duration
	bgEnabled    func() bool

	deadlines queue.Deadlines
	interval  time.Duration
	now       func() time.Time
	randFloat func() float64

	mu           sync.Mutex
	nextReviewAt time.Time
	nextBGAt     time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler builds a Scheduler from cfg. A malformed ReviewCronExpr
// disables the review cadence (logged, not fatal) rather than failing
// startup over an optional convenience.
func NewScheduler(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	randFloat := cfg.Rand
	if randFloat == nil {
		randFloat = rand.Float64
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	bgEnabled := cfg.BGEnabled
	if bgEnabled == nil {
		bgEnabled = func() bool { return false }
	}

	s := &Scheduler{
		q:              cfg.Queue,
		logger:         logger,
		reviewPriority: cfg.ReviewPriority,
		bgMin:          cfg.BGWakeupMin,
		bgMax:          cfg.BGWakeupMax,
		bgEnabled:      bgEnabled,
		deadlines:      cfg.Deadlines,
		interval:       interval,
		now:            now,
		randFloat:      randFloat,
	}

	if cfg.ReviewCronExpr != "" {
		parsed, err := cronParser.Parse(cfg.ReviewCronExpr)
		if err != nil {
			logger.Warn("cron: invalid review schedule, disabling", "expr", cfg.ReviewCronExpr, "error", err)
		} else {
			s.reviewExpr = parsed
			s.nextReviewAt = parsed.Next(now())
		}
	}
	s.nextBGAt = s.jitterBGWakeup(now())

	return s
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval)
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	s.tickReview(now)
	s.tickBGConsciousness(now)
}

func (s *Scheduler) tickReview(now time.Time) {
	if s.reviewExpr == nil {
		return
	}
	s.mu.Lock()
	due := !now.Before(s.nextReviewAt)
	s.mu.Unlock()
	if !due {
		return
	}

	t := queue.NewTask(queue.KindReview, s.reviewPriority, queue.Payload{
		Prompt: "scheduled review",
	}, "", now, s.deadlines)
	if err := s.q.Enqueue(t); err != nil {
		s.logger.Warn("cron: scheduled review enqueue failed", "error", err)
	} else {
		s.logger.Info("cron: scheduled review enqueued", "task_id", t.ID)
	}

	s.mu.Lock()
	s.nextReviewAt = s.reviewExpr.Next(now)
	s.mu.Unlock()
}

func (s *Scheduler) tickBGConsciousness(now time.Time) {
	if !s.bgEnabled() {
		return
	}
	s.mu.Lock()
	due := !now.Before(s.nextBGAt)
	s.mu.Unlock()
	if !due {
		return
	}

	t := queue.NewTask(queue.KindBGConsciousness, s.reviewPriority, queue.Payload{
		Prompt: "bg_consciousness wakeup",
	}, "", now, s.deadlines)
	// bg_consciousness wakeups are never deduplicated against each other
	// by design (each wakeup is its own cycle), but a prior wakeup task
	// still running is a legitimate reason to skip this one; Enqueue's
	// error is non-fatal either way.
	if err := s.q.Enqueue(t); err != nil {
		s.logger.Debug("cron: bg_consciousness wakeup skipped", "error", err)
	} else {
		s.logger.Info("cron: bg_consciousness wakeup enqueued", "task_id", t.ID)
	}

	s.mu.Lock()
	s.nextBGAt = s.jitterBGWakeup(now)
	s.mu.Unlock()
}

// jitterBGWakeup picks a uniformly random instant within [min, max) of now,
// per spec.md §9's `bg_wakeup_min/max_sec` cadence bounds.
func (s *Scheduler) jitterBGWakeup(now time.Time) time.Time {
	lo, hi := s.bgMin, s.bgMax
	if hi <= lo {
		return now.Add(lo)
	}
	span := hi - lo
	return now.Add(lo + time.Duration(s.randFloat()*float64(span)))
}
