// Package scheduler runs the background loop that fires due wake-up alarms.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/flowpbx/wakeup/internal/database"
	"github.com/flowpbx/wakeup/internal/database/models"
	"github.com/flowpbx/wakeup/internal/wakeup"
)

// stopTimeout bounds how long Stop waits for the loop to exit.
const stopTimeout = time.Second

// AlarmSource lists alarms by status, ordered by alarm time, and updates
// their status conditionally.
type AlarmSource interface {
	ListAlarmsByStatus(ctx context.Context, status models.AlarmStatus) ([]models.Alarm, error)
	UpdateAlarmStatus(ctx context.Context, id int64, status models.AlarmStatus, from ...models.AlarmStatus) error
}

// Executor places the wake-up call for one alarm.
type Executor interface {
	Execute(ctx context.Context, alarm models.Alarm) (wakeup.Outcome, error)
}

// Sweeper ends tracked calls older than maxAge.
type Sweeper interface {
	Sweep(ctx context.Context, maxAge time.Duration) []string
}

// Options configures the loop timings.
type Options struct {
	Interval     time.Duration // pause between passes
	Tolerance    time.Duration // an alarm fires within this distance of now
	ErrorBackoff time.Duration // pause after a failed pass
	MaxCallAge   time.Duration // age after which tracked calls are swept
	CallTimeout  time.Duration // upper bound for a single call, and the age of a stale executing alarm
}

// Stats are the loop counters since start.
type Stats struct {
	Passes     uint64
	PassErrors uint64
	Fired      uint64
	Outcomes   map[models.AlarmStatus]uint64
	LastPass   time.Time
	Running    bool
}

// Scheduler checks for due alarms on a fixed interval and executes them one
// at a time.
type Scheduler struct {
	alarms  AlarmSource
	exec    Executor
	sweeper Sweeper
	opts    Options
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	stats  Stats
}

// New creates a Scheduler. sweeper may be nil.
func New(alarms AlarmSource, exec Executor, sweeper Sweeper, opts Options, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		alarms:  alarms,
		exec:    exec,
		sweeper: sweeper,
		opts:    opts,
		logger:  logger.With("subsystem", "scheduler"),
		now:     time.Now,
		stats:   Stats{Outcomes: make(map[models.AlarmStatus]uint64)},
	}
}

// Start launches the loop. It is a no-op while the loop is running. If a
// stopped loop is still finishing a call, Start waits for it to exit first.
// The loop ends when ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	prev := s.done
	s.mu.Unlock()
	if prev != nil {
		s.logger.Info("waiting for previous scheduler loop to finish")
		<-prev
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil || s.done != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.stats.Running = true
	go s.loop(ctx, s.done)
	s.logger.Info("scheduler started", "interval", s.opts.Interval, "tolerance", s.opts.Tolerance)
}

// Stop cancels the loop and waits briefly for it to exit. A call in progress
// is not interrupted; Stop returns false if the loop was still busy when the
// wait ran out.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if done == nil {
		return true
	}
	if cancel != nil {
		cancel()
	}

	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return true
	case <-time.After(stopTimeout):
		s.logger.Warn("scheduler still finishing a call, not waiting", "timeout", stopTimeout)
		return false
	}
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats.Running
}

// Stats returns a copy of the loop counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Outcomes = make(map[models.AlarmStatus]uint64, len(s.stats.Outcomes))
	for k, v := range s.stats.Outcomes {
		st.Outcomes[k] = v
	}
	return st
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer func() {
		s.mu.Lock()
		if s.done == done {
			// Parent context ended without Stop.
			if s.cancel != nil {
				s.cancel()
			}
			s.cancel, s.done = nil, nil
			s.stats.Running = false
		}
		s.mu.Unlock()
		close(done)
	}()

	if _, err := s.RecoverStale(ctx); err != nil {
		s.logger.Error("recovering stale alarms failed", "error", err)
	}

	for {
		wait := s.opts.Interval
		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.Error("scheduler pass failed, backing off", "error", err, "backoff", s.opts.ErrorBackoff)
			wait = s.opts.ErrorBackoff
		}
		if !sleep(ctx, wait) {
			return
		}
	}
}

// RecoverStale marks alarms left executing for longer than CallTimeout as
// failed. Only a crash or a kill during a call leaves them behind, since the
// loop runs one call at a time. It returns the number of alarms marked.
func (s *Scheduler) RecoverStale(ctx context.Context) (int, error) {
	if s.opts.CallTimeout <= 0 {
		return 0, nil
	}
	alarms, err := s.alarms.ListAlarmsByStatus(ctx, models.AlarmExecuting)
	if err != nil {
		return 0, fmt.Errorf("listing executing alarms: %w", err)
	}

	now := s.now()
	n := 0
	for _, a := range alarms {
		if now.Sub(a.UpdatedAt) <= s.opts.CallTimeout {
			continue
		}
		err := s.alarms.UpdateAlarmStatus(ctx, a.ID, models.AlarmFailed, models.AlarmExecuting)
		if errors.Is(err, database.ErrStatusConflict) {
			continue
		}
		if err != nil {
			return n, fmt.Errorf("failing stale alarm %d: %w", a.ID, err)
		}
		n++
		s.logger.Warn("stale executing alarm marked failed", "alarm_id", a.ID, "room", a.RoomNumber, "since", a.UpdatedAt)
	}
	return n, nil
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Due reports whether alarm time at lies within tolerance of now.
func Due(at, now time.Time, tolerance time.Duration) bool {
	d := at.Sub(now)
	if d < 0 {
		d = -d
	}
	return d <= tolerance
}

// RunOnce performs one pass: it executes every scheduled alarm within the
// tolerance window in store order and then sweeps stale calls. It returns the
// number of alarms executed. Failed alarms are not pass errors; a panic is.
func (s *Scheduler) RunOnce(ctx context.Context) (fired int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in scheduler pass: %v", r)
			s.logger.Error("scheduler pass panicked", "panic", r, "stack", string(debug.Stack()))
		}
		s.mu.Lock()
		s.stats.Passes++
		s.stats.Fired += uint64(fired)
		s.stats.LastPass = s.now()
		if err != nil {
			s.stats.PassErrors++
		}
		s.mu.Unlock()
	}()

	alarms, err := s.alarms.ListAlarmsByStatus(ctx, models.AlarmScheduled)
	if err != nil {
		return 0, fmt.Errorf("listing scheduled alarms: %w", err)
	}

	for _, a := range alarms {
		if ctx.Err() != nil {
			break
		}
		now := s.now()
		if !Due(a.AlarmTime, now, s.opts.Tolerance) {
			continue
		}
		s.logger.Info("alarm due", "alarm_id", a.ID, "room", a.RoomNumber, "alarm_time", a.AlarmTime)
		out := s.execute(ctx, a)
		fired++
		s.mu.Lock()
		s.stats.Outcomes[out.Status]++
		s.mu.Unlock()
	}

	if s.sweeper != nil && s.opts.MaxCallAge > 0 {
		if swept := s.sweeper.Sweep(ctx, s.opts.MaxCallAge); len(swept) > 0 {
			s.logger.Info("swept stale calls", "extensions", swept)
		}
	}
	return fired, nil
}

// execute runs one alarm on a context that survives Stop, so a ringing
// call is allowed to finish.
func (s *Scheduler) execute(ctx context.Context, a models.Alarm) wakeup.Outcome {
	callCtx := context.WithoutCancel(ctx)
	if s.opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, s.opts.CallTimeout)
		defer cancel()
	}

	out, err := s.exec.Execute(callCtx, a)
	if err != nil {
		s.logger.Warn("alarm failed", "alarm_id", a.ID, "error", err)
		return out
	}
	s.logger.Info("alarm processed", "alarm_id", a.ID, "status", out.Status,
		"digit", out.Digit, "snooze_minutes", out.SnoozeMinutes)
	return out
}
