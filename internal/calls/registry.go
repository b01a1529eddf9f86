// Package calls tracks wake-up calls believed to be in progress on the switch.
package calls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrNoActiveCall is returned when no call is tracked for an extension.
var ErrNoActiveCall = errors.New("no active call for extension")

// State is the lifecycle state of a tracked call.
type State string

// StateRinging is the only state a tracked call is in: it is added when the
// call is originated and removed when it ends.
const StateRinging State = "ringing"

// Call is the metadata kept for one in-flight wake-up call.
type Call struct {
	Extension  string    `json:"extension"`
	CallID     string    `json:"call_id"`
	AlarmID    int64     `json:"alarm_id"`
	RoomNumber string    `json:"room_number"`
	Prompt     string    `json:"prompt"`
	State      State     `json:"state"`
	StartTime  time.Time `json:"start_time"`

	ending bool
}

// Age returns how long the call has been tracked at now.
func (c Call) Age(now time.Time) time.Duration {
	return now.Sub(c.StartTime)
}

// Hanger tears down the switch channels belonging to an extension.
type Hanger interface {
	Hangup(ctx context.Context, ext string) (int, error)
}

// Registry tracks active calls keyed by extension. It is safe for concurrent
// use by the scheduler and deferred termination tasks.
type Registry struct {
	mu     sync.RWMutex
	calls  map[string]*Call
	hanger Hanger
	logger *slog.Logger
	now    func() time.Time
}

// NewRegistry creates an empty registry that hangs calls up through h.
func NewRegistry(h Hanger, logger *slog.Logger) *Registry {
	return &Registry{
		calls:  make(map[string]*Call),
		hanger: h,
		logger: logger.With("subsystem", "calls"),
		now:    time.Now,
	}
}

// Register inserts or overwrites the call for ext. A zero StartTime is set to
// now and the state is forced to ringing.
func (r *Registry) Register(ext string, c Call) {
	c.Extension = ext
	c.State = StateRinging
	c.ending = false
	if c.StartTime.IsZero() {
		c.StartTime = r.now()
	}

	r.mu.Lock()
	prev, replaced := r.calls[ext]
	r.calls[ext] = &c
	r.mu.Unlock()

	if replaced {
		r.logger.Warn("active call replaced", "extension", ext, "previous_call_id", prev.CallID, "call_id", c.CallID)
	} else {
		r.logger.Info("active call registered", "extension", ext, "call_id", c.CallID, "alarm_id", c.AlarmID)
	}
}

// End hangs up the call for ext and removes it. If the hang-up fails the
// entry stays in place and the error is returned.
func (r *Registry) End(ctx context.Context, ext string) (Call, error) {
	r.mu.Lock()
	c, ok := r.calls[ext]
	if !ok || c.ending {
		r.mu.Unlock()
		return Call{}, fmt.Errorf("%s: %w", ext, ErrNoActiveCall)
	}
	c.ending = true
	snapshot := *c
	r.mu.Unlock()

	_, err := r.hanger.Hangup(ctx, ext)

	r.mu.Lock()
	defer r.mu.Unlock()
	current, still := r.calls[ext]
	if err != nil {
		if still && current == c {
			c.ending = false
		}
		r.logger.Error("hangup failed", "extension", ext, "call_id", snapshot.CallID, "error", err)
		return snapshot, fmt.Errorf("hanging up %s: %w", ext, err)
	}
	// A newer call may have been registered for ext while hanging up.
	if still && current == c {
		delete(r.calls, ext)
	}
	snapshot.ending = false
	r.logger.Info("active call ended", "extension", ext, "call_id", snapshot.CallID,
		"duration_ms", snapshot.Age(r.now()).Milliseconds())
	return snapshot, nil
}

// Sweep ends every call older than maxAge, with one hang-up attempt each,
// and returns the extensions that were removed.
func (r *Registry) Sweep(ctx context.Context, maxAge time.Duration) []string {
	now := r.now()

	r.mu.RLock()
	var stale []string
	for ext, c := range r.calls {
		if !c.ending && c.Age(now) > maxAge {
			stale = append(stale, ext)
		}
	}
	r.mu.RUnlock()
	sort.Strings(stale)

	var swept []string
	for _, ext := range stale {
		if _, err := r.End(ctx, ext); err != nil {
			r.logger.Warn("sweep could not end call", "extension", ext, "error", err)
			continue
		}
		swept = append(swept, ext)
	}
	if len(swept) > 0 {
		r.logger.Info("swept stale calls", "count", len(swept), "max_age", maxAge)
	}
	return swept
}

// Get returns a copy of the call tracked for ext.
func (r *Registry) Get(ext string) (Call, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.calls[ext]
	if !ok {
		return Call{}, false
	}
	out := *c
	out.ending = false
	return out, true
}

// List returns a snapshot of all tracked calls ordered by start time.
func (r *Registry) List() []Call {
	r.mu.RLock()
	out := make([]Call, 0, len(r.calls))
	for _, c := range r.calls {
		cp := *c
		cp.ending = false
		out = append(out, cp)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].Extension < out[j].Extension
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// Count returns the number of tracked calls.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.calls)
}
