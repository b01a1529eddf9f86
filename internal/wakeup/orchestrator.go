// Package wakeup drives wake-up calls: it resolves an alarm to a room and a
// prompt, places the call through the PBX, reads back the guest's keypress
// and reschedules the alarm when a snooze was chosen.
package wakeup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowpbx/wakeup/internal/calls"
	"github.com/flowpbx/wakeup/internal/database"
	"github.com/flowpbx/wakeup/internal/database/models"
	"github.com/flowpbx/wakeup/internal/pbx"
	"github.com/flowpbx/wakeup/internal/rcc"
)

// DefaultPrompt is played when an alarm has no audio message and none exists
// for the room language. It ships with the Asterisk core sounds.
const DefaultPrompt = "this-is-yr-wakeup-call"

// Channel variables set on every wake-up call.
const (
	VarCallID  = "WAKEUP_CALL_ID"
	VarPrompt  = "WAKEUP_PROMPT"
	VarTimeout = "WAKEUP_TIMEOUT"
)

// terminateTimeout bounds the deferred hang-up of one call.
const terminateTimeout = 30 * time.Second

// Options configures the orchestrator's dialplan identity and timings.
type Options struct {
	DialContext      string
	ServiceContext   string
	CallerName       string
	VirtualExtension string
	DTMFTimeout      time.Duration // how long the dialplan waits for a digit
	AwaitMargin      time.Duration // extra wait for the call to wrap up
	CallDuration     time.Duration // ceiling after which the call is torn down
}

// Outcome summarizes one orchestrated alarm.
type Outcome struct {
	AlarmID       int64
	CallID        string
	Status        models.AlarmStatus
	Signal        SignalState
	Digit         string
	SnoozeMinutes int
	SuccessorID   int64
}

// Orchestrator executes wake-up calls one alarm at a time.
type Orchestrator struct {
	store    Store
	pbx      *pbx.PBX
	registry *calls.Registry
	signals  SignalSource
	opts     Options
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	pending map[string]*termination // keyed by call id
	running sync.WaitGroup
	closed  bool
}

// NewOrchestrator wires an Orchestrator.
func NewOrchestrator(store Store, p *pbx.PBX, registry *calls.Registry, signals SignalSource, opts Options, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:    store,
		pbx:      p,
		registry: registry,
		signals:  signals,
		opts:     opts,
		logger:   logger.With("subsystem", "orchestrator"),
		now:      time.Now,
		pending:  make(map[string]*termination),
	}
}

// resolved is the outcome of the resolve step.
type resolved struct {
	room      *models.Room
	extension string
	language  string
	audio     *models.AudioMessage
	messages  []models.AudioMessage
}

// Execute runs one wake-up call for alarm. The returned error is non-nil only
// when the alarm was marked failed; signal and cleanup problems degrade to a
// completed alarm.
func (o *Orchestrator) Execute(ctx context.Context, alarm models.Alarm) (Outcome, error) {
	out := Outcome{AlarmID: alarm.ID}
	logger := o.logger.With("alarm_id", alarm.ID, "room", alarm.RoomNumber)

	res, err := o.resolve(ctx, alarm)
	if err != nil {
		return o.fail(ctx, logger, alarm, out, "resolve", err)
	}

	prompt, confirmations, err := o.provision(ctx, logger, res)
	if err != nil {
		return o.fail(ctx, logger, alarm, out, "provision", err)
	}

	callID := newCallID(res.extension)
	out.CallID = callID
	logger = logger.With("call_id", callID, "extension", res.extension)
	pointers := o.prepareSignal(ctx, logger, callID, confirmations)

	// Claim the alarm so a concurrent cancel wins before the phone rings.
	if !o.transition(ctx, logger, alarm.ID, models.AlarmExecuting, models.AlarmScheduled) {
		o.removePointers(ctx, logger, pointers)
		out.Status = o.currentStatus(ctx, alarm.ID)
		return out, nil
	}

	err = o.pbx.Originate(ctx, pbx.Originate{
		Extension:    res.extension,
		DialContext:  o.opts.DialContext,
		Context:      o.opts.ServiceContext,
		Key:          promptKey(prompt),
		CallerName:   o.opts.CallerName,
		CallerNumber: o.opts.VirtualExtension,
		Ring:         o.opts.DTMFTimeout,
		Variables: []pbx.Variable{
			{Name: VarCallID, Value: callID},
			{Name: VarPrompt, Value: prompt},
			{Name: VarTimeout, Value: strconv.Itoa(int(o.opts.DTMFTimeout.Seconds()))},
		},
		FileTag: callID,
	})
	if err != nil {
		o.removePointers(ctx, logger, pointers)
		return o.fail(ctx, logger, alarm, out, "originate", err)
	}

	o.registry.Register(res.extension, calls.Call{
		CallID:     callID,
		AlarmID:    alarm.ID,
		RoomNumber: alarm.RoomNumber,
		Prompt:     prompt,
	})
	o.appendLog(ctx, logger, &models.CallLog{AlarmID: alarm.ID, RoomNumber: alarm.RoomNumber, Status: database.CallInitiated})
	o.scheduleTermination(logger, alarm, res.extension, callID)

	sig := o.signals.Await(ctx, SignalRequest{
		CallID:  callID,
		Wait:    o.opts.DTMFTimeout + o.opts.AwaitMargin,
		Cleanup: pointers,
	})
	out.Signal = sig.State
	out.Digit = sig.Digit
	switch sig.State {
	case SignalReadError:
		logger.Warn("could not read guest response", "error", sig.Err)
	case SignalAbsent:
		logger.Info("no digit pressed")
	}

	minutes, snooze := 0, false
	if sig.State == SignalFound {
		minutes, snooze = SnoozeForDigit(sig.Digit)
		if !snooze {
			logger.Info("digit does not map to a snooze", "digit", sig.Digit)
		}
	}

	if snooze {
		successor, err := o.reschedule(ctx, logger, alarm, minutes, sig.Digit, []models.AlarmStatus{models.AlarmExecuting, models.AlarmScheduled})
		if err == nil {
			out.Status = models.AlarmSnoozed
			out.SnoozeMinutes = minutes
			out.SuccessorID = successor.ID
			return out, nil
		}
		if !errors.Is(err, database.ErrStatusConflict) {
			logger.Error("reschedule failed", "error", err)
		}
		// Cancelled while ringing: leave it alone.
		out.Status = o.currentStatus(ctx, alarm.ID)
		return out, nil
	}

	out.Status = models.AlarmCompleted
	if !o.transition(ctx, logger, alarm.ID, models.AlarmCompleted, models.AlarmExecuting, models.AlarmScheduled) {
		out.Status = o.currentStatus(ctx, alarm.ID)
	}
	o.appendLog(ctx, logger, &models.CallLog{
		AlarmID:    alarm.ID,
		RoomNumber: alarm.RoomNumber,
		Response:   sig.Digit,
		Status:     database.CallCompleted,
	})
	return out, nil
}

func (o *Orchestrator) resolve(ctx context.Context, alarm models.Alarm) (*resolved, error) {
	room, err := o.store.GetRoom(ctx, alarm.RoomNumber)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, alarm.RoomNumber)
		}
		return nil, fmt.Errorf("looking up room %s: %w", alarm.RoomNumber, err)
	}

	msgs, err := o.store.ListAudioMessages(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing audio messages: %w", err)
	}

	res := &resolved{
		room:      room,
		extension: room.DialTarget(),
		language:  room.Language,
		messages:  msgs,
	}

	if alarm.AudioMessageID != nil {
		audio, err := o.store.GetAudioMessage(ctx, *alarm.AudioMessageID)
		if err != nil {
			if errors.Is(err, database.ErrNotFound) {
				return nil, fmt.Errorf("%w: id %d", ErrAudioNotFound, *alarm.AudioMessageID)
			}
			return nil, fmt.Errorf("looking up audio message %d: %w", *alarm.AudioMessageID, err)
		}
		res.audio = audio
	} else {
		res.audio = SelectWakeUp(msgs, room.Language)
	}
	if res.audio != nil && res.audio.Language != "" {
		res.language = res.audio.Language
	}
	return res, nil
}

// provision uploads the wake-up prompt and the snooze confirmations. It
// returns the dialplan-relative prompt name and the relative confirmation
// names keyed by minutes (empty when none is available).
func (o *Orchestrator) provision(ctx context.Context, logger *slog.Logger, res *resolved) (string, map[int]string, error) {
	prompt := DefaultPrompt
	if res.audio != nil {
		remote, rel := o.pbx.SoundPath(res.audio.FilePath)
		if err := o.pbx.Channel().Upload(ctx, res.audio.FilePath, remote); err != nil {
			return "", nil, fmt.Errorf("uploading wake-up prompt: %w", err)
		}
		prompt = rel
	} else {
		logger.Warn("no wake-up audio for language, using default prompt", "language", res.language)
	}

	confirmations := make(map[int]string)
	for _, minutes := range DTMFDurations() {
		msg := SelectConfirmation(res.messages, res.language, minutes)
		if msg == nil {
			confirmations[minutes] = ""
			continue
		}
		remote, rel := o.pbx.SoundPath(msg.FilePath)
		if err := o.pbx.Channel().Upload(ctx, msg.FilePath, remote); err != nil {
			logger.Warn("confirmation upload failed, guest will hear no confirmation", "minutes", minutes, "error", err)
			confirmations[minutes] = ""
			continue
		}
		confirmations[minutes] = rel
	}
	return prompt, confirmations, nil
}

// PointerFile returns the name of the file telling the dialplan which
// confirmation to play after a snooze of minutes.
func PointerFile(minutes int, callID string) string {
	return fmt.Sprintf("snooze_%d_audio_%s", minutes, callID)
}

// prepareSignal writes the confirmation pointer files and returns their
// remote paths. Failures are logged only.
func (o *Orchestrator) prepareSignal(ctx context.Context, logger *slog.Logger, callID string, confirmations map[int]string) []string {
	var paths []string
	for _, minutes := range DTMFDurations() {
		p := o.pbx.TempPath(PointerFile(minutes, callID))
		paths = append(paths, p)
		if err := o.pbx.Channel().WriteFile(ctx, p, []byte(confirmations[minutes])); err != nil {
			logger.Warn("writing confirmation pointer failed", "file", p, "error", err)
		}
	}
	return paths
}

func (o *Orchestrator) removePointers(ctx context.Context, logger *slog.Logger, paths []string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := o.pbx.RemoveFiles(cctx, paths...); err != nil {
		logger.Warn("pointer cleanup failed", "error", err)
	}
}

// reschedule marks alarm snoozed and inserts its successor. The status update
// only applies while alarm is in one of from.
func (o *Orchestrator) reschedule(ctx context.Context, logger *slog.Logger, alarm models.Alarm, minutes int, digit string, from []models.AlarmStatus) (*models.Alarm, error) {
	if err := o.store.UpdateAlarmStatus(ctx, alarm.ID, models.AlarmSnoozed, from...); err != nil {
		if errors.Is(err, database.ErrStatusConflict) {
			logger.Info("alarm changed during call, not snoozing", "error", err)
		}
		return nil, err
	}

	next := Successor(alarm, minutes, o.now())
	if err := o.store.CreateAlarm(ctx, &next); err != nil {
		return nil, fmt.Errorf("creating snoozed alarm: %w", err)
	}

	m := minutes
	o.appendLog(ctx, logger, &models.CallLog{
		AlarmID:       alarm.ID,
		RoomNumber:    alarm.RoomNumber,
		Response:      digit,
		SnoozeMinutes: &m,
		Status:        database.CallSnoozed,
	})
	logger.Info("alarm snoozed", "minutes", minutes, "next_alarm_id", next.ID,
		"next_time", next.AlarmTime, "snooze_count", next.SnoozeCount)
	return &next, nil
}

// transition applies a conditional status change. A conflict with a
// concurrent writer is logged and reported as false.
func (o *Orchestrator) transition(ctx context.Context, logger *slog.Logger, id int64, to models.AlarmStatus, from ...models.AlarmStatus) bool {
	err := o.store.UpdateAlarmStatus(ctx, id, to, from...)
	if err == nil {
		return true
	}
	if errors.Is(err, database.ErrStatusConflict) {
		logger.Info("alarm no longer in expected state", "target", to, "error", err)
	} else {
		logger.Error("updating alarm status failed", "target", to, "error", err)
	}
	return false
}

func (o *Orchestrator) currentStatus(ctx context.Context, id int64) models.AlarmStatus {
	a, err := o.store.GetAlarm(ctx, id)
	if err != nil {
		return ""
	}
	return a.Status
}

// fail marks the alarm failed and records why.
func (o *Orchestrator) fail(ctx context.Context, logger *slog.Logger, alarm models.Alarm, out Outcome, step string, cause error) (Outcome, error) {
	logger.Error("wake-up call failed", "step", step, "cause", failureCause(cause), "error", cause)

	out.Status = models.AlarmFailed
	if !o.transition(ctx, logger, alarm.ID, models.AlarmFailed, models.AlarmScheduled, models.AlarmExecuting) {
		out.Status = o.currentStatus(ctx, alarm.ID)
	}
	o.appendLog(ctx, logger, &models.CallLog{AlarmID: alarm.ID, RoomNumber: alarm.RoomNumber, Status: database.CallFailed})
	return out, fmt.Errorf("alarm %d %s: %w", alarm.ID, step, cause)
}

// failureCause names the error class for logs.
func failureCause(err error) string {
	var cmdErr *rcc.CommandError
	switch {
	case errors.Is(err, ErrRoomNotFound), errors.Is(err, ErrAudioNotFound):
		return "missing_resource"
	case errors.As(err, &cmdErr):
		return "command"
	case rcc.IsConnectionError(err) || errors.Is(err, rcc.ErrNotConfigured):
		return "connection"
	}
	return "internal"
}

func (o *Orchestrator) appendLog(ctx context.Context, logger *slog.Logger, entry *models.CallLog) {
	if entry.CallTime.IsZero() {
		entry.CallTime = o.now()
	}
	if err := o.store.AppendCallLog(ctx, entry); err != nil {
		logger.Warn("appending call log failed", "status", entry.Status, "error", err)
	}
}

// termination is a deferred hang-up of one call.
type termination struct {
	timer  *time.Timer
	alarm  models.Alarm
	ext    string
	logger *slog.Logger
}

// scheduleTermination tears the call down after the call duration ceiling,
// independently of the scheduler goroutine.
func (o *Orchestrator) scheduleTermination(logger *slog.Logger, alarm models.Alarm, ext, callID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.running.Add(1)
	t := &termination{alarm: alarm, ext: ext, logger: logger}
	t.timer = time.AfterFunc(o.opts.CallDuration, func() {
		defer o.running.Done()
		o.mu.Lock()
		delete(o.pending, callID)
		o.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), terminateTimeout)
		defer cancel()
		o.terminate(ctx, t.logger, t.alarm, t.ext, callID)
	})
	o.pending[callID] = t
}

// terminate ends the tracked call if it is still the one this alarm placed.
func (o *Orchestrator) terminate(ctx context.Context, logger *slog.Logger, alarm models.Alarm, ext, callID string) {
	current, ok := o.registry.Get(ext)
	if !ok || current.CallID != callID {
		logger.Debug("call already ended")
		return
	}
	if _, err := o.registry.End(ctx, ext); err != nil {
		logger.Warn("terminating call failed", "error", err)
		return
	}
	o.appendLog(ctx, logger, &models.CallLog{AlarmID: alarm.ID, RoomNumber: alarm.RoomNumber, Status: database.CallHangup})
}

// PendingTerminations returns the number of scheduled hang-ups.
func (o *Orchestrator) PendingTerminations() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// Close runs every pending termination now instead of at its deadline and
// waits for all terminations to finish or ctx to end.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	pending := o.pending
	o.pending = make(map[string]*termination)
	o.mu.Unlock()

	for callID, t := range pending {
		if !t.timer.Stop() {
			continue // already firing; running tracks it
		}
		o.terminate(ctx, t.logger, t.alarm, t.ext, callID)
		o.running.Done()
	}

	done := make(chan struct{})
	go func() {
		o.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// newCallID returns a collision resistant per-call identifier.
func newCallID(ext string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return ext + "_" + id[:16]
}

// promptKey turns a relative prompt name into a dialplan extension key.
func promptKey(prompt string) string {
	return strings.ReplaceAll(prompt, "/", "-")
}
