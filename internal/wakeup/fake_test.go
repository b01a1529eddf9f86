package wakeup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flowpbx/wakeup/internal/calls"
	"github.com/flowpbx/wakeup/internal/database"
	"github.com/flowpbx/wakeup/internal/database/models"
	"github.com/flowpbx/wakeup/internal/pbx"
	"github.com/flowpbx/wakeup/internal/rcc"
)

var quotedArg = regexp.MustCompile(`'([^']*)'`)

// fakeRemote is an in-memory PBX host. It understands the handful of shell
// commands the pbx package issues and keeps files in a map.
type fakeRemote struct {
	mu        sync.Mutex
	files     map[string]string
	created   map[string]int
	seq       int
	uploads   map[string]int
	uploadErr map[string]error
	hangups   []string
	commands  []string
	channels  string
	moveErr   error
	connected bool

	// onQueue runs after a call file lands in outgoing, standing in for the
	// dialplan. It may call put. The call file is gone once it returns.
	onQueue func(r *fakeRemote, callFile string)
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		files:     make(map[string]string),
		created:   make(map[string]int),
		uploads:   make(map[string]int),
		uploadErr: make(map[string]error),
		connected: true,
	}
}

func (r *fakeRemote) put(name, content string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.putLocked(name, content)
}

func (r *fakeRemote) putLocked(name, content string) {
	r.seq++
	r.files[name] = content
	r.created[name] = r.seq
}

func (r *fakeRemote) file(name string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.files[name]
	return c, ok
}

// filesContaining returns the names of files whose path contains s.
func (r *fakeRemote) filesContaining(s string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for name := range r.files {
		if strings.Contains(name, s) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (r *fakeRemote) commandCount(prefix string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.commands {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (r *fakeRemote) Execute(_ context.Context, cmd string) (string, error) {
	r.mu.Lock()
	r.commands = append(r.commands, cmd)
	args := quotedArg.FindAllStringSubmatch(cmd, -1)
	arg := func(i int) string { return args[i][1] }

	switch {
	case strings.HasPrefix(cmd, "mv -f "):
		if r.moveErr != nil {
			r.mu.Unlock()
			return "", r.moveErr
		}
		content := r.files[arg(0)]
		delete(r.files, arg(0))
		r.putLocked(arg(1), content)
		hook := r.onQueue
		r.mu.Unlock()
		if hook != nil {
			hook(r, content)
		}
		// Asterisk deletes a call file once it has processed it.
		r.mu.Lock()
		delete(r.files, arg(1))
		r.mu.Unlock()
		return "", nil

	case strings.HasPrefix(cmd, "ls -1t "):
		dir, prefix := arg(0), arg(1)
		var names []string
		for name := range r.files {
			if path.Dir(name) == dir && strings.HasPrefix(path.Base(name), prefix) {
				names = append(names, name)
			}
		}
		sort.Slice(names, func(i, j int) bool { return r.created[names[i]] > r.created[names[j]] })
		r.mu.Unlock()
		return strings.Join(names, "\n"), nil

	case strings.HasPrefix(cmd, "cat "):
		content, ok := r.files[arg(0)]
		r.mu.Unlock()
		if !ok {
			return "", &rcc.CommandError{Command: cmd, ExitStatus: 1, Stderr: "No such file or directory"}
		}
		return content, nil

	case strings.HasPrefix(cmd, "rm -f "):
		for _, a := range args {
			delete(r.files, a[1])
		}
		r.mu.Unlock()
		return "", nil

	case strings.HasPrefix(cmd, "asterisk -rx "):
		inner := arg(0)
		defer r.mu.Unlock()
		switch {
		case inner == "core show channels concise":
			return r.channels, nil
		case strings.HasPrefix(inner, "channel request hangup "):
			r.hangups = append(r.hangups, strings.TrimPrefix(inner, "channel request hangup "))
			return "", nil
		}
		return "", nil

	case strings.HasPrefix(cmd, "echo "):
		r.mu.Unlock()
		return "PBX Connection Test\n", nil
	}
	r.mu.Unlock()
	return "", fmt.Errorf("unexpected command %q", cmd)
}

func (r *fakeRemote) Upload(_ context.Context, local, remote string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.uploadErr[local]; err != nil {
		return err
	}
	r.uploads[remote]++
	r.putLocked(remote, "audio:"+local)
	return nil
}

func (r *fakeRemote) WriteFile(_ context.Context, remote string, content []byte) error {
	r.put(remote, string(content))
	return nil
}

func (r *fakeRemote) IsConnected() bool { return r.connected }

func (r *fakeRemote) hangupCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hangups)
}

// callVar extracts a Setvar value from a call file.
func callVar(callFile, name string) string {
	for _, line := range strings.Split(callFile, "\n") {
		if v, ok := strings.CutPrefix(line, "Setvar: "+name+"="); ok {
			return v
		}
	}
	return ""
}

// pressDigit simulates a guest pressing digit: the dialplan writes the digit
// file named from the channel id.
func pressDigit(digit string) func(r *fakeRemote, callFile string) {
	return func(r *fakeRemote, callFile string) {
		r.put("/tmp/dtmf_1700000000."+callVar(callFile, VarCallID), digit)
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// harness wires an orchestrator to a real store and a fake PBX host.
type harness struct {
	store    *database.Store
	remote   *fakeRemote
	pbx      *pbx.PBX
	registry *calls.Registry
	orch     *Orchestrator
	service  *Service
	clock    time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := database.Open(t.TempDir())
	if err != nil {
		t.Fatalf("database.Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	h := &harness{
		store:  database.NewStore(db, testLogger()),
		remote: newFakeRemote(),
		clock:  time.Date(2026, 3, 14, 8, 0, 20, 0, time.UTC),
	}
	h.pbx = pbx.New(h.remote, pbx.Layout{
		SoundsDir: "/var/lib/asterisk/sounds",
		TempDir:   "/tmp",
		SpoolDir:  "/var/spool/asterisk",
	}, testLogger())
	h.registry = calls.NewRegistry(h.pbx, testLogger())

	poller := NewFilePoller(h.pbx, testLogger())
	poller.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }

	h.orch = NewOrchestrator(h.store, h.pbx, h.registry, poller, Options{
		DialContext:      "from-internal",
		ServiceContext:   "wakeup-service",
		CallerName:       "Wake-up Service",
		VirtualExtension: "999",
		DTMFTimeout:      30 * time.Second,
		AwaitMargin:      5 * time.Second,
		CallDuration:     time.Hour,
	}, testLogger())
	h.orch.now = func() time.Time { return h.clock }
	t.Cleanup(func() { h.orch.Close(context.Background()) })

	h.service = NewService(h.store, h.pbx, h.registry, SnoozePolicy{Options: []int{5, 10, 15, 30}, MaxAttempts: 3}, testLogger())
	h.service.now = func() time.Time { return h.clock }
	return h
}

func (h *harness) setLanguage(t *testing.T, number, lang string) {
	t.Helper()
	ctx := context.Background()
	room, err := h.store.Rooms.GetByNumber(ctx, number)
	if err != nil || room == nil {
		t.Fatalf("GetByNumber(%s) = %v, %v", number, room, err)
	}
	room.Language = lang
	if err := h.store.Rooms.Update(ctx, room); err != nil {
		t.Fatalf("Update room: %v", err)
	}
}

func (h *harness) addAudio(t *testing.T, name, file, lang, action string) *models.AudioMessage {
	t.Helper()
	msg := &models.AudioMessage{Name: name, FilePath: file, Language: lang, ActionType: action}
	if err := h.store.Audio.Create(context.Background(), msg); err != nil {
		t.Fatalf("Create audio: %v", err)
	}
	return msg
}

func (h *harness) addAlarm(t *testing.T, room string, at time.Time, audio *int64) models.Alarm {
	t.Helper()
	a := &models.Alarm{RoomNumber: room, AlarmTime: at, AudioMessageID: audio, Status: models.AlarmScheduled}
	if err := h.store.CreateAlarm(context.Background(), a); err != nil {
		t.Fatalf("CreateAlarm: %v", err)
	}
	return *a
}

func (h *harness) alarm(t *testing.T, id int64) *models.Alarm {
	t.Helper()
	a, err := h.store.GetAlarm(context.Background(), id)
	if err != nil {
		t.Fatalf("GetAlarm(%d): %v", id, err)
	}
	return a
}

func (h *harness) callLogStatuses(t *testing.T, alarmID int64) []string {
	t.Helper()
	entries, _, err := h.store.CallLogs.List(context.Background(), database.CallLogListFilter{AlarmID: alarmID})
	if err != nil {
		t.Fatalf("listing call logs: %v", err)
	}
	var out []string
	for i := len(entries) - 1; i >= 0; i-- {
		out = append(out, entries[i].Status)
	}
	return out
}

var errUpload = errors.New("sftp: permission denied")

func callFor(callID string, alarmID int64) calls.Call {
	return calls.Call{CallID: callID, AlarmID: alarmID, RoomNumber: "101"}
}
