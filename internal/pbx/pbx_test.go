package pbx

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/flowpbx/wakeup/internal/rcc"
)

// fakeChannel answers commands from a fixed table and records everything.
type fakeChannel struct {
	responses map[string]string
	failures  map[string]error
	commands  []string
	writes    map[string]string
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		responses: make(map[string]string),
		failures:  make(map[string]error),
		writes:    make(map[string]string),
	}
}

func (f *fakeChannel) Execute(_ context.Context, cmd string) (string, error) {
	f.commands = append(f.commands, cmd)
	if err, ok := f.failures[cmd]; ok {
		return "", err
	}
	return f.responses[cmd], nil
}

func (f *fakeChannel) Upload(_ context.Context, local, remote string) error {
	f.writes[remote] = "upload:" + local
	return nil
}

func (f *fakeChannel) WriteFile(_ context.Context, remote string, content []byte) error {
	f.writes[remote] = string(content)
	return nil
}

func (f *fakeChannel) IsConnected() bool { return true }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPBX(ch *fakeChannel) *PBX {
	return New(ch, Layout{
		SoundsDir: "/var/lib/asterisk/sounds",
		TempDir:   "/tmp",
		SpoolDir:  "/var/spool/asterisk",
	}, testLogger())
}

func TestOriginateWritesCallFile(t *testing.T) {
	ch := newFakeChannel()
	p := newTestPBX(ch)

	err := p.Originate(context.Background(), Originate{
		Extension:    "101",
		DialContext:  "internal",
		Context:      "wakeup-service",
		Key:          "custom-wake",
		CallerName:   "Wake-up Service",
		CallerNumber: "999",
		Ring:         30 * time.Second,
		Variables: []Variable{
			{Name: "WAKEUP_CALL_ID", Value: "101_ab12cd34"},
			{Name: "WAKEUP_PROMPT", Value: "custom/wake"},
		},
		FileTag: "101_ab12cd34",
	})
	if err != nil {
		t.Fatalf("Originate() error: %v", err)
	}

	staged := "/var/spool/asterisk/tmp/wakeup_101_ab12cd34.call"
	body, ok := ch.writes[staged]
	if !ok {
		t.Fatalf("call file not staged at %s; writes = %v", staged, ch.writes)
	}
	for _, want := range []string{
		"Channel: Local/101@internal\n",
		"CallerID: \"Wake-up Service\" <999>\n",
		"WaitTime: 30\n",
		"Context: wakeup-service\n",
		"Extension: custom-wake\n",
		"Setvar: WAKEUP_CALL_ID=101_ab12cd34\n",
		"Setvar: WAKEUP_PROMPT=custom/wake\n",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("call file missing %q:\n%s", want, body)
		}
	}

	wantMv := "mv -f '" + staged + "' '/var/spool/asterisk/outgoing/wakeup_101_ab12cd34.call'"
	if len(ch.commands) != 1 || ch.commands[0] != wantMv {
		t.Errorf("commands = %v, want [%s]", ch.commands, wantMv)
	}
}

func TestOriginateFailure(t *testing.T) {
	ch := newFakeChannel()
	p := newTestPBX(ch)
	mv := "mv -f '/var/spool/asterisk/tmp/wakeup_x.call' '/var/spool/asterisk/outgoing/wakeup_x.call'"
	ch.failures[mv] = &rcc.CommandError{Command: mv, ExitStatus: 1, Stderr: "permission denied"}

	err := p.Originate(context.Background(), Originate{Extension: "101", Context: "wakeup-service", Key: "k", FileTag: "x"})
	var cmdErr *rcc.CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("Originate() error = %v, want *rcc.CommandError", err)
	}
	rm := "rm -f '/var/spool/asterisk/tmp/wakeup_x.call'"
	if len(ch.commands) != 2 || ch.commands[1] != rm {
		t.Errorf("commands = %q, want staged call file removed", ch.commands)
	}

	// A cancelled caller still gets the staged file removed.
	ch.commands = nil
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Originate(ctx, Originate{Extension: "101", Context: "wakeup-service", Key: "k", FileTag: "x"}); err == nil {
		t.Fatal("Originate() error = nil")
	}
	if len(ch.commands) != 2 || ch.commands[1] != rm {
		t.Errorf("commands after cancel = %q", ch.commands)
	}

	if err := p.Originate(context.Background(), Originate{Extension: "101"}); err == nil {
		t.Error("Originate() without context or key succeeded")
	}
}

func TestHangupMatchesExtensionChannels(t *testing.T) {
	ch := newFakeChannel()
	p := newTestPBX(ch)
	ch.responses["asterisk -rx 'core show channels concise'"] = strings.Join([]string{
		"PJSIP/101-00000012!internal!101!1!Up!Playback!custom/wake!999!!!3!12!(None)!1700000000.12",
		"Local/101@internal-00000001;1!wakeup-service!custom-wake!2!Up!Read!DIGIT!999!!!3!12!(None)!1700000000.11",
		"PJSIP/1010-00000013!internal!1010!1!Up!Dial!!1010!!!3!5!(None)!1700000000.13",
		"PJSIP/102-00000014!internal!102!1!Up!Dial!!102!!!3!5!(None)!1700000000.14",
	}, "\n")

	n, err := p.Hangup(context.Background(), "101")
	if err != nil {
		t.Fatalf("Hangup() error: %v", err)
	}
	if n != 2 {
		t.Errorf("Hangup() dropped %d channels, want 2", n)
	}
	want := []string{
		"asterisk -rx 'core show channels concise'",
		"asterisk -rx 'channel request hangup PJSIP/101-00000012'",
		"asterisk -rx 'channel request hangup Local/101@internal-00000001;1'",
	}
	if strings.Join(ch.commands, "|") != strings.Join(want, "|") {
		t.Errorf("commands = %v, want %v", ch.commands, want)
	}
}

func TestChannelMatches(t *testing.T) {
	tests := []struct {
		name string
		ext  string
		want bool
	}{
		{"PJSIP/101-00000012", "101", true},
		{"SIP/101-0a1b", "101", true},
		{"Local/101@internal-0001;1", "101", true},
		{"PJSIP/1010-00000013", "101", false},
		{"PJSIP/102-00000014", "101", false},
		{"garbage", "101", false},
	}
	for _, tt := range tests {
		if got := channelMatches(tt.name, tt.ext); got != tt.want {
			t.Errorf("channelMatches(%q, %q) = %v, want %v", tt.name, tt.ext, got, tt.want)
		}
	}
}

func TestSoundPath(t *testing.T) {
	p := newTestPBX(newFakeChannel())
	remote, rel := p.SoundPath("/home/hotel/audio/Good Morning.wav")
	if remote != "/var/lib/asterisk/sounds/custom/Good Morning.wav" {
		t.Errorf("remote = %q", remote)
	}
	if rel != "custom/Good Morning" {
		t.Errorf("relative = %q", rel)
	}
	_, rel = p.SoundPath(`C:\audio\wake.gsm`)
	if rel != "custom/wake" {
		t.Errorf("relative for windows path = %q, want custom/wake", rel)
	}
}

func TestListTempFiles(t *testing.T) {
	ch := newFakeChannel()
	p := newTestPBX(ch)
	ch.responses["ls -1t '/tmp'/'dtmf_'* 2>/dev/null || true"] = "/tmp/dtmf_1700000002.5\n/tmp/dtmf_1700000001.3\n"

	files, err := p.ListTempFiles(context.Background(), "dtmf_")
	if err != nil {
		t.Fatalf("ListTempFiles() error: %v", err)
	}
	if len(files) != 2 || files[0] != "/tmp/dtmf_1700000002.5" {
		t.Errorf("ListTempFiles() = %v", files)
	}

	ch.responses["ls -1t '/tmp'/'dtmf_'* 2>/dev/null || true"] = ""
	files, err = p.ListTempFiles(context.Background(), "dtmf_")
	if err != nil || len(files) != 0 {
		t.Errorf("ListTempFiles() on empty dir = %v, %v", files, err)
	}
}

func TestRemoveFiles(t *testing.T) {
	ch := newFakeChannel()
	p := newTestPBX(ch)
	if err := p.RemoveFiles(context.Background(), "/tmp/b", "/tmp/a"); err != nil {
		t.Fatalf("RemoveFiles() error: %v", err)
	}
	if len(ch.commands) != 1 || ch.commands[0] != "rm -f '/tmp/a' '/tmp/b'" {
		t.Errorf("commands = %v", ch.commands)
	}
	if err := p.RemoveFiles(context.Background()); err != nil || len(ch.commands) != 1 {
		t.Error("RemoveFiles() with no paths issued a command")
	}
}

func TestShellQuote(t *testing.T) {
	if got := shellQuote("it's"); got != `'it'\''s'` {
		t.Errorf("shellQuote() = %s", got)
	}
}

func TestSystemInfoAndTestConnection(t *testing.T) {
	ch := newFakeChannel()
	p := newTestPBX(ch)
	ch.responses["asterisk -rx 'core show version'"] = "Asterisk 18.20.0\n"
	ch.responses["asterisk -rx 'core show uptime'"] = "System uptime: 2 days\n"
	ch.responses["asterisk -rx 'core show channels count'"] = "0 active channels\n"
	ch.responses["echo 'PBX Connection Test'"] = "PBX Connection Test\n"

	info, err := p.SystemInfo(context.Background())
	if err != nil {
		t.Fatalf("SystemInfo() error: %v", err)
	}
	if info.Version != "Asterisk 18.20.0" || info.Uptime != "System uptime: 2 days" {
		t.Errorf("SystemInfo() = %+v", info)
	}
	if err := p.TestConnection(context.Background()); err != nil {
		t.Errorf("TestConnection() error: %v", err)
	}

	ch.responses["echo 'PBX Connection Test'"] = ""
	if err := p.TestConnection(context.Background()); err == nil {
		t.Error("TestConnection() with empty output succeeded")
	}
}
