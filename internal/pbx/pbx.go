// Package pbx builds and runs Asterisk commands over the remote control
// channel: call origination, hang-up, channel and peer inspection, and the
// temporary files shared with the wake-up dialplan.
package pbx

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/flowpbx/wakeup/internal/rcc"
)

// Layout describes where things live on the PBX host.
type Layout struct {
	SoundsDir string // Asterisk sounds root
	TempDir   string // directory shared with the dialplan for signal files
	SpoolDir  string // Asterisk spool root
}

// PBX runs Asterisk operations on top of a remote control channel.
type PBX struct {
	ch     rcc.Channel
	layout Layout
	logger *slog.Logger
}

// New creates a PBX helper.
func New(ch rcc.Channel, layout Layout, logger *slog.Logger) *PBX {
	return &PBX{
		ch:     ch,
		layout: layout,
		logger: logger.With("subsystem", "pbx"),
	}
}

// Channel returns the underlying remote control channel.
func (p *PBX) Channel() rcc.Channel { return p.ch }

// Layout returns the remote directory layout.
func (p *PBX) Layout() Layout { return p.layout }

// CLI runs an Asterisk CLI command through "asterisk -rx".
func (p *PBX) CLI(ctx context.Context, command string) (string, error) {
	return p.ch.Execute(ctx, "asterisk -rx "+shellQuote(command))
}

// Variable is a channel variable set on an originated call.
type Variable struct {
	Name  string
	Value string
}

// Originate describes an outbound call placed from the wake-up service.
type Originate struct {
	Extension    string // room extension to ring
	DialContext  string // context that reaches the extension
	Context      string // service context that runs the menu
	Key          string // extension key inside Context
	CallerName   string
	CallerNumber string
	Ring         time.Duration // how long the room phone rings
	Variables    []Variable
	FileTag      string // unique tag used to name the call file
}

// CallFile renders the Asterisk call file for o.
func (o Originate) CallFile() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Channel: Local/%s@%s\n", o.Extension, o.DialContext)
	fmt.Fprintf(&b, "CallerID: \"%s\" <%s>\n", o.CallerName, o.CallerNumber)
	b.WriteString("MaxRetries: 0\n")
	if o.Ring > 0 {
		fmt.Fprintf(&b, "WaitTime: %d\n", int(o.Ring.Seconds()))
	}
	fmt.Fprintf(&b, "Context: %s\n", o.Context)
	fmt.Fprintf(&b, "Extension: %s\n", o.Key)
	b.WriteString("Priority: 1\n")
	for _, v := range o.Variables {
		fmt.Fprintf(&b, "Setvar: %s=%s\n", v.Name, v.Value)
	}
	return b.String()
}

// Originate places the call by staging a call file in the spool tmp directory
// and moving it into outgoing, which Asterisk picks up atomically.
func (p *PBX) Originate(ctx context.Context, o Originate) error {
	if o.Extension == "" || o.Context == "" || o.Key == "" {
		return fmt.Errorf("originate: extension, context and key are required")
	}
	name := "wakeup_" + o.FileTag + ".call"
	staged := path.Join(p.layout.SpoolDir, "tmp", name)
	outgoing := path.Join(p.layout.SpoolDir, "outgoing", name)

	if err := p.ch.WriteFile(ctx, staged, []byte(o.CallFile())); err != nil {
		return fmt.Errorf("staging call file: %w", err)
	}
	if _, err := p.ch.Execute(ctx, "mv -f "+shellQuote(staged)+" "+shellQuote(outgoing)); err != nil {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if _, rmErr := p.ch.Execute(cctx, "rm -f "+shellQuote(staged)); rmErr != nil {
			p.logger.Warn("removing staged call file failed", "file", staged, "error", rmErr)
		}
		return fmt.Errorf("queueing call file: %w", err)
	}

	p.logger.Info("call originated", "extension", o.Extension, "context", o.Context, "key", o.Key)
	return nil
}

// ActiveChannel is one row of "core show channels concise".
type ActiveChannel struct {
	Name        string
	Context     string
	Extension   string
	State       string
	Application string
	CallerID    string
}

// Channels lists the active channels on the switch.
func (p *PBX) Channels(ctx context.Context) ([]ActiveChannel, error) {
	out, err := p.CLI(ctx, "core show channels concise")
	if err != nil {
		return nil, fmt.Errorf("listing channels: %w", err)
	}
	return parseConciseChannels(out), nil
}

func parseConciseChannels(out string) []ActiveChannel {
	var chans []ActiveChannel
	for _, line := range strings.Split(out, "\n") {
		f := strings.Split(strings.TrimSpace(line), "!")
		if len(f) < 8 {
			continue
		}
		chans = append(chans, ActiveChannel{
			Name:        f[0],
			Context:     f[1],
			Extension:   f[2],
			State:       f[4],
			Application: f[5],
			CallerID:    f[7],
		})
	}
	return chans
}

// channelMatches reports whether a channel name belongs to ext, for example
// "PJSIP/101-00000012", "SIP/101-0a1b" or "Local/101@internal-0001;1".
func channelMatches(name, ext string) bool {
	slash := strings.IndexByte(name, '/')
	if slash < 0 {
		return false
	}
	rest := name[slash+1:]
	if !strings.HasPrefix(rest, ext) {
		return false
	}
	if len(rest) == len(ext) {
		return true
	}
	switch rest[len(ext)] {
	case '-', '@':
		return true
	}
	return false
}

// Hangup requests a hang-up of every channel that belongs to ext. It returns
// the number of channels it asked the switch to drop.
func (p *PBX) Hangup(ctx context.Context, ext string) (int, error) {
	chans, err := p.Channels(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range chans {
		if !channelMatches(c.Name, ext) {
			continue
		}
		if _, err := p.CLI(ctx, "channel request hangup "+c.Name); err != nil {
			return n, fmt.Errorf("hanging up %s: %w", c.Name, err)
		}
		n++
	}
	p.logger.Info("hangup requested", "extension", ext, "channels", n)
	return n, nil
}

// SystemInfo is a summary of the switch state.
type SystemInfo struct {
	Version  string `json:"version"`
	Uptime   string `json:"uptime"`
	Channels string `json:"channels"`
}

// SystemInfo collects version, uptime and channel summary from the switch.
func (p *PBX) SystemInfo(ctx context.Context) (*SystemInfo, error) {
	var info SystemInfo
	for _, q := range []struct {
		cmd string
		dst *string
	}{
		{"core show version", &info.Version},
		{"core show uptime", &info.Uptime},
		{"core show channels count", &info.Channels},
	} {
		out, err := p.CLI(ctx, q.cmd)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", q.cmd, err)
		}
		*q.dst = strings.TrimSpace(out)
	}
	return &info, nil
}

// TestConnection runs a trivial command to prove the channel works.
func (p *PBX) TestConnection(ctx context.Context) error {
	out, err := p.ch.Execute(ctx, "echo 'PBX Connection Test'")
	if err != nil {
		return fmt.Errorf("testing connection: %w", err)
	}
	if !strings.Contains(out, "PBX Connection Test") {
		return fmt.Errorf("testing connection: unexpected output %q", strings.TrimSpace(out))
	}
	return nil
}

// SoundPath returns the remote upload path and dialplan-relative name for a
// custom prompt, e.g. "/var/lib/asterisk/sounds/custom/wake.wav" and
// "custom/wake".
func (p *PBX) SoundPath(localPath string) (remote, relative string) {
	base := path.Base(strings.ReplaceAll(localPath, "\\", "/"))
	stem := strings.TrimSuffix(base, path.Ext(base))
	return path.Join(p.layout.SoundsDir, "custom", base), "custom/" + stem
}

// TempPath returns the absolute path of name inside the shared temp dir.
func (p *PBX) TempPath(name string) string {
	return path.Join(p.layout.TempDir, name)
}

// ListTempFiles returns the files in the temp dir whose names start with
// prefix, newest first.
func (p *PBX) ListTempFiles(ctx context.Context, prefix string) ([]string, error) {
	out, err := p.ch.Execute(ctx,
		"ls -1t "+shellQuote(p.layout.TempDir)+"/"+shellQuote(prefix)+"* 2>/dev/null || true")
	if err != nil {
		return nil, fmt.Errorf("listing %s*: %w", prefix, err)
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			line = path.Join(p.layout.TempDir, line)
		}
		files = append(files, line)
	}
	return files, nil
}

// ReadFile returns the content of a remote file.
func (p *PBX) ReadFile(ctx context.Context, remotePath string) (string, error) {
	out, err := p.ch.Execute(ctx, "cat "+shellQuote(remotePath))
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", remotePath, err)
	}
	return out, nil
}

// RemoveFiles deletes remote files, ignoring ones that do not exist.
func (p *PBX) RemoveFiles(ctx context.Context, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)
	quoted := make([]string, len(sorted))
	for i, s := range sorted {
		quoted[i] = shellQuote(s)
	}
	if _, err := p.ch.Execute(ctx, "rm -f "+strings.Join(quoted, " ")); err != nil {
		return fmt.Errorf("removing temp files: %w", err)
	}
	return nil
}

// shellQuote wraps s in single quotes for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
