// Package dialplan renders and installs the Asterisk context that runs the
// wake-up menu on the PBX.
package dialplan

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"net"
	"path"
	"sort"
	"strings"
	"text/template"

	"github.com/flowpbx/wakeup/internal/pbx"
	"github.com/flowpbx/wakeup/internal/wakeup"
)

//go:embed wakeup.conf.tmpl
var confTemplate string

var tmpl = template.Must(template.New("wakeup.conf").Parse(confTemplate))

// Snooze is one menu entry: the digit and the minutes it snoozes for.
type Snooze struct {
	Digit   string
	Minutes int
}

// Params are the values the context is rendered with.
type Params struct {
	Context   string // e.g. wakeup-service
	TempDir   string // shared signal directory
	RedisAddr string // host:port; empty disables the redis-cli push
	Snoozes   []Snooze
}

// DefaultSnoozes returns the phone menu entries ordered by digit.
func DefaultSnoozes() []Snooze {
	var out []Snooze
	for d, m := range wakeup.DTMFMenu() {
		out = append(out, Snooze{Digit: d, Minutes: m})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Digit < out[j].Digit })
	return out
}

type templateData struct {
	Params
	CallIDVar   string
	PromptVar   string
	TimeoutVar  string
	RedisHost   string
	RedisPort   string
	RedisPrefix string
}

// Render returns the dialplan text for p.
func Render(p Params) (string, error) {
	if p.Context == "" || p.TempDir == "" {
		return "", fmt.Errorf("rendering dialplan: context and temp dir are required")
	}
	if len(p.Snoozes) == 0 {
		p.Snoozes = DefaultSnoozes()
	}
	data := templateData{
		Params:      p,
		CallIDVar:   wakeup.VarCallID,
		PromptVar:   wakeup.VarPrompt,
		TimeoutVar:  wakeup.VarTimeout,
		RedisPrefix: wakeup.RedisKeyPrefix,
	}
	if p.RedisAddr != "" {
		host, port, err := net.SplitHostPort(p.RedisAddr)
		if err != nil {
			return "", fmt.Errorf("rendering dialplan: redis address %q: %w", p.RedisAddr, err)
		}
		data.RedisHost, data.RedisPort = host, port
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("rendering dialplan: %w", err)
	}
	return buf.String(), nil
}

// Installer writes the rendered context to the PBX and reloads the dialplan.
type Installer struct {
	pbx    *pbx.PBX
	file   string // remote path of the generated file
	logger *slog.Logger
}

// NewInstaller creates an Installer writing to file on the PBX. The file is
// included from extensions_custom.conf in the same directory.
func NewInstaller(p *pbx.PBX, file string, logger *slog.Logger) *Installer {
	return &Installer{
		pbx:    p,
		file:   file,
		logger: logger.With("subsystem", "dialplan"),
	}
}

// IncludeFile returns the remote file that includes the generated one.
func (i *Installer) IncludeFile() string {
	return path.Join(path.Dir(i.file), "extensions_custom.conf")
}

// Install renders the context, writes it, makes sure it is included and
// reloads the dialplan.
func (i *Installer) Install(ctx context.Context, p Params) error {
	content, err := Render(p)
	if err != nil {
		return err
	}
	if err := i.pbx.Channel().WriteFile(ctx, i.file, []byte(content)); err != nil {
		return fmt.Errorf("writing %s: %w", i.file, err)
	}

	line := "#include " + path.Base(i.file)
	include := i.IncludeFile()
	cmd := fmt.Sprintf("grep -qxF %s %s || echo %s >> %s",
		quote(line), quote(include), quote(line), quote(include))
	if _, err := i.pbx.Channel().Execute(ctx, cmd); err != nil {
		return fmt.Errorf("adding include to %s: %w", include, err)
	}

	if _, err := i.pbx.CLI(ctx, "dialplan reload"); err != nil {
		return fmt.Errorf("reloading dialplan: %w", err)
	}
	i.logger.Info("dialplan installed", "file", i.file, "context", p.Context)
	return nil
}

// Verify reports whether the context is loaded on the PBX.
func (i *Installer) Verify(ctx context.Context, contextName string) (bool, error) {
	out, err := i.pbx.CLI(ctx, "dialplan show "+contextName)
	if err != nil {
		return false, fmt.Errorf("showing dialplan %s: %w", contextName, err)
	}
	if strings.Contains(out, "There is no existence") {
		return false, nil
	}
	return strings.Contains(out, "'"+contextName+"'"), nil
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
