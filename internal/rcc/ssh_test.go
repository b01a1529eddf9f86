package rcc

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// testServer is a minimal in-process SSH server. "exec" requests are answered
// by fakeCommand and the "sftp" subsystem serves the local filesystem.
type testServer struct {
	addr string

	mu    sync.Mutex
	conns []net.Conn
	execs []string
}

func startTestServer(t *testing.T, password string) *testServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("creating signer: %v", err)
	}

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "admin" && string(pass) == password {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %s", c.User())
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	srv := &testServer{addr: ln.Addr().String()}
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			srv.mu.Lock()
			srv.conns = append(srv.conns, nc)
			srv.mu.Unlock()
			go srv.serve(nc, cfg)
		}
	}()
	t.Cleanup(srv.dropAll)
	return srv
}

func (s *testServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

func (s *testServer) commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.execs...)
}

func (s *testServer) serve(nc net.Conn, cfg *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(nc, cfg)
	if err != nil {
		nc.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	for nch := range chans {
		if nch.ChannelType() != "session" {
			nch.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, creqs, err := nch.Accept()
		if err != nil {
			continue
		}
		go s.session(ch, creqs)
	}
}

func (s *testServer) session(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()
	for req := range reqs {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			ssh.Unmarshal(req.Payload, &payload)
			req.Reply(true, nil)

			s.mu.Lock()
			s.execs = append(s.execs, payload.Command)
			s.mu.Unlock()

			status := fakeCommand(payload.Command, ch, ch.Stderr())
			ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
			return
		case "subsystem":
			var payload struct{ Name string }
			ssh.Unmarshal(req.Payload, &payload)
			if payload.Name != "sftp" {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			server, err := sftp.NewServer(ch)
			if err != nil {
				return
			}
			server.Serve()
			return
		default:
			req.Reply(false, nil)
		}
	}
}

func fakeCommand(cmd string, stdout, stderr io.Writer) uint32 {
	switch {
	case strings.HasPrefix(cmd, "echo "):
		fmt.Fprintln(stdout, strings.TrimPrefix(cmd, "echo "))
		return 0
	case cmd == "fail":
		fmt.Fprint(stderr, "No such command")
		return 2
	default:
		return 0
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(addr, password string) *Client {
	return NewClient(Config{
		Addr:     addr,
		User:     "admin",
		Password: password,
		Timeout:  2 * time.Second,
	}, testLogger())
}

func TestExecute(t *testing.T) {
	srv := startTestServer(t, "secret")
	c := newTestClient(srv.addr, "secret")
	defer c.Close()

	out, err := c.Execute(context.Background(), "echo hello")
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if out != "hello\n" {
		t.Errorf("Execute() = %q, want %q", out, "hello\n")
	}
	if !c.IsConnected() {
		t.Error("IsConnected() = false after successful command")
	}
}

func TestExecuteCommandError(t *testing.T) {
	srv := startTestServer(t, "secret")
	c := newTestClient(srv.addr, "secret")
	defer c.Close()

	_, err := c.Execute(context.Background(), "fail")
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("Execute() error = %v, want *CommandError", err)
	}
	if cmdErr.ExitStatus != 2 {
		t.Errorf("ExitStatus = %d, want 2", cmdErr.ExitStatus)
	}
	if cmdErr.Stderr != "No such command" {
		t.Errorf("Stderr = %q", cmdErr.Stderr)
	}
	if IsConnectionError(err) {
		t.Error("command error classified as connection error")
	}
}

func TestAuthFailure(t *testing.T) {
	srv := startTestServer(t, "secret")
	c := newTestClient(srv.addr, "wrong")
	defer c.Close()

	err := c.Connect(context.Background())
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("Connect() error = %v, want ErrAuth", err)
	}
	if !IsConnectionError(err) {
		t.Error("auth failure not classified as connection error")
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true after auth failure")
	}
}

func TestHandshakeTimeout(t *testing.T) {
	// A listener that accepts but never speaks SSH.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			defer nc.Close()
		}
	}()

	c := NewClient(Config{Addr: ln.Addr().String(), User: "admin", Password: "x", Timeout: 200 * time.Millisecond}, testLogger())
	start := time.Now()
	err = c.Connect(context.Background())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Connect() error = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Connect() took %v, want about 200ms", elapsed)
	}
}

func TestNotConfigured(t *testing.T) {
	c := NewClient(Config{}, testLogger())
	if _, err := c.Execute(context.Background(), "echo x"); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Execute() error = %v, want ErrNotConfigured", err)
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	srv := startTestServer(t, "secret")
	c := newTestClient(srv.addr, "secret")
	defer c.Close()

	if _, err := c.Execute(context.Background(), "echo one"); err != nil {
		t.Fatalf("first Execute() error: %v", err)
	}

	srv.dropAll()

	// The first attempt may observe the dead link; the channel must recover
	// by the next command at the latest.
	var out string
	var err error
	for i := 0; i < 2; i++ {
		out, err = c.Execute(context.Background(), "echo two")
		if err == nil {
			break
		}
	}
	if err != nil {
		t.Fatalf("Execute() after drop error: %v", err)
	}
	if out != "two\n" {
		t.Errorf("Execute() = %q, want %q", out, "two\n")
	}
}

func TestUploadAndWriteFile(t *testing.T) {
	srv := startTestServer(t, "secret")
	c := newTestClient(srv.addr, "secret")
	defer c.Close()
	ctx := context.Background()

	local := filepath.Join(t.TempDir(), "wake.wav")
	if err := os.WriteFile(local, []byte("RIFF-first"), 0o644); err != nil {
		t.Fatalf("writing local file: %v", err)
	}

	remoteDir := t.TempDir()
	remote := filepath.ToSlash(filepath.Join(remoteDir, "custom", "nested", "wake.wav"))

	if err := c.Upload(ctx, local, remote); err != nil {
		t.Fatalf("Upload() error: %v", err)
	}

	// Re-upload with shorter content must truncate.
	if err := os.WriteFile(local, []byte("RIFF"), 0o644); err != nil {
		t.Fatalf("rewriting local file: %v", err)
	}
	if err := c.Upload(ctx, local, remote); err != nil {
		t.Fatalf("second Upload() error: %v", err)
	}
	got, err := os.ReadFile(remote)
	if err != nil {
		t.Fatalf("reading uploaded file: %v", err)
	}
	if string(got) != "RIFF" {
		t.Errorf("uploaded content = %q, want RIFF", got)
	}

	pointer := filepath.ToSlash(filepath.Join(remoteDir, "snooze_5_audio_101_abc.txt"))
	if err := c.WriteFile(ctx, pointer, []byte("custom/snooze5")); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	got, err = os.ReadFile(pointer)
	if err != nil {
		t.Fatalf("reading pointer file: %v", err)
	}
	if string(got) != "custom/snooze5" {
		t.Errorf("pointer content = %q, want no trailing newline", got)
	}
}

func TestUploadMissingLocalFile(t *testing.T) {
	srv := startTestServer(t, "secret")
	c := newTestClient(srv.addr, "secret")
	defer c.Close()

	err := c.Upload(context.Background(), filepath.Join(t.TempDir(), "missing.wav"), "/tmp/x.wav")
	if err == nil {
		t.Fatal("Upload() of missing file succeeded")
	}
	if len(srv.commands()) != 0 {
		t.Errorf("unexpected remote commands: %v", srv.commands())
	}
}
