package email

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/smtp"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/flowpbx/wakeup/internal/database/models"
)

// mockSMTPClient implements smtpClient for testing.
type mockSMTPClient struct {
	helloCalled  bool
	tlsCalled    bool
	authCalled   bool
	mailFrom     string
	rcptTo       []string
	dataWritten  []byte
	quitCalled   bool
	closeCalled  bool
	authErr      error
	rcptErr      error
	dataErr      error
	dataWriteErr error
}

func (m *mockSMTPClient) Hello(_ string) error { m.helloCalled = true; return nil }
func (m *mockSMTPClient) Extension(ext string) (bool, string) {
	if ext == "STARTTLS" {
		return true, ""
	}
	return false, ""
}
func (m *mockSMTPClient) StartTLS(_ *tls.Config) error { m.tlsCalled = true; return nil }
func (m *mockSMTPClient) Auth(_ smtp.Auth) error {
	m.authCalled = true
	return m.authErr
}
func (m *mockSMTPClient) Mail(from string) error {
	m.mailFrom = from
	return nil
}
func (m *mockSMTPClient) Rcpt(to string) error {
	m.rcptTo = append(m.rcptTo, to)
	return m.rcptErr
}
func (m *mockSMTPClient) Data() (io.WriteCloser, error) {
	if m.dataErr != nil {
		return nil, m.dataErr
	}
	return &mockWriteCloser{mock: m}, nil
}
func (m *mockSMTPClient) Quit() error  { m.quitCalled = true; return nil }
func (m *mockSMTPClient) Close() error { m.closeCalled = true; return nil }

type mockWriteCloser struct {
	mock *mockSMTPClient
}

func (w *mockWriteCloser) Write(p []byte) (int, error) {
	if w.mock.dataWriteErr != nil {
		return 0, w.mock.dataWriteErr
	}
	w.mock.dataWritten = append(w.mock.dataWritten, p...)
	return len(p), nil
}

func (w *mockWriteCloser) Close() error { return nil }

func newTestSender(mock *mockSMTPClient) *Sender {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	s := NewSender(logger)
	s.dialFunc = func(context.Context, string, *tls.Config, string) (smtpClient, error) {
		return mock, nil
	}
	return s
}

func testReport() Report {
	five := 5
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	return Report{
		To:       []string{"frontdesk@hotel.example", "manager@hotel.example"},
		Property: "Hotel Bellavista",
		Day:      day,
		Entries: []models.CallLog{
			{AlarmID: 1, RoomNumber: "101", CallTime: day.Add(6 * time.Hour), Status: "initiated"},
			{AlarmID: 1, RoomNumber: "101", CallTime: day.Add(6*time.Hour + 40*time.Second), Response: "1", SnoozeMinutes: &five, Status: "snoozed"},
			{AlarmID: 2, RoomNumber: "204", CallTime: day.Add(7 * time.Hour), Status: "failed"},
			{AlarmID: 3, RoomNumber: "117", CallTime: day.Add(7 * time.Hour), Status: "failed"},
		},
	}
}

func TestSendReport(t *testing.T) {
	mock := &mockSMTPClient{}
	sender := newTestSender(mock)

	cfg := SMTPConfig{
		Host:     "mail.hotel.example",
		Port:     "587",
		From:     "wakeup@hotel.example",
		Username: "user",
		Password: "pass",
		TLS:      "starttls",
	}

	if err := sender.SendReport(context.Background(), cfg, testReport()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !mock.helloCalled || !mock.tlsCalled || !mock.authCalled || !mock.quitCalled {
		t.Errorf("smtp dialogue incomplete: %+v", mock)
	}
	if mock.mailFrom != "wakeup@hotel.example" {
		t.Errorf("mail from = %q", mock.mailFrom)
	}
	if len(mock.rcptTo) != 2 || mock.rcptTo[1] != "manager@hotel.example" {
		t.Errorf("rcpt to = %q", mock.rcptTo)
	}

	body := string(mock.dataWritten)
	for _, want := range []string{
		"Subject: Wake-up call report 2026-03-10 - Hotel Bellavista",
		"To: frontdesk@hotel.example, manager@hotel.example",
		"multipart/mixed",
		"Rooms with failed calls: 117, 204",
		"wakeup-calls-2026-03-10.csv",
		"Content-Transfer-Encoding: base64",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("message missing %q:\n%s", want, body)
		}
	}
}

func TestSendReportNoTLSNoAuth(t *testing.T) {
	mock := &mockSMTPClient{}
	cfg := SMTPConfig{Host: "mail.hotel.example", Port: "25", From: "wakeup@hotel.example", TLS: "none"}
	if err := newTestSender(mock).SendReport(context.Background(), cfg, testReport()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mock.tlsCalled || mock.authCalled {
		t.Error("expected neither StartTLS nor Auth")
	}
}

func TestSendReportErrors(t *testing.T) {
	valid := SMTPConfig{Host: "mail.hotel.example", Port: "587", From: "wakeup@hotel.example", Username: "u", Password: "p"}
	tests := []struct {
		name    string
		mock    *mockSMTPClient
		cfg     SMTPConfig
		report  Report
		wantErr string
	}{
		{"not configured", &mockSMTPClient{}, SMTPConfig{}, testReport(), "smtp not configured"},
		{"no recipients", &mockSMTPClient{}, valid, Report{Day: time.Now()}, "no report recipients"},
		{"auth", &mockSMTPClient{authErr: fmt.Errorf("invalid credentials")}, valid, testReport(), "smtp auth"},
		{"rcpt", &mockSMTPClient{rcptErr: fmt.Errorf("mailbox unavailable")}, valid, testReport(), "smtp rcpt to frontdesk@hotel.example"},
		{"data", &mockSMTPClient{dataErr: fmt.Errorf("451")}, valid, testReport(), "smtp data"},
		{"write", &mockSMTPClient{dataWriteErr: fmt.Errorf("broken pipe")}, valid, testReport(), "smtp write"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := newTestSender(tt.mock).SendReport(context.Background(), tt.cfg, tt.report)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestReportBody(t *testing.T) {
	body := reportBody(testReport())
	for _, want := range []string{
		"Wake-up calls for Hotel Bellavista on Tue, 10 Mar 2026",
		"snoozed    1\n",
		"failed     2\n",
		"completed  0\n",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q:\n%s", want, body)
		}
	}

	empty := reportBody(Report{Property: "x", Day: time.Now()})
	if !strings.Contains(empty, "No wake-up calls were placed.") {
		t.Errorf("empty report body:\n%s", empty)
	}
}

func TestEntriesCSV(t *testing.T) {
	data, err := entriesCSV(testReport().Entries)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 5 {
		t.Fatalf("got %d lines:\n%s", len(lines), data)
	}
	if lines[0] != "call_time,room,alarm_id,status,response,snooze_minutes" {
		t.Errorf("header = %q", lines[0])
	}
	if lines[2] != "2026-03-10T06:00:40Z,101,1,snoozed,1,5" {
		t.Errorf("snoozed row = %q", lines[2])
	}

	// The attachment decodes back to the same CSV.
	msg, err := buildMessage(SMTPConfig{From: "a@b"}, testReport())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(msg), base64.StdEncoding.EncodeToString(data)[:40]) {
		t.Error("attachment does not carry the csv")
	}
}

func TestSMTPConfigValid(t *testing.T) {
	tests := []struct {
		name  string
		cfg   SMTPConfig
		valid bool
	}{
		{"full config", SMTPConfig{Host: "mail.example.com", Port: "587", From: "test@example.com"}, true},
		{"missing host", SMTPConfig{Port: "587", From: "test@example.com"}, false},
		{"missing port", SMTPConfig{Host: "mail.example.com", From: "test@example.com"}, false},
		{"missing from", SMTPConfig{Host: "mail.example.com", Port: "587"}, false},
		{"empty", SMTPConfig{}, false},
	}

	for _, tc := range tests {
		if tc.cfg.Valid() != tc.valid {
			t.Errorf("%s: expected Valid() = %v", tc.name, tc.valid)
		}
	}
}
