// Package email mails the daily wake-up call report to the front desk.
package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/flowpbx/wakeup/internal/database"
	"github.com/flowpbx/wakeup/internal/database/models"
)

// SMTPConfig holds the SMTP server settings.
type SMTPConfig struct {
	Host     string
	Port     string // 25, 587 or 465
	From     string
	Username string
	Password string
	TLS      string // "none", "starttls", "tls"
}

// Valid returns true if the minimum required fields are set.
func (c SMTPConfig) Valid() bool {
	return c.Host != "" && c.Port != "" && c.From != ""
}

// Report is one day of call log activity for a property.
type Report struct {
	To       []string
	Property string
	Day      time.Time // local midnight of the reported day
	Entries  []models.CallLog
}

// Sender delivers reports over SMTP.
type Sender struct {
	logger *slog.Logger
	// dialFunc allows injecting a custom dialer for testing.
	dialFunc func(ctx context.Context, addr string, tlsConfig *tls.Config, tlsMode string) (smtpClient, error)
}

// smtpClient abstracts the methods used from *smtp.Client for testing.
type smtpClient interface {
	Hello(localName string) error
	Extension(ext string) (bool, string)
	StartTLS(config *tls.Config) error
	Auth(a smtp.Auth) error
	Mail(from string) error
	Rcpt(to string) error
	Data() (io.WriteCloser, error)
	Quit() error
	Close() error
}

// NewSender creates a new email Sender.
func NewSender(logger *slog.Logger) *Sender {
	return &Sender{
		logger:   logger.With("subsystem", "email"),
		dialFunc: defaultDial,
	}
}

// SendReport mails r with the day's call log attached as CSV.
func (s *Sender) SendReport(ctx context.Context, cfg SMTPConfig, r Report) error {
	if !cfg.Valid() {
		return fmt.Errorf("smtp not configured")
	}
	if len(r.To) == 0 {
		return fmt.Errorf("no report recipients")
	}

	msg, err := buildMessage(cfg, r)
	if err != nil {
		return fmt.Errorf("building report message: %w", err)
	}

	addr := net.JoinHostPort(cfg.Host, cfg.Port)
	tlsConfig := &tls.Config{ServerName: cfg.Host}

	client, err := s.dialFunc(ctx, addr, tlsConfig, cfg.TLS)
	if err != nil {
		return fmt.Errorf("connecting to smtp server: %w", err)
	}
	defer client.Close()

	if err := client.Hello("localhost"); err != nil {
		return fmt.Errorf("smtp hello: %w", err)
	}

	if strings.EqualFold(cfg.TLS, "starttls") {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				return fmt.Errorf("smtp starttls: %w", err)
			}
		}
	}

	if cfg.Username != "" && cfg.Password != "" {
		auth := smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.Mail(cfg.From); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	for _, to := range r.To {
		if err := client.Rcpt(to); err != nil {
			return fmt.Errorf("smtp rcpt to %s: %w", to, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp data close: %w", err)
	}

	if err := client.Quit(); err != nil {
		s.logger.Warn("smtp quit error (non-fatal)", "error", err)
	}

	s.logger.Info("call report sent",
		"recipients", len(r.To),
		"day", r.Day.Format(time.DateOnly),
		"entries", len(r.Entries),
	)
	return nil
}

// defaultDial connects to the SMTP server using either plain TCP or implicit TLS.
func defaultDial(ctx context.Context, addr string, tlsConfig *tls.Config, tlsMode string) (smtpClient, error) {
	d := &net.Dialer{Timeout: 10 * time.Second}
	if strings.EqualFold(tlsMode, "tls") {
		td := &tls.Dialer{NetDialer: d, Config: tlsConfig}
		conn, err := td.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		return smtp.NewClient(conn, tlsConfig.ServerName)
	}

	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	host, _, _ := net.SplitHostPort(addr)
	return smtp.NewClient(conn, host)
}

// summarize counts entries per status and collects the rooms whose alarm
// failed.
func summarize(entries []models.CallLog) (map[string]int, []string) {
	counts := make(map[string]int)
	seen := make(map[string]bool)
	var failed []string
	for _, e := range entries {
		counts[e.Status]++
		if e.Status == database.CallFailed && !seen[e.RoomNumber] {
			seen[e.RoomNumber] = true
			failed = append(failed, e.RoomNumber)
		}
	}
	sort.Strings(failed)
	return counts, failed
}

// reportBody renders the plain text summary.
func reportBody(r Report) string {
	counts, failed := summarize(r.Entries)

	var b strings.Builder
	fmt.Fprintf(&b, "Wake-up calls for %s on %s\n\n", r.Property, r.Day.Format("Mon, 02 Jan 2006"))
	for _, status := range []string{
		database.CallInitiated, database.CallCompleted, database.CallSnoozed,
		database.CallCancelled, database.CallFailed, database.CallHangup,
	} {
		fmt.Fprintf(&b, "%-10s %d\n", status, counts[status])
	}
	if len(failed) > 0 {
		fmt.Fprintf(&b, "\nRooms with failed calls: %s\n", strings.Join(failed, ", "))
	}
	if len(r.Entries) == 0 {
		b.WriteString("\nNo wake-up calls were placed.\n")
	}
	return b.String()
}

// entriesCSV renders the call log as CSV.
func entriesCSV(entries []models.CallLog) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Write([]string{"call_time", "room", "alarm_id", "status", "response", "snooze_minutes"})
	for _, e := range entries {
		snooze := ""
		if e.SnoozeMinutes != nil {
			snooze = strconv.Itoa(*e.SnoozeMinutes)
		}
		w.Write([]string{
			e.CallTime.Format(time.RFC3339), e.RoomNumber, strconv.FormatInt(e.AlarmID, 10),
			e.Status, e.Response, snooze,
		})
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// buildMessage constructs a MIME multipart message with the summary as text
// and the call log as a CSV attachment.
func buildMessage(cfg SMTPConfig, r Report) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	subject := fmt.Sprintf("Wake-up call report %s - %s", r.Day.Format(time.DateOnly), r.Property)

	fmt.Fprintf(&buf, "From: %s\r\n", cfg.From)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(r.To, ", "))
	fmt.Fprintf(&buf, "Subject: %s\r\n", subject)
	fmt.Fprintf(&buf, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%s\r\n", writer.Boundary())
	fmt.Fprintf(&buf, "\r\n")

	textHeader := make(textproto.MIMEHeader)
	textHeader.Set("Content-Type", "text/plain; charset=utf-8")
	textPart, err := writer.CreatePart(textHeader)
	if err != nil {
		return nil, fmt.Errorf("creating text part: %w", err)
	}
	if _, err := textPart.Write([]byte(reportBody(r))); err != nil {
		return nil, fmt.Errorf("writing text part: %w", err)
	}

	data, err := entriesCSV(r.Entries)
	if err != nil {
		return nil, fmt.Errorf("rendering csv: %w", err)
	}

	filename := "wakeup-calls-" + r.Day.Format(time.DateOnly) + ".csv"
	attachHeader := make(textproto.MIMEHeader)
	attachHeader.Set("Content-Type", "text/csv; name=\""+filename+"\"")
	attachHeader.Set("Content-Disposition", "attachment; filename=\""+filename+"\"")
	attachHeader.Set("Content-Transfer-Encoding", "base64")

	attachPart, err := writer.CreatePart(attachHeader)
	if err != nil {
		return nil, fmt.Errorf("creating attachment part: %w", err)
	}

	encoder := base64.NewEncoder(base64.StdEncoding, attachPart)
	if _, err := encoder.Write(data); err != nil {
		return nil, fmt.Errorf("encoding csv attachment: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return nil, fmt.Errorf("closing base64 encoder: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("closing multipart writer: %w", err)
	}
	return buf.Bytes(), nil
}
