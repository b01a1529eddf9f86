// Package housekeeping prunes old call log entries and mails the daily call
// report.
package housekeeping

import (
	"context"
	"log/slog"
	"time"

	"github.com/flowpbx/wakeup/internal/database"
	"github.com/flowpbx/wakeup/internal/database/models"
	"github.com/flowpbx/wakeup/internal/email"
)

// CallLogs is the subset of the call log repository used here.
type CallLogs interface {
	Between(ctx context.Context, from, to time.Time) ([]models.CallLog, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Settings persists the last reported day.
type Settings interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}

// Mailer delivers a report.
type Mailer interface {
	SendReport(ctx context.Context, cfg email.SMTPConfig, r email.Report) error
}

// Options configures retention and reporting.
type Options struct {
	Interval      time.Duration
	RetentionDays int // 0 disables pruning
	Recipients    []string
	ReportHour    int // local hour after which yesterday is reported
	SMTP          email.SMTPConfig
	Property      string
	Location      *time.Location
}

// Keeper runs the periodic maintenance tasks.
type Keeper struct {
	logs     CallLogs
	settings Settings
	mailer   Mailer
	opts     Options
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Keeper. mailer may be nil when no report is configured.
func New(logs CallLogs, settings Settings, mailer Mailer, opts Options, logger *slog.Logger) *Keeper {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	return &Keeper{
		logs:     logs,
		settings: settings,
		mailer:   mailer,
		opts:     opts,
		logger:   logger.With("subsystem", "housekeeping"),
		now:      time.Now,
	}
}

// Start runs RunOnce now and then every interval until ctx is cancelled.
func (k *Keeper) Start(ctx context.Context) {
	go func() {
		k.RunOnce(ctx)

		ticker := time.NewTicker(k.opts.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				k.RunOnce(ctx)
			}
		}
	}()
}

// RunOnce prunes expired call logs and sends a pending report.
func (k *Keeper) RunOnce(ctx context.Context) {
	k.prune(ctx)
	if err := k.report(ctx); err != nil {
		k.logger.Error("daily report failed", "error", err)
	}
}

func (k *Keeper) prune(ctx context.Context) {
	if k.opts.RetentionDays <= 0 {
		return
	}
	cutoff := k.now().AddDate(0, 0, -k.opts.RetentionDays)
	n, err := k.logs.DeleteBefore(ctx, cutoff)
	if err != nil {
		k.logger.Error("call log retention cleanup failed", "error", err)
		return
	}
	if n > 0 {
		k.logger.Info("call log retention cleanup", "deleted", n, "max_days", k.opts.RetentionDays)
	}
}

// report mails the previous local day once the report hour has passed. The
// day is recorded only after a successful send, so failures are retried on
// the next tick.
func (k *Keeper) report(ctx context.Context) error {
	if k.mailer == nil || len(k.opts.Recipients) == 0 {
		return nil
	}
	now := k.now().In(k.opts.Location)
	if now.Hour() < k.opts.ReportHour {
		return nil
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, k.opts.Location)
	day := today.AddDate(0, 0, -1)
	key := day.Format(time.DateOnly)

	last, err := k.settings.Get(ctx, database.ConfigReportDay)
	if err != nil {
		return err
	}
	if last >= key {
		return nil
	}

	entries, err := k.logs.Between(ctx, day, today)
	if err != nil {
		return err
	}
	err = k.mailer.SendReport(ctx, k.opts.SMTP, email.Report{
		To:       k.opts.Recipients,
		Property: k.opts.Property,
		Day:      day,
		Entries:  entries,
	})
	if err != nil {
		return err
	}
	return k.settings.Set(ctx, database.ConfigReportDay, key)
}
