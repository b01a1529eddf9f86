package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowpbx/wakeup/internal/database/models"
	"github.com/flowpbx/wakeup/internal/scheduler"
)

// ActiveCallsProvider exposes the number of tracked wake-up calls.
type ActiveCallsProvider interface {
	Count() int
}

// AlarmStatusCounter returns alarm counts grouped by status.
type AlarmStatusCounter interface {
	CountByStatus(ctx context.Context) (map[models.AlarmStatus]int64, error)
}

// ConnectionChecker reports whether the PBX control channel is up.
type ConnectionChecker interface {
	IsConnected() bool
}

// SchedulerStatsProvider exposes the scheduler loop counters.
type SchedulerStatsProvider interface {
	Stats() scheduler.Stats
}

// TerminationCounter returns the number of pending deferred hang-ups.
type TerminationCounter interface {
	PendingTerminations() int
}

// Providers groups the collector's data sources. Any of them may be nil.
type Providers struct {
	ActiveCalls  ActiveCallsProvider
	Alarms       AlarmStatusCounter
	PBX          ConnectionChecker
	Scheduler    SchedulerStatsProvider
	Terminations TerminationCounter
}

var alarmStatuses = []models.AlarmStatus{
	models.AlarmScheduled, models.AlarmExecuting, models.AlarmCompleted,
	models.AlarmFailed, models.AlarmSnoozed, models.AlarmCancelled,
}

// Collector is a prometheus.Collector that gathers wake-up service metrics at
// scrape time.
type Collector struct {
	p         Providers
	startTime time.Time
	logger    *slog.Logger

	activeCallsDesc  *prometheus.Desc
	alarmsDesc       *prometheus.Desc
	pbxUpDesc        *prometheus.Desc
	passesDesc       *prometheus.Desc
	passErrorsDesc   *prometheus.Desc
	firedDesc        *prometheus.Desc
	outcomesDesc     *prometheus.Desc
	lastPassDesc     *prometheus.Desc
	schedulerUpDesc  *prometheus.Desc
	terminationsDesc *prometheus.Desc
	uptimeDesc       *prometheus.Desc
}

// NewCollector creates a new metrics collector.
func NewCollector(p Providers, startTime time.Time, logger *slog.Logger) *Collector {
	return &Collector{
		p:         p,
		startTime: startTime,
		logger:    logger.With("subsystem", "metrics"),

		activeCallsDesc: prometheus.NewDesc(
			"wakeup_active_calls",
			"Number of wake-up calls currently tracked",
			nil, nil,
		),
		alarmsDesc: prometheus.NewDesc(
			"wakeup_alarms",
			"Number of stored alarms by status",
			[]string{"status"}, nil,
		),
		pbxUpDesc: prometheus.NewDesc(
			"wakeup_pbx_connected",
			"Whether the PBX control channel is connected (1) or not (0)",
			nil, nil,
		),
		passesDesc: prometheus.NewDesc(
			"wakeup_scheduler_passes_total",
			"Scheduler passes since start",
			nil, nil,
		),
		passErrorsDesc: prometheus.NewDesc(
			"wakeup_scheduler_pass_errors_total",
			"Scheduler passes that failed and triggered a backoff",
			nil, nil,
		),
		firedDesc: prometheus.NewDesc(
			"wakeup_alarms_fired_total",
			"Alarms executed by the scheduler since start",
			nil, nil,
		),
		outcomesDesc: prometheus.NewDesc(
			"wakeup_call_outcomes_total",
			"Executed alarms by resulting status",
			[]string{"status"}, nil,
		),
		lastPassDesc: prometheus.NewDesc(
			"wakeup_scheduler_last_pass_timestamp_seconds",
			"Unix time of the last scheduler pass",
			nil, nil,
		),
		schedulerUpDesc: prometheus.NewDesc(
			"wakeup_scheduler_running",
			"Whether the scheduler loop is running",
			nil, nil,
		),
		terminationsDesc: prometheus.NewDesc(
			"wakeup_pending_terminations",
			"Deferred call hang-ups not yet fired",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"wakeup_uptime_seconds",
			"Seconds since the wake-up service started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.alarmsDesc
	ch <- c.pbxUpDesc
	ch <- c.passesDesc
	ch <- c.passErrorsDesc
	ch <- c.firedDesc
	ch <- c.outcomesDesc
	ch <- c.lastPassDesc
	ch <- c.schedulerUpDesc
	ch <- c.terminationsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.p.ActiveCalls != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(c.p.ActiveCalls.Count()),
		)
	}

	if c.p.Alarms != nil {
		counts, err := c.p.Alarms.CountByStatus(ctx)
		if err != nil {
			c.logger.Error("metrics: failed to count alarms", "error", err)
		} else {
			for _, s := range alarmStatuses {
				ch <- prometheus.MustNewConstMetric(
					c.alarmsDesc, prometheus.GaugeValue,
					float64(counts[s]), string(s),
				)
			}
		}
	}

	if c.p.PBX != nil {
		up := 0.0
		if c.p.PBX.IsConnected() {
			up = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.pbxUpDesc, prometheus.GaugeValue, up)
	}

	if c.p.Scheduler != nil {
		st := c.p.Scheduler.Stats()
		ch <- prometheus.MustNewConstMetric(c.passesDesc, prometheus.CounterValue, float64(st.Passes))
		ch <- prometheus.MustNewConstMetric(c.passErrorsDesc, prometheus.CounterValue, float64(st.PassErrors))
		ch <- prometheus.MustNewConstMetric(c.firedDesc, prometheus.CounterValue, float64(st.Fired))
		for status, n := range st.Outcomes {
			ch <- prometheus.MustNewConstMetric(
				c.outcomesDesc, prometheus.CounterValue,
				float64(n), string(status),
			)
		}
		if !st.LastPass.IsZero() {
			ch <- prometheus.MustNewConstMetric(
				c.lastPassDesc, prometheus.GaugeValue,
				float64(st.LastPass.Unix()),
			)
		}
		running := 0.0
		if st.Running {
			running = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.schedulerUpDesc, prometheus.GaugeValue, running)
	}

	if c.p.Terminations != nil {
		ch <- prometheus.MustNewConstMetric(
			c.terminationsDesc, prometheus.GaugeValue,
			float64(c.p.Terminations.PendingTerminations()),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
