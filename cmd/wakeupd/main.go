package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/flowpbx/wakeup/internal/api"
	"github.com/flowpbx/wakeup/internal/api/middleware"
	"github.com/flowpbx/wakeup/internal/calllog/pgstore"
	"github.com/flowpbx/wakeup/internal/calls"
	"github.com/flowpbx/wakeup/internal/config"
	"github.com/flowpbx/wakeup/internal/database"
	"github.com/flowpbx/wakeup/internal/dialplan"
	"github.com/flowpbx/wakeup/internal/email"
	"github.com/flowpbx/wakeup/internal/housekeeping"
	"github.com/flowpbx/wakeup/internal/metrics"
	"github.com/flowpbx/wakeup/internal/pbx"
	"github.com/flowpbx/wakeup/internal/rcc"
	"github.com/flowpbx/wakeup/internal/scheduler"
	"github.com/flowpbx/wakeup/internal/wakeup"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := runToken(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("wakeupd failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	startedAt := time.Now()
	slog.Info("starting wakeupd",
		"http_port", cfg.HTTPPort,
		"data_dir", cfg.DataDir,
		"pbx_host", cfg.PBXHost,
		"signal_mode", cfg.SignalMode,
	)

	// Open database and run migrations.
	db, err := database.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	sysConfig, err := database.NewSystemConfigRepository(context.Background(), db)
	if err != nil {
		return err
	}
	secret, err := resolveSecret(context.Background(), cfg, sysConfig)
	if err != nil {
		return err
	}

	store := database.NewStore(db, logger)

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	property, _ := sysConfig.Get(appCtx, database.ConfigHotelName)
	if property == "" {
		property, _ = os.Hostname()
	}

	if cfg.CallLogDSN != "" {
		archive, err := pgstore.New(appCtx, cfg.CallLogDSN, property, logger)
		if err != nil {
			return fmt.Errorf("opening call log archive: %w", err)
		}
		defer archive.Close()
		store.SetCallLogMirror(archive)
	}

	// PBX control channel. An unset host leaves every PBX operation failing
	// with rcc.ErrNotConfigured instead of refusing to start.
	var addr string
	if cfg.PBXHost != "" {
		addr = cfg.PBXAddr()
	}
	client := rcc.NewClient(rcc.Config{
		Addr:       addr,
		User:       cfg.PBXUser,
		Password:   cfg.PBXPassword,
		KeyFile:    cfg.PBXKeyFile,
		KnownHosts: cfg.PBXKnownHosts,
		Timeout:    cfg.PBXConnectTimeout,
	}, logger)
	defer client.Close()
	if addr != "" {
		if err := client.Connect(appCtx); err != nil {
			slog.Warn("pbx not reachable at startup, will retry on first command", "error", err)
		}
	} else {
		slog.Warn("no pbx-host configured, calls cannot be placed")
	}

	p := pbx.New(client, pbx.Layout{
		SoundsDir: cfg.SoundsDir,
		TempDir:   cfg.RemoteTempDir,
		SpoolDir:  cfg.SpoolDir,
	}, logger)
	registry := calls.NewRegistry(p, logger)

	var (
		source    wakeup.SignalSource
		publisher api.SignalPublisher
	)
	switch cfg.SignalMode {
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(appCtx).Err(); err != nil {
			slog.Warn("redis not reachable at startup", "addr", cfg.RedisAddr, "error", err)
		}
		rs := wakeup.NewRedisSignal(rdb, p, logger)
		source, publisher = rs, rs
	default:
		source = wakeup.NewFilePoller(p, logger)
	}

	orch := wakeup.NewOrchestrator(store, p, registry, source, wakeup.Options{
		DialContext:      cfg.DialContext,
		ServiceContext:   cfg.ServiceContext,
		CallerName:       cfg.CallerName,
		VirtualExtension: cfg.VirtualExtension,
		DTMFTimeout:      cfg.DTMFTimeout,
		AwaitMargin:      cfg.AwaitMargin,
		CallDuration:     cfg.CallDuration,
	}, logger)

	snoozes, err := cfg.SnoozeMinutes()
	if err != nil {
		return err
	}
	svc := wakeup.NewService(store, p, registry, wakeup.SnoozePolicy{
		Options:     snoozes,
		MaxAttempts: cfg.MaxSnoozeAttempts,
	}, logger)

	sched := scheduler.New(store, orch, registry, scheduler.Options{
		Interval:     cfg.CheckInterval,
		Tolerance:    cfg.Tolerance,
		ErrorBackoff: cfg.ErrorBackoff,
		MaxCallAge:   cfg.MaxCallAge,
		// Provisioning and upload slack on top of the call itself.
		CallTimeout: cfg.DTMFTimeout + cfg.AwaitMargin + cfg.CallDuration + time.Minute,
	}, logger)
	sched.Start(appCtx)

	var mailer housekeeping.Mailer
	if len(cfg.Recipients()) > 0 {
		mailer = email.NewSender(logger)
	}
	housekeeping.New(store.CallLogs, sysConfig, mailer, housekeeping.Options{
		Interval:      time.Minute,
		RetentionDays: cfg.CallLogRetentionDays,
		Recipients:    cfg.Recipients(),
		ReportHour:    cfg.ReportHour,
		SMTP: email.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			From:     cfg.SMTPFrom,
			Username: cfg.SMTPUser,
			Password: cfg.SMTPPassword,
			TLS:      cfg.SMTPTLS,
		},
		Property: property,
	}, logger).Start(appCtx)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(metrics.Providers{
			ActiveCalls:  registry,
			Alarms:       store.Alarms,
			PBX:          client,
			Scheduler:    sched,
			Terminations: orch,
		}, startedAt, logger),
	)

	limiter := middleware.NewClientRateLimiter(middleware.DefaultRateLimitConfig(), logger)
	go limiter.Run(appCtx)

	handler := api.NewServer(api.Deps{
		Config:    cfg,
		Store:     store,
		Service:   svc,
		PBX:       p,
		Dialplan:  dialplan.NewInstaller(p, cfg.DialplanFile, logger),
		Scheduler: sched,
		Signals:   publisher,
		Metrics:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Limiter:   limiter,
		Secret:    secret,
		Logger:    logger,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var serveErr error
	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case serveErr = <-errCh:
		slog.Error("http server error", "error", serveErr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	sched.Stop()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}
	// Hang up calls whose deferred termination has not fired yet.
	if err := orch.Close(ctx); err != nil {
		slog.Warn("pending call terminations not finished", "error", err)
	}
	appCancel()

	slog.Info("wakeupd stopped")
	return serveErr
}

// resolveSecret returns the token signing key. Without a configured secret a
// key is generated once and kept in system_config so issued tokens survive a
// restart.
func resolveSecret(ctx context.Context, cfg *config.Config, sysConfig database.SystemConfigRepository) ([]byte, error) {
	if cfg.JWTSecret == "" {
		if stored, ok := sysConfig.Lookup(database.ConfigJWTSecret); ok {
			cfg.JWTSecret = stored
		}
	}
	generate := cfg.JWTSecret == ""
	key, err := cfg.JWTSecretBytes()
	if err != nil {
		return nil, err
	}
	if generate {
		if err := sysConfig.Set(ctx, database.ConfigJWTSecret, cfg.JWTSecret); err != nil {
			return nil, fmt.Errorf("storing jwt secret: %w", err)
		}
	}
	return key, nil
}

// runToken prints an operator bearer token. Arguments after the token flags
// are parsed as regular configuration, e.g.
//
//	wakeupd token -operator frontdesk -ttl 12h -- -data-dir /var/lib/wakeup
func runToken(args []string) error {
	fs := flag.NewFlagSet("wakeupd token", flag.ContinueOnError)
	operator := fs.String("operator", "", "operator name embedded in the token")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *operator == "" {
		return errors.New("-operator is required")
	}

	os.Args = append([]string{os.Args[0]}, fs.Args()...)
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(cfg.SlogHandler(os.Stderr)))

	db, err := database.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	ctx := context.Background()
	sysConfig, err := database.NewSystemConfigRepository(ctx, db)
	if err != nil {
		return err
	}
	secret, err := resolveSecret(ctx, cfg, sysConfig)
	if err != nil {
		return err
	}

	token, expires, err := middleware.GenerateToken(secret, *operator, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", expires.Format(time.RFC3339))
	return nil
}
