package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the wake-up service.
// Precedence: CLI flags > env vars > config file > defaults.
type Config struct {
	ConfigFile  string
	DataDir     string
	HTTPPort    int
	LogLevel    string
	LogFormat   string // log output format: "text" or "json"
	CORSOrigins string
	JWTSecret   string // hex-encoded 32-byte secret for API bearer tokens

	// PBX SSH access.
	PBXHost           string
	PBXPort           int
	PBXUser           string
	PBXPassword       string
	PBXKeyFile        string // optional private key for public-key auth
	PBXKnownHosts     string // optional known_hosts file; empty accepts any host key
	PBXConnectTimeout time.Duration

	// Asterisk layout and dialplan identity.
	SoundsDir        string // e.g. /var/lib/asterisk/sounds
	RemoteTempDir    string // directory shared with the dialplan for signal files
	SpoolDir         string // Asterisk spool root; call files go to <spool>/outgoing
	DialContext      string // context used to reach room extensions
	ServiceContext   string // context that plays the prompt and collects the digit
	CallerName       string
	VirtualExtension string
	DialplanFile     string // remote path the rendered wakeup-service context is written to

	// Scheduling and call timing.
	CheckInterval     time.Duration
	Tolerance         time.Duration
	ErrorBackoff      time.Duration
	DTMFTimeout       time.Duration
	AwaitMargin       time.Duration
	CallDuration      time.Duration
	MaxCallAge        time.Duration
	SnoozeOptions     string // comma-separated minutes accepted by manual snooze
	MaxSnoozeAttempts int

	// DTMF signal transport: "file" (poll the temp dir) or "redis" (BLPOP).
	SignalMode string
	RedisAddr  string

	// Optional PostgreSQL archive for call logs.
	CallLogDSN string

	// Call log retention and the daily report mail.
	CallLogRetentionDays int // 0 keeps entries forever
	ReportRecipients     string
	ReportHour           int // local hour after which the previous day is reported
	SMTPHost             string
	SMTPPort             string
	SMTPFrom             string
	SMTPUser             string
	SMTPPassword         string
	SMTPTLS              string // none, starttls or tls
}

// defaults
const (
	defaultDataDir           = "./data"
	defaultHTTPPort          = 8080
	defaultLogLevel          = "info"
	defaultLogFormat         = "text"
	defaultPBXPort           = 22
	defaultPBXUser           = "admin"
	defaultPBXConnectTimeout = 10 * time.Second
	defaultSoundsDir         = "/var/lib/asterisk/sounds"
	defaultRemoteTempDir     = "/tmp"
	defaultSpoolDir          = "/var/spool/asterisk"
	defaultDialContext       = "internal"
	defaultServiceContext    = "wakeup-service"
	defaultCallerName        = "Wake-up Service"
	defaultVirtualExtension  = "999"
	defaultDialplanFile      = "/etc/asterisk/extensions_wakeup.conf"
	defaultCheckInterval     = 30 * time.Second
	defaultTolerance         = 60 * time.Second
	defaultErrorBackoff      = 10 * time.Second
	defaultDTMFTimeout       = 30 * time.Second
	defaultAwaitMargin       = 5 * time.Second
	defaultCallDuration      = 60 * time.Second
	defaultMaxCallAge        = 30 * time.Minute
	defaultSnoozeOptions     = "5,10,15,30"
	defaultMaxSnoozeAttempts = 3
	defaultSignalMode        = "file"
	defaultReportHour        = 7
	defaultSMTPPort          = "587"
	defaultSMTPTLS           = "starttls"
)

// envPrefix is the prefix for all wake-up service environment variables.
const envPrefix = "WAKEUP_"

// Load parses configuration from CLI flags, environment variables and an
// optional YAML file. Precedence: CLI flags > env vars > file > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("wakeupd", flag.ContinueOnError)

	fs.StringVar(&cfg.ConfigFile, "config", "", "path to a YAML configuration file")
	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the database")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP API listen port")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.CORSOrigins, "cors-origins", "", "comma-separated list of allowed CORS origins (use * for all)")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for API bearer tokens (auto-generated if empty)")

	fs.StringVar(&cfg.PBXHost, "pbx-host", "", "PBX host reached over SSH")
	fs.IntVar(&cfg.PBXPort, "pbx-port", defaultPBXPort, "PBX SSH port")
	fs.StringVar(&cfg.PBXUser, "pbx-user", defaultPBXUser, "PBX SSH user")
	fs.StringVar(&cfg.PBXPassword, "pbx-password", "", "PBX SSH password")
	fs.StringVar(&cfg.PBXKeyFile, "pbx-key-file", "", "path to an SSH private key for the PBX")
	fs.StringVar(&cfg.PBXKnownHosts, "pbx-known-hosts", "", "known_hosts file used to verify the PBX host key")
	fs.DurationVar(&cfg.PBXConnectTimeout, "pbx-timeout", defaultPBXConnectTimeout, "PBX SSH connect timeout")

	fs.StringVar(&cfg.SoundsDir, "sounds-dir", defaultSoundsDir, "Asterisk sounds directory on the PBX")
	fs.StringVar(&cfg.RemoteTempDir, "remote-temp-dir", defaultRemoteTempDir, "PBX directory for signaling files")
	fs.StringVar(&cfg.SpoolDir, "spool-dir", defaultSpoolDir, "Asterisk spool directory on the PBX")
	fs.StringVar(&cfg.DialContext, "dial-context", defaultDialContext, "dialplan context used to reach room extensions")
	fs.StringVar(&cfg.ServiceContext, "service-context", defaultServiceContext, "dialplan context that runs the wake-up menu")
	fs.StringVar(&cfg.CallerName, "caller-name", defaultCallerName, "caller name shown on the room phone")
	fs.StringVar(&cfg.VirtualExtension, "virtual-extension", defaultVirtualExtension, "virtual extension the wake-up service calls from")
	fs.StringVar(&cfg.DialplanFile, "dialplan-file", defaultDialplanFile, "remote file the wake-up dialplan context is installed to")

	fs.DurationVar(&cfg.CheckInterval, "check-interval", defaultCheckInterval, "interval between scheduler passes")
	fs.DurationVar(&cfg.Tolerance, "tolerance", defaultTolerance, "window around an alarm time in which it fires")
	fs.DurationVar(&cfg.ErrorBackoff, "error-backoff", defaultErrorBackoff, "pause after a failed scheduler pass")
	fs.DurationVar(&cfg.DTMFTimeout, "dtmf-timeout", defaultDTMFTimeout, "time the dialplan waits for a keypress")
	fs.DurationVar(&cfg.AwaitMargin, "await-margin", defaultAwaitMargin, "extra wait after the DTMF timeout before reading the result")
	fs.DurationVar(&cfg.CallDuration, "call-duration", defaultCallDuration, "ceiling after which a wake-up call is hung up")
	fs.DurationVar(&cfg.MaxCallAge, "max-call-age", defaultMaxCallAge, "age after which tracked calls are swept")
	fs.StringVar(&cfg.SnoozeOptions, "snooze-options", defaultSnoozeOptions, "comma-separated snooze durations in minutes for manual snooze")
	fs.IntVar(&cfg.MaxSnoozeAttempts, "max-snooze-attempts", defaultMaxSnoozeAttempts, "maximum manual snoozes per wake-up chain (0 = unlimited)")

	fs.StringVar(&cfg.SignalMode, "signal-mode", defaultSignalMode, "DTMF signal transport (file, redis)")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", "", "Redis address for the redis signal mode")
	fs.StringVar(&cfg.CallLogDSN, "calllog-dsn", "", "PostgreSQL DSN for archiving call logs (optional)")

	fs.IntVar(&cfg.CallLogRetentionDays, "calllog-retention-days", 0, "delete call log entries older than this many days (0 = keep)")
	fs.StringVar(&cfg.ReportRecipients, "report-recipients", "", "comma-separated addresses for the daily call report (empty disables it)")
	fs.IntVar(&cfg.ReportHour, "report-hour", defaultReportHour, "local hour after which the previous day's report is mailed")
	fs.StringVar(&cfg.SMTPHost, "smtp-host", "", "SMTP server for report mail")
	fs.StringVar(&cfg.SMTPPort, "smtp-port", defaultSMTPPort, "SMTP server port")
	fs.StringVar(&cfg.SMTPFrom, "smtp-from", "", "sender address for report mail")
	fs.StringVar(&cfg.SMTPUser, "smtp-user", "", "SMTP auth user")
	fs.StringVar(&cfg.SMTPPassword, "smtp-password", "", "SMTP auth password")
	fs.StringVar(&cfg.SMTPTLS, "smtp-tls", defaultSMTPTLS, "SMTP transport security (none, starttls, tls)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// The config file may itself come from the environment.
	if cfg.ConfigFile == "" {
		cfg.ConfigFile = os.Getenv(envPrefix + "CONFIG")
	}

	var fileVals map[string]string
	if cfg.ConfigFile != "" {
		fc, err := LoadFile(cfg.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
		fileVals = fc.values()
	}

	// Apply env var and file overrides for any flags not explicitly set on
	// the command line.
	if err := applyOverrides(fs, fileVals); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// envName maps a flag name to its environment variable.
func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// applyOverrides sets every flag that was not given on the command line from
// its environment variable, falling back to the config file value. This
// preserves the precedence: CLI flags > env vars > file > defaults.
func applyOverrides(fs *flag.FlagSet, fileVals map[string]string) error {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	var names []string
	fs.VisitAll(func(f *flag.Flag) {
		if f.Name != "config" && !set[f.Name] {
			names = append(names, f.Name)
		}
	})
	sort.Strings(names)

	for _, name := range names {
		val, ok := os.LookupEnv(envName(name))
		source := "env"
		if !ok || val == "" {
			val, ok = fileVals[name]
			source = "file"
		}
		if !ok || val == "" {
			continue
		}
		if err := fs.Set(name, val); err != nil {
			return fmt.Errorf("%s value for %s: %w", source, name, err)
		}
	}
	return nil
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.PBXPort < 1 || c.PBXPort > 65535 {
		return fmt.Errorf("pbx-port must be between 1 and 65535, got %d", c.PBXPort)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	for name, d := range map[string]time.Duration{
		"check-interval": c.CheckInterval,
		"tolerance":      c.Tolerance,
		"error-backoff":  c.ErrorBackoff,
		"dtmf-timeout":   c.DTMFTimeout,
		"call-duration":  c.CallDuration,
		"max-call-age":   c.MaxCallAge,
		"pbx-timeout":    c.PBXConnectTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.AwaitMargin < 0 {
		return fmt.Errorf("await-margin must not be negative, got %s", c.AwaitMargin)
	}

	if _, err := c.SnoozeMinutes(); err != nil {
		return err
	}
	if c.MaxSnoozeAttempts < 0 {
		return fmt.Errorf("max-snooze-attempts must not be negative, got %d", c.MaxSnoozeAttempts)
	}

	c.SignalMode = strings.ToLower(c.SignalMode)
	switch c.SignalMode {
	case "file":
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("redis-addr is required when signal-mode is redis")
		}
	default:
		return fmt.Errorf("signal-mode must be one of file, redis; got %q", c.SignalMode)
	}

	if c.CallLogRetentionDays < 0 {
		return fmt.Errorf("calllog-retention-days must not be negative, got %d", c.CallLogRetentionDays)
	}
	if c.ReportHour < 0 || c.ReportHour > 23 {
		return fmt.Errorf("report-hour must be between 0 and 23, got %d", c.ReportHour)
	}
	c.SMTPTLS = strings.ToLower(c.SMTPTLS)
	switch c.SMTPTLS {
	case "none", "starttls", "tls":
	default:
		return fmt.Errorf("smtp-tls must be one of none, starttls, tls; got %q", c.SMTPTLS)
	}
	if c.ReportRecipients != "" && (c.SMTPHost == "" || c.SMTPFrom == "") {
		return fmt.Errorf("smtp-host and smtp-from are required when report-recipients is set")
	}

	if c.PBXPassword == "" && c.PBXKeyFile == "" && c.PBXHost != "" {
		return fmt.Errorf("pbx-password or pbx-key-file is required when pbx-host is set")
	}
	if c.RemoteTempDir == "" || !strings.HasPrefix(c.RemoteTempDir, "/") {
		return fmt.Errorf("remote-temp-dir must be an absolute path, got %q", c.RemoteTempDir)
	}
	if !strings.HasPrefix(c.SpoolDir, "/") {
		return fmt.Errorf("spool-dir must be an absolute path, got %q", c.SpoolDir)
	}

	return nil
}

// SnoozeMinutes returns the parsed manual snooze options.
func (c *Config) SnoozeMinutes() ([]int, error) {
	var out []int
	for _, part := range strings.Split(c.SnoozeOptions, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.Atoi(part)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("snooze-options must be positive integers, got %q", part)
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("snooze-options must list at least one duration")
	}
	return out, nil
}

// Recipients returns the report addresses, trimmed, without empties.
func (c *Config) Recipients() []string {
	var out []string
	for _, r := range strings.Split(c.ReportRecipients, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

// PBXAddr returns host:port for the SSH connection.
func (c *Config) PBXAddr() string {
	return fmt.Sprintf("%s:%d", c.PBXHost, c.PBXPort)
}

// JWTSecretBytes returns the decoded 32-byte JWT signing secret.
// If no secret is configured, it generates a random 32-byte key and stores
// the hex-encoded value back in the config for the process lifetime.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating jwt secret: %w", err)
		}
		c.JWTSecret = hex.EncodeToString(key)
		slog.Warn("no jwt-secret configured, generated a new key")
		return key, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
