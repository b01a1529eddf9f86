package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileConfig is the YAML layout accepted by --config. Every field maps onto
// a flag; empty fields leave the flag default in place.
type FileConfig struct {
	DataDir   string `yaml:"data_dir"`
	HTTPPort  int    `yaml:"http_port"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	PBX struct {
		Host       string `yaml:"host"`
		Port       int    `yaml:"port"`
		User       string `yaml:"user"`
		Password   string `yaml:"password"`
		KeyFile    string `yaml:"key_file"`
		KnownHosts string `yaml:"known_hosts"`
		Timeout    string `yaml:"timeout"`
	} `yaml:"pbx"`

	Asterisk struct {
		SoundsDir        string `yaml:"sounds_dir"`
		TempDir          string `yaml:"temp_dir"`
		SpoolDir         string `yaml:"spool_dir"`
		DialContext      string `yaml:"dial_context"`
		ServiceContext   string `yaml:"service_context"`
		CallerName       string `yaml:"caller_name"`
		VirtualExtension string `yaml:"virtual_extension"`
		DialplanFile     string `yaml:"dialplan_file"`
	} `yaml:"asterisk"`

	Alarms struct {
		CheckInterval     string `yaml:"check_interval"`
		Tolerance         string `yaml:"tolerance"`
		ErrorBackoff      string `yaml:"error_backoff"`
		DTMFTimeout       string `yaml:"dtmf_timeout"`
		AwaitMargin       string `yaml:"await_margin"`
		CallDuration      string `yaml:"call_duration"`
		MaxCallAge        string `yaml:"max_call_age"`
		SnoozeOptions     []int  `yaml:"snooze_options"`
		MaxSnoozeAttempts *int   `yaml:"max_snooze_attempts"`
	} `yaml:"alarms"`

	Signal struct {
		Mode      string `yaml:"mode"`
		RedisAddr string `yaml:"redis_addr"`
	} `yaml:"signal"`

	CallLogDSN           string `yaml:"calllog_dsn"`
	CallLogRetentionDays *int   `yaml:"calllog_retention_days"`

	Report struct {
		Recipients   []string `yaml:"recipients"`
		Hour         *int     `yaml:"hour"`
		SMTPHost     string   `yaml:"smtp_host"`
		SMTPPort     string   `yaml:"smtp_port"`
		SMTPFrom     string   `yaml:"smtp_from"`
		SMTPUser     string   `yaml:"smtp_user"`
		SMTPPassword string   `yaml:"smtp_password"`
		SMTPTLS      string   `yaml:"smtp_tls"`
	} `yaml:"report"`
}

// LoadFile reads and parses a YAML configuration file.
func LoadFile(path string) (*FileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fc FileConfig
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &fc, nil
}

// values flattens the file into flag-name keyed strings.
func (fc *FileConfig) values() map[string]string {
	v := map[string]string{
		"data-dir":          fc.DataDir,
		"log-level":         fc.LogLevel,
		"log-format":        fc.LogFormat,
		"pbx-host":          fc.PBX.Host,
		"pbx-user":          fc.PBX.User,
		"pbx-password":      fc.PBX.Password,
		"pbx-key-file":      fc.PBX.KeyFile,
		"pbx-known-hosts":   fc.PBX.KnownHosts,
		"pbx-timeout":       fc.PBX.Timeout,
		"sounds-dir":        fc.Asterisk.SoundsDir,
		"remote-temp-dir":   fc.Asterisk.TempDir,
		"spool-dir":         fc.Asterisk.SpoolDir,
		"dial-context":      fc.Asterisk.DialContext,
		"service-context":   fc.Asterisk.ServiceContext,
		"caller-name":       fc.Asterisk.CallerName,
		"virtual-extension": fc.Asterisk.VirtualExtension,
		"dialplan-file":     fc.Asterisk.DialplanFile,
		"check-interval":    fc.Alarms.CheckInterval,
		"tolerance":         fc.Alarms.Tolerance,
		"error-backoff":     fc.Alarms.ErrorBackoff,
		"dtmf-timeout":      fc.Alarms.DTMFTimeout,
		"await-margin":      fc.Alarms.AwaitMargin,
		"call-duration":     fc.Alarms.CallDuration,
		"max-call-age":      fc.Alarms.MaxCallAge,
		"signal-mode":       fc.Signal.Mode,
		"redis-addr":        fc.Signal.RedisAddr,
		"calllog-dsn":       fc.CallLogDSN,
		"report-recipients": strings.Join(fc.Report.Recipients, ","),
		"smtp-host":         fc.Report.SMTPHost,
		"smtp-port":         fc.Report.SMTPPort,
		"smtp-from":         fc.Report.SMTPFrom,
		"smtp-user":         fc.Report.SMTPUser,
		"smtp-password":     fc.Report.SMTPPassword,
		"smtp-tls":          fc.Report.SMTPTLS,
	}
	if fc.HTTPPort != 0 {
		v["http-port"] = strconv.Itoa(fc.HTTPPort)
	}
	if fc.PBX.Port != 0 {
		v["pbx-port"] = strconv.Itoa(fc.PBX.Port)
	}
	if len(fc.Alarms.SnoozeOptions) > 0 {
		parts := make([]string, len(fc.Alarms.SnoozeOptions))
		for i, m := range fc.Alarms.SnoozeOptions {
			parts[i] = strconv.Itoa(m)
		}
		v["snooze-options"] = strings.Join(parts, ",")
	}
	if fc.Alarms.MaxSnoozeAttempts != nil {
		v["max-snooze-attempts"] = strconv.Itoa(*fc.Alarms.MaxSnoozeAttempts)
	}
	if fc.CallLogRetentionDays != nil {
		v["calllog-retention-days"] = strconv.Itoa(*fc.CallLogRetentionDays)
	}
	if fc.Report.Hour != nil {
		v["report-hour"] = strconv.Itoa(*fc.Report.Hour)
	}
	return v
}
