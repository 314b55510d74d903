package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"caseline/internal/domain"
)

// Config models caseline.yml plus CASELINE_* environment overrides.
type Config struct {
	Server struct {
		Addr      string `yaml:"addr"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Scheduler struct {
		Tick        string `yaml:"tick"`
		BatchSize   int    `yaml:"batch_size"`
		MaxAttempts int    `yaml:"max_attempts"`
		BackoffBase string `yaml:"backoff_base"`
		BackoffCap  string `yaml:"backoff_cap"`
		StaleAfter  string `yaml:"stale_after"`
		TriageSweep string `yaml:"triage_sweep"`
	} `yaml:"scheduler"`
	Notifications struct {
		SendAttempts int                    `yaml:"send_attempts"`
		Defaults     map[string]EventPolicy `yaml:"defaults"`
	} `yaml:"notifications"`
}

// EventPolicy seeds a per-event notification setting at startup.
type EventPolicy struct {
	Frequency      string   `yaml:"frequency"`
	ThresholdHours int      `yaml:"threshold_hours"`
	Channels       []string `yaml:"channels"`
}

var validFrequencies = map[string]bool{
	domain.FreqImmediate: true, domain.FreqHourly: true,
	domain.FreqDaily: true, domain.FreqWeekly: true,
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "caseline.yml")
}

// Load reads the workspace config, applies environment overrides and
// validates. A missing file yields the defaults.
func Load(workspace string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(Path(workspace))
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("invalid config yaml: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	cfg.Server.Addr = ":8484"
	cfg.Scheduler.Tick = "30s"
	cfg.Scheduler.BatchSize = 25
	cfg.Scheduler.MaxAttempts = 6
	cfg.Scheduler.BackoffBase = "30s"
	cfg.Scheduler.BackoffCap = "30m"
	cfg.Scheduler.StaleAfter = "24h"
	cfg.Scheduler.TriageSweep = "@every 30m"
	cfg.Notifications.SendAttempts = 3
	return &cfg
}

// applyEnv layers CASELINE_* variables over the file, e.g.
// CASELINE_SERVER_JWT_SECRET or CASELINE_SCHEDULER_TICK.
func applyEnv(cfg *Config) {
	v := viper.New()
	v.SetEnvPrefix("CASELINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if s := v.GetString("server.addr"); s != "" {
		cfg.Server.Addr = s
	}
	if s := v.GetString("server.jwt_secret"); s != "" {
		cfg.Server.JWTSecret = s
	}
	if s := v.GetString("scheduler.tick"); s != "" {
		cfg.Scheduler.Tick = s
	}
	if n := v.GetInt("scheduler.batch_size"); n > 0 {
		cfg.Scheduler.BatchSize = n
	}
	if n := v.GetInt("scheduler.max_attempts"); n > 0 {
		cfg.Scheduler.MaxAttempts = n
	}
	if s := v.GetString("scheduler.backoff_base"); s != "" {
		cfg.Scheduler.BackoffBase = s
	}
	if s := v.GetString("scheduler.backoff_cap"); s != "" {
		cfg.Scheduler.BackoffCap = s
	}
	if s := v.GetString("scheduler.stale_after"); s != "" {
		cfg.Scheduler.StaleAfter = s
	}
	if s := v.GetString("scheduler.triage_sweep"); s != "" {
		cfg.Scheduler.TriageSweep = s
	}
	if n := v.GetInt("notifications.send_attempts"); n > 0 {
		cfg.Notifications.SendAttempts = n
	}
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	for name, raw := range map[string]string{
		"scheduler.tick":         c.Scheduler.Tick,
		"scheduler.backoff_base": c.Scheduler.BackoffBase,
		"scheduler.backoff_cap":  c.Scheduler.BackoffCap,
		"scheduler.stale_after":  c.Scheduler.StaleAfter,
	} {
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("config.%s: invalid duration %q", name, raw)
		}
	}
	if c.Scheduler.BatchSize < 1 {
		return fmt.Errorf("config.scheduler.batch_size must be at least 1")
	}
	if c.Scheduler.MaxAttempts < 1 {
		return fmt.Errorf("config.scheduler.max_attempts must be at least 1")
	}
	for event, policy := range c.Notifications.Defaults {
		if event == "" {
			return fmt.Errorf("config.notifications.defaults contains empty event kind")
		}
		if !validFrequencies[policy.Frequency] {
			return fmt.Errorf("event %s has unknown frequency %q", event, policy.Frequency)
		}
		if policy.ThresholdHours < 0 {
			return fmt.Errorf("event %s has negative threshold_hours", event)
		}
		for _, ch := range policy.Channels {
			switch ch {
			case "email", "sms", "in_app":
			default:
				return fmt.Errorf("event %s has unknown channel %q", event, ch)
			}
		}
	}
	return nil
}

// Duration parses one of the validated duration fields.
func Duration(raw string) time.Duration {
	d, _ := time.ParseDuration(raw)
	return d
}

// Setting converts a seed policy into a stored notification setting.
func (p EventPolicy) Setting(orgID, eventKind string) domain.NotificationSetting {
	s := domain.NotificationSetting{
		OrgID:          orgID,
		EventKind:      eventKind,
		Frequency:      p.Frequency,
		ThresholdHours: p.ThresholdHours,
	}
	for _, ch := range p.Channels {
		switch ch {
		case "email":
			s.ChannelEmail = true
		case "sms":
			s.ChannelSMS = true
		case "in_app":
			s.ChannelInApp = true
		}
	}
	return s
}
