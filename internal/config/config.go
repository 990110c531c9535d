// Package config defines service configuration structures and loading hooks.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// Addr configures the HTTP listen address, e.g. ":9080".
	Addr string `koanf:"addr"`

	// Timezone is the IANA zone meeting dates and times are interpreted in.
	// Empty means the host zone.
	Timezone string `koanf:"timezone"`

	UserID       string `koanf:"user_id"`
	DepartmentID string `koanf:"department_id"`

	// PollIntervalFocused applies while the feedback section is open.
	PollIntervalFocused time.Duration `koanf:"poll_interval_focused"`
	PollIntervalIdle    time.Duration `koanf:"poll_interval_idle"`

	RespondedPollInterval time.Duration `koanf:"responded_poll_interval"`
	FeedRefreshInterval   time.Duration `koanf:"feed_refresh_interval"`

	// RequestTimeout bounds every portal call.
	RequestTimeout time.Duration `koanf:"request_timeout"`

	LeadMinutes  int `koanf:"lead_minutes"`
	GraceMinutes int `koanf:"grace_minutes"`

	// EventQueueSize bounds events waiting for the push transports.
	EventQueueSize int `koanf:"event_queue_size"`

	Countdown CountdownConfig `koanf:"countdown"`
	Portal    PortalConfig    `koanf:"portal"`
	Store     StoreConfig     `koanf:"store"`
	NATS      NATSConfig      `koanf:"nats"`
	CORS      CORSConfig      `koanf:"cors"`
}

// CountdownConfig shapes the 3-2-1 presentation.
type CountdownConfig struct {
	Steps         int `koanf:"steps"`
	StepMS        int `koanf:"step_ms"`
	FramesPerStep int `koanf:"frames_per_step"`
}

// PortalConfig locates the portal API.
type PortalConfig struct {
	BaseURL string `koanf:"base_url"`
	Token   string `koanf:"token"`
	// ICalURL, when set, replaces the JSON meeting feed.
	ICalURL string `koanf:"ical_url"`
}

// StoreConfig selects the persistence driver: memory, file or postgres.
type StoreConfig struct {
	Driver string `koanf:"driver"`
	Path   string `koanf:"path"`
	DSN    string `koanf:"dsn"`
}

// NATSConfig enables event publishing when URL is set.
type NATSConfig struct {
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// CORSConfig lists dashboard origins. Empty allows any origin.
type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// New creates a Config with defaults.
func New() *Config {
	return &Config{
		LogLevel:              "info",
		Addr:                  ":9080",
		PollIntervalFocused:   10 * time.Second,
		PollIntervalIdle:      60 * time.Second,
		RespondedPollInterval: 30 * time.Second,
		FeedRefreshInterval:   5 * time.Minute,
		RequestTimeout:        15 * time.Second,
		LeadMinutes:           5,
		GraceMinutes:          60,
		EventQueueSize:        256,
		Countdown: CountdownConfig{
			Steps:         3,
			StepMS:        1000,
			FramesPerStep: 10,
		},
		Portal: PortalConfig{
			BaseURL: "http://localhost:8000",
		},
		Store: StoreConfig{
			Driver: "memory",
		},
		NATS: NATSConfig{
			SubjectPrefix: "feedback.events",
		},
	}
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	if strings.TrimSpace(c.Timezone) == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %w", ErrInvalidConfig, c.Timezone, err)
	}
	return loc, nil
}

// LeadTime is how long before a start questions become visible.
func (c *Config) LeadTime() time.Duration { return time.Duration(c.LeadMinutes) * time.Minute }

// Grace is how long after a start questions stay visible.
func (c *Config) Grace() time.Duration { return time.Duration(c.GraceMinutes) * time.Minute }

// StepDuration is the length of one countdown step.
func (c *Config) StepDuration() time.Duration {
	return time.Duration(c.Countdown.StepMS) * time.Millisecond
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return invalid("log_level %q", c.LogLevel)
	}
	if strings.TrimSpace(c.Addr) == "" {
		return invalid("addr must not be empty")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	for name, d := range map[string]time.Duration{
		"poll_interval_focused":   c.PollIntervalFocused,
		"poll_interval_idle":      c.PollIntervalIdle,
		"responded_poll_interval": c.RespondedPollInterval,
		"feed_refresh_interval":   c.FeedRefreshInterval,
		"request_timeout":         c.RequestTimeout,
	} {
		if d <= 0 {
			return invalid("%s must be positive", name)
		}
	}
	if c.EventQueueSize < 1 {
		return invalid("event_queue_size must be positive")
	}
	if c.LeadMinutes < 1 || c.GraceMinutes < 1 {
		return invalid("lead_minutes and grace_minutes must be at least 1")
	}
	if c.Countdown.Steps < 1 || c.Countdown.StepMS <= 0 || c.Countdown.FramesPerStep < 1 {
		return invalid("countdown steps, step_ms and frames_per_step must be positive")
	}
	if u, err := url.Parse(c.Portal.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return invalid("portal.base_url %q", c.Portal.BaseURL)
	}
	if c.Portal.ICalURL != "" {
		if u, err := url.Parse(c.Portal.ICalURL); err != nil || u.Scheme == "" || u.Host == "" {
			return invalid("portal.ical_url %q", c.Portal.ICalURL)
		}
	}
	switch c.Store.Driver {
	case "memory":
	case "file":
		if strings.TrimSpace(c.Store.Path) == "" {
			return invalid("store.path is required for the file driver")
		}
	case "postgres":
		if strings.TrimSpace(c.Store.DSN) == "" {
			return invalid("store.dsn is required for the postgres driver")
		}
	default:
		return invalid("store.driver %q", c.Store.Driver)
	}
	return nil
}
