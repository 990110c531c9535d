package config_test

import (
	"errors"
	"testing"
	"time"

	"github.com/okian/feedbackd/internal/config"
	"github.com/smartystreets/goconvey/convey"
)

func TestConfig_New(t *testing.T) {
	convey.Convey("Given a new config with defaults", t, func() {
		cfg := config.New()

		convey.Convey("Then it should have sensible defaults", func() {
			convey.So(cfg.Addr, convey.ShouldEqual, ":9080")
			convey.So(cfg.PollIntervalFocused, convey.ShouldEqual, 10*time.Second)
			convey.So(cfg.PollIntervalIdle, convey.ShouldEqual, 60*time.Second)
			convey.So(cfg.RespondedPollInterval, convey.ShouldEqual, 30*time.Second)
			convey.So(cfg.RequestTimeout, convey.ShouldEqual, 15*time.Second)
			convey.So(cfg.LeadTime(), convey.ShouldEqual, 5*time.Minute)
			convey.So(cfg.Grace(), convey.ShouldEqual, 60*time.Minute)
			convey.So(cfg.StepDuration(), convey.ShouldEqual, time.Second)
			convey.So(cfg.Countdown.Steps, convey.ShouldEqual, 3)
			convey.So(cfg.EventQueueSize, convey.ShouldEqual, 256)
			convey.So(cfg.Store.Driver, convey.ShouldEqual, "memory")
			convey.So(cfg.Validate(), convey.ShouldBeNil)
		})
	})
}

func TestConfig_Validate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"unknown log level", func(c *config.Config) { c.LogLevel = "loud" }},
		{"empty addr", func(c *config.Config) { c.Addr = "" }},
		{"bad timezone", func(c *config.Config) { c.Timezone = "Mars/Olympus" }},
		{"zero poll interval", func(c *config.Config) { c.PollIntervalFocused = 0 }},
		{"negative grace", func(c *config.Config) { c.GraceMinutes = -1 }},
		{"zero lead", func(c *config.Config) { c.LeadMinutes = 0 }},
		{"zero grace", func(c *config.Config) { c.GraceMinutes = 0 }},
		{"zero countdown steps", func(c *config.Config) { c.Countdown.Steps = 0 }},
		{"zero event queue", func(c *config.Config) { c.EventQueueSize = 0 }},
		{"relative portal url", func(c *config.Config) { c.Portal.BaseURL = "/api" }},
		{"file store without path", func(c *config.Config) { c.Store.Driver = "file" }},
		{"postgres store without dsn", func(c *config.Config) { c.Store.Driver = "postgres" }},
		{"unknown store", func(c *config.Config) { c.Store.Driver = "redis" }},
	}

	convey.Convey("Given invalid settings", t, func() {
		for _, tc := range cases {
			convey.Convey("When "+tc.name, func() {
				cfg := config.New()
				tc.mutate(cfg)

				convey.Convey("Then validation fails with ErrInvalidConfig", func() {
					convey.So(errors.Is(cfg.Validate(), config.ErrInvalidConfig), convey.ShouldBeTrue)
				})
			})
		}
	})

	convey.Convey("Given a valid timezone", t, func() {
		cfg := config.New()
		cfg.Timezone = "Europe/Berlin"

		loc, err := cfg.Location()
		convey.So(err, convey.ShouldBeNil)
		convey.So(loc.String(), convey.ShouldEqual, "Europe/Berlin")
	})
}
