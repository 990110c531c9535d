// Package countdown runs the cancellable 3-2-1 sequence shown before questions
// are revealed and before feedback is submitted.
package countdown

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/okian/feedbackd/pkg/logger"
)

const (
	defaultSteps         = 3
	defaultStepDuration  = time.Second
	defaultFramesPerStep = 10
)

// Frame is one animation frame of a countdown step.
type Frame struct {
	Step     int  `json:"step"`     // current step, counting down to 1
	Progress int  `json:"progress"` // percent of the step elapsed, 0..100
	Cue      bool `json:"cue"`      // first frame of the step
}

// Sink receives frames in order. It is never called after the context is done.
type Sink func(Frame)

// AudioCue plays a sound at the start of every step.
type AudioCue interface {
	Cue(step int)
}

// Presenter paces countdown frames on a clock.
type Presenter struct {
	clock        clockwork.Clock
	steps        int
	stepDuration time.Duration
	frames       int
	cue          AudioCue
	log          logger.Logger
}

// Option configures a Presenter.
type Option func(*Presenter)

// WithClock sets the clock used for pacing.
func WithClock(c clockwork.Clock) Option {
	return func(p *Presenter) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithSteps sets the default number of steps.
func WithSteps(n int) Option {
	return func(p *Presenter) {
		if n > 0 {
			p.steps = n
		}
	}
}

// WithStepDuration sets how long each step lasts.
func WithStepDuration(d time.Duration) Option {
	return func(p *Presenter) {
		if d > 0 {
			p.stepDuration = d
		}
	}
}

// WithFramesPerStep sets how many progress intervals each step is split into.
func WithFramesPerStep(n int) Option {
	return func(p *Presenter) {
		if n > 0 {
			p.frames = n
		}
	}
}

// WithAudioCue sets a cue played on the first frame of each step.
func WithAudioCue(c AudioCue) Option {
	return func(p *Presenter) {
		p.cue = c
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(p *Presenter) {
		if l != nil {
			p.log = l
		}
	}
}

// New creates a Presenter.
func New(opts ...Option) *Presenter {
	p := &Presenter{
		clock:        clockwork.NewRealClock(),
		steps:        defaultSteps,
		stepDuration: defaultStepDuration,
		frames:       defaultFramesPerStep,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = logger.Get().Named("countdown")
	}
	return p
}

// Steps returns the configured number of steps.
func (p *Presenter) Steps() int { return p.steps }

// Duration is the wall time of a full run with the configured steps.
func (p *Presenter) Duration() time.Duration { return time.Duration(p.steps) * p.stepDuration }

// Run emits steps, steps-1, ..., 1. Each step emits frames from 0 to 100 percent.
// It returns ctx.Err() as soon as ctx is done; no frame is emitted afterwards.
// A non-positive steps uses the configured default.
func (p *Presenter) Run(ctx context.Context, steps int, sink Sink) error {
	if steps <= 0 {
		steps = p.steps
	}
	interval := p.stepDuration / time.Duration(p.frames)

	for step := steps; step >= 1; step-- {
		for f := 0; f <= p.frames; f++ {
			if err := ctx.Err(); err != nil {
				p.log.Debug(ctx, "countdown cancelled", logger.Int("step", step))
				return err
			}
			if f == 0 && p.cue != nil {
				p.cue.Cue(step)
			}
			if sink != nil {
				sink(Frame{Step: step, Progress: f * 100 / p.frames, Cue: f == 0})
			}
			if f < p.frames {
				if err := p.sleep(ctx, interval); err != nil {
					p.log.Debug(ctx, "countdown cancelled", logger.Int("step", step))
					return err
				}
			}
		}
	}
	return nil
}

func (p *Presenter) sleep(ctx context.Context, d time.Duration) error {
	t := p.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.Chan():
		return nil
	}
}
