package ui

import (
	"context"
	"log/slog"
	"time"

	"github.com/nao1215/onionfetch/internal/model"
)

// DefaultInterval is the default time between two renders.
const DefaultInterval = 250 * time.Millisecond

// Source is the receive side of the notification channel.
// *notify.Channel implements it.
type Source interface {
	Events() <-chan model.Event
	Detach()
}

// Renderer draws the state.
type Renderer interface {
	// Render draws an intermediate state. It is called on every tick.
	Render(s *State) error

	// Finish draws the final state once the loop ends.
	Finish(s *State) error
}

// Loop applies events to its State and renders it periodically.
type Loop struct {
	src      Source
	renderer Renderer
	interval time.Duration
	logger   *slog.Logger
	state    State
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithInterval sets the render interval. Non-positive values are ignored.
func WithInterval(d time.Duration) LoopOption {
	return func(l *Loop) {
		if d > 0 {
			l.interval = d
		}
	}
}

// WithLogger sets the logger for render errors.
func WithLogger(logger *slog.Logger) LoopOption {
	return func(l *Loop) {
		l.logger = logger
	}
}

// NewLoop creates a loop reading from src and drawing with renderer.
func NewLoop(src Source, renderer Renderer, opts ...LoopOption) *Loop {
	l := &Loop{
		src:      src,
		renderer: renderer,
		interval: DefaultInterval,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run consumes events until the channel is closed or ctx ends, rendering on
// every tick. It detaches from the source before returning so a producer
// still publishing fails instead of blocking, then draws the final state.
// The returned error is the context error when ctx ended first.
func (l *Loop) Run(ctx context.Context) (*State, error) {
	defer l.src.Detach()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	events := l.src.Events()
	for {
		select {
		case <-ctx.Done():
			l.finish()
			return &l.state, ctx.Err()
		case <-ticker.C:
			if err := l.renderer.Render(&l.state); err != nil {
				l.logger.Debug("render failed", "error", err)
			}
		case ev, ok := <-events:
			if !ok {
				l.state.Done = true
				l.finish()
				return &l.state, nil
			}
			l.state.Apply(ev)
		}
	}
}

func (l *Loop) finish() {
	if err := l.renderer.Finish(&l.state); err != nil {
		l.logger.Debug("final render failed", "error", err)
	}
}
