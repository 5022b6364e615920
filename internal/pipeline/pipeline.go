package pipeline

import (
	"context"
	"log/slog"
	"net"

	"github.com/nao1215/onionfetch/internal/model"
)

// Step is one stage of a run. Steps are executed in sequence, each one
// reading what the previous steps left in the Session.
type Step interface {
	// Do executes the step. A returned error ends the run.
	Do(ctx context.Context, sess *Session) error

	// Name returns the step's name for logging purposes.
	Name() string
}

// Session is the state carried from step to step during one run.
type Session struct {
	// Endpoint is the destination of the run.
	Endpoint model.Endpoint

	// Report accumulates the result of the run.
	Report *model.FetchReport

	// Completed lists the names of the steps that finished without error.
	Completed []string

	client Connector
	conn   net.Conn
	hops   []model.HopDescriptor
}

// NewSession creates a session for ep with an empty report.
func NewSession(ep model.Endpoint) *Session {
	return &Session{
		Endpoint:  ep,
		Report:    model.NewFetchReport(ep.URL()),
		Completed: make([]string, 0),
	}
}

// Pipeline orchestrates the execution of multiple steps.
type Pipeline struct {
	steps  []Step
	logger *slog.Logger
}

// Option is a function that configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets a custom logger for the pipeline.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// New creates a new Pipeline with the given options.
func New(opts ...Option) *Pipeline {
	p := &Pipeline{
		steps: make([]Step, 0),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// AddStep appends a step to the pipeline.
func (p *Pipeline) AddStep(step Step) {
	p.steps = append(p.steps, step)
}

// AddSteps appends multiple steps to the pipeline.
func (p *Pipeline) AddSteps(steps ...Step) {
	p.steps = append(p.steps, steps...)
}

// Execute runs the steps in order and stops at the first error.
// Cancellation is checked before each step; steps handle it while running.
func (p *Pipeline) Execute(ctx context.Context, sess *Session) error {
	for _, step := range p.steps {
		select {
		case <-ctx.Done():
			p.logger.Warn("run cancelled",
				"step", step.Name(),
				"reason", ctx.Err(),
			)
			return ctx.Err()
		default:
		}

		p.logger.Debug("executing step",
			"step", step.Name(),
			"target", sess.Endpoint.Host,
		)

		if err := step.Do(ctx, sess); err != nil {
			p.logger.Debug("step failed",
				"step", step.Name(),
				"target", sess.Endpoint.Host,
				"error", err,
			)
			return err
		}

		sess.Completed = append(sess.Completed, step.Name())
	}
	return nil
}

// StepCount returns the number of steps in the pipeline.
func (p *Pipeline) StepCount() int {
	return len(p.steps)
}

// StepNames returns the names of all steps in execution order.
func (p *Pipeline) StepNames() []string {
	names := make([]string, len(p.steps))
	for i, step := range p.steps {
		names[i] = step.Name()
	}
	return names
}
