package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/nao1215/onionfetch/internal/fetch"
	"github.com/nao1215/onionfetch/internal/model"
	"github.com/nao1215/onionfetch/internal/report"
)

// failureGrace bounds how long a Failure event may wait for buffer space
// once the run context is already gone.
const failureGrace = 2 * time.Second

// Runner executes one supervised fetch run.
type Runner struct {
	boot          Bootstrapper
	inspector     Inspector
	upgrader      Upgrader
	requesterOpts []fetch.RequesterOption
	newFetcher    func(hooks fetchHooks) Fetcher
	logger        *slog.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithUpgrader replaces the default TLS upgrader.
func WithUpgrader(u Upgrader) RunnerOption {
	return func(r *Runner) {
		r.upgrader = u
	}
}

// WithRequesterOptions sets the options of the requester created for each run.
// The status and body hooks are always installed by the runner.
func WithRequesterOptions(opts ...fetch.RequesterOption) RunnerOption {
	return func(r *Runner) {
		r.requesterOpts = append(r.requesterOpts, opts...)
	}
}

// WithRunnerLogger sets the logger used by the runner and its pipeline.
func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = logger
	}
}

// withFetcher replaces the requester factory. Used by tests.
func withFetcher(fn func(hooks fetchHooks) Fetcher) RunnerOption {
	return func(r *Runner) {
		r.newFetcher = fn
	}
}

// NewRunner creates a runner that bootstraps with boot and enriches the
// circuit with inspector.
func NewRunner(boot Bootstrapper, inspector Inspector, opts ...RunnerOption) *Runner {
	r := &Runner{
		boot:      boot,
		inspector: inspector,
		upgrader:  fetch.NewUpgrader(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.newFetcher == nil {
		r.newFetcher = r.defaultFetcher
	}
	return r
}

func (r *Runner) defaultFetcher(hooks fetchHooks) Fetcher {
	opts := make([]fetch.RequesterOption, 0, len(r.requesterOpts)+3)
	opts = append(opts, fetch.WithRequesterLogger(r.logger))
	opts = append(opts, r.requesterOpts...)
	opts = append(opts, fetch.WithStatusHook(hooks.onStatus), fetch.WithBodyHook(hooks.onFrame))
	return fetch.NewRequester(opts...)
}

// Run performs bootstrap, connect, and the concurrent inspect and fetch for
// ep, publishing progress and results on sink. Any fatal error is published
// as a Failure event and returned. The sink is closed and the circuit client
// shut down before Run returns. The report is returned in every case.
func (r *Runner) Run(ctx context.Context, ep model.Endpoint, sink Sink) (*model.FetchReport, error) {
	defer sink.Close()

	sess := NewSession(ep)
	p := New(WithLogger(r.logger))
	p.AddSteps(
		&bootstrapStep{boot: r.boot, sink: sink},
		&connectStep{sink: sink},
		&exchangeStep{
			sink:       sink,
			inspector:  r.inspector,
			upgrader:   r.upgrader,
			newFetcher: r.newFetcher,
		},
	)

	err := p.Execute(ctx, sess)
	r.release(sess)

	sess.Report.Title = report.PageTitle(sess.Report.Body)

	if err != nil {
		kind := model.KindOf(err)
		sess.Report.ErrorKind = kind
		sess.Report.ErrorMessage = err.Error()
		r.logger.Debug("run failed", "target", ep.Host, "kind", kind.String(), "error", err)
		r.publishFailure(ctx, sink, model.Failure{Kind: kind, Err: err})
		return sess.Report, err
	}

	if err := sink.Publish(ctx, model.Progress{Stage: model.StageDone}); err != nil {
		r.logger.Debug("failed to publish completion", "error", err)
	}
	return sess.Report, nil
}

// release closes whatever the session still owns.
func (r *Runner) release(sess *Session) {
	if sess.conn != nil {
		_ = sess.conn.Close()
		sess.conn = nil
	}
	if sess.client != nil {
		if err := sess.client.Close(); err != nil {
			r.logger.Warn("failed to shut down circuit client", "error", err)
		}
		sess.client = nil
	}
}

// publishFailure delivers f even when ctx already ended, waiting at most
// failureGrace for the receiver.
func (r *Runner) publishFailure(ctx context.Context, sink Sink, f model.Failure) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureGrace)
	defer cancel()
	if err := sink.Publish(ctx, f); err != nil {
		r.logger.Debug("failed to publish failure", "error", err)
	}
}
