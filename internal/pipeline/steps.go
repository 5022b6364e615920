package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"

	"golang.org/x/sync/errgroup"

	"github.com/nao1215/onionfetch/internal/inspect"
	"github.com/nao1215/onionfetch/internal/model"
)

// Connector opens tunnels through a bootstrapped circuit client.
// *tor.CircuitClient implements it.
type Connector interface {
	Connect(ctx context.Context, ep model.Endpoint) (net.Conn, []model.HopDescriptor, error)
	Close() error
}

// Bootstrapper produces a ready Connector. Implementations report failures
// as bootstrap or address-rejected errors.
type Bootstrapper interface {
	Bootstrap(ctx context.Context) (Connector, error)
}

// BootstrapFunc adapts a function to Bootstrapper.
type BootstrapFunc func(ctx context.Context) (Connector, error)

// Bootstrap calls f(ctx).
func (f BootstrapFunc) Bootstrap(ctx context.Context) (Connector, error) {
	return f(ctx)
}

// Inspector enriches a hop path and publishes it.
// *inspect.Inspector implements it.
type Inspector interface {
	Inspect(ctx context.Context, hops []model.HopDescriptor, pub inspect.Publisher) ([]model.RelayGeoRecord, error)
}

// Upgrader optionally layers TLS over a tunnel.
// *fetch.Upgrader implements it.
type Upgrader interface {
	MaybeWrap(ctx context.Context, conn net.Conn, host string, secure bool) (net.Conn, error)
}

// Fetcher performs the single HTTP exchange and closes conn.
// *fetch.Requester implements it.
type Fetcher interface {
	Fetch(ctx context.Context, conn net.Conn, host, path string) (*model.HTTPResponseSnapshot, error)
}

// Sink receives the events of a run. *notify.Channel implements it.
type Sink interface {
	inspect.Publisher
	Close()
}

// errMissingConnection is returned when a step runs without its prerequisite.
var errMissingConnection = errors.New("no tunnel to the destination")

// bootstrapStep starts the circuit client.
type bootstrapStep struct {
	boot Bootstrapper
	sink Sink
}

func (s *bootstrapStep) Name() string { return "bootstrap" }

func (s *bootstrapStep) Do(ctx context.Context, sess *Session) error {
	if err := s.sink.Publish(ctx, model.Progress{Stage: model.StageBootstrapping}); err != nil {
		return err
	}
	client, err := s.boot.Bootstrap(ctx)
	if err != nil {
		return err
	}
	sess.client = client
	return nil
}

// connectStep opens the one tunnel of the run.
type connectStep struct {
	sink Sink
}

func (s *connectStep) Name() string { return "connect" }

func (s *connectStep) Do(ctx context.Context, sess *Session) error {
	if sess.client == nil {
		return errMissingConnection
	}
	if err := s.sink.Publish(ctx, model.Progress{Stage: model.StageConnecting}); err != nil {
		return err
	}
	conn, hops, err := sess.client.Connect(ctx, sess.Endpoint)
	if err != nil {
		return err
	}
	sess.conn = conn
	sess.hops = hops
	return nil
}

// fetchHooks are the callbacks through which a Fetcher reports the response
// while it is still being read.
type fetchHooks struct {
	onStatus func(statusCode int)
	onFrame  func(frame []byte)
}

// exchangeStep inspects the circuit while the fetch runs over it.
type exchangeStep struct {
	sink       Sink
	inspector  Inspector
	upgrader   Upgrader
	newFetcher func(hooks fetchHooks) Fetcher
}

func (s *exchangeStep) Name() string { return "exchange" }

// Do runs inspect and fetch side by side. A failed fetch leaves the lookups
// running to completion so the circuit is still published; an inspect error,
// which can only be an undeliverable event or a cancelled run, stops the
// fetch.
func (s *exchangeStep) Do(ctx context.Context, sess *Session) error {
	if sess.conn == nil {
		return errMissingConnection
	}
	// The tunnel belongs to the fetch path from here on.
	conn := sess.conn
	sess.conn = nil

	fetchCtx, stopFetch := context.WithCancelCause(ctx)
	defer stopFetch(nil)

	var g errgroup.Group

	g.Go(func() error {
		err := s.inspect(ctx, sess)
		if err != nil {
			stopFetch(err)
		}
		return err
	})

	g.Go(func() error {
		snap, err := s.fetch(fetchCtx, conn, sess.Endpoint)
		if snap != nil {
			sess.Report.StatusCode = snap.StatusCode
			sess.Report.BodySize = snap.BodySize()
			sess.Report.Truncated = snap.Truncated
			sess.Report.Body = snap.Body
		}
		if err != nil && ctx.Err() == nil {
			if cause := context.Cause(fetchCtx); cause != nil {
				// Stopped by inspect; report why.
				return cause
			}
		}
		return err
	})

	return g.Wait()
}

func (s *exchangeStep) inspect(ctx context.Context, sess *Session) error {
	if err := s.sink.Publish(ctx, model.Progress{Stage: model.StageInspecting}); err != nil {
		return err
	}
	records, err := s.inspector.Inspect(ctx, sess.hops, s.sink)
	sess.Report.Hops = records
	return err
}

// fetch upgrades conn when needed, then performs the request and publishes
// the status, each body frame and the final snapshot.
func (s *exchangeStep) fetch(ctx context.Context, conn net.Conn, ep model.Endpoint) (*model.HTTPResponseSnapshot, error) {
	if err := s.sink.Publish(ctx, model.Progress{Stage: model.StageUpgrading}); err != nil {
		_ = conn.Close()
		return nil, err
	}
	conn, err := s.upgrader.MaybeWrap(ctx, conn, ep.Host, ep.Secure)
	if err != nil {
		return nil, err
	}

	if err := s.sink.Publish(ctx, model.Progress{Stage: model.StageFetching}); err != nil {
		_ = conn.Close()
		return nil, err
	}

	// An event that cannot be delivered aborts the body read.
	readCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	publish := func(ev model.Event) {
		if err := s.sink.Publish(readCtx, ev); err != nil {
			cancel(err)
		}
	}
	hooks := fetchHooks{
		onStatus: func(code int) { publish(model.StatusReceived{StatusCode: code}) },
		onFrame:  func(frame []byte) { publish(model.BodyReceived{Frame: frame}) },
	}

	snap, err := s.newFetcher(hooks).Fetch(readCtx, conn, ep.Host, ep.Path)
	if cause := context.Cause(readCtx); cause != nil && ctx.Err() == nil {
		return snap, cause
	}
	if err != nil {
		return nil, err
	}

	if err := s.sink.Publish(ctx, model.FetchCompleted{Snapshot: *snap}); err != nil {
		return snap, fmt.Errorf("failed to deliver fetch result: %w", err)
	}
	return snap, nil
}
