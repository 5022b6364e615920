package fetch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/nao1215/onionfetch/internal/model"
)

// DefaultBodyDeadline is how long body frames are consumed after the first one.
const DefaultBodyDeadline = 10 * time.Second

// frameSize is the read size for one body frame.
const frameSize = 16 * 1024

// ErrFetch is wrapped by every fetch failure.
var ErrFetch = errors.New("fetch failed")

// Requester issues one HTTP/1.1 GET over a tunnel connection.
type Requester struct {
	deadline time.Duration
	now      func() time.Time
	onStatus func(statusCode int)
	onFrame  func(frame []byte)
	logger   *slog.Logger
}

// RequesterOption configures a Requester.
type RequesterOption func(*Requester)

// WithBodyDeadline sets how long body frames are read after the first frame.
func WithBodyDeadline(d time.Duration) RequesterOption {
	return func(r *Requester) {
		if d > 0 {
			r.deadline = d
		}
	}
}

// WithClock replaces time.Now for measuring the body deadline. The clock is
// read exactly once per received body frame, and the read deadline of the
// tunnel is placed on the same clock, so it must track wall time.
func WithClock(now func() time.Time) RequesterOption {
	return func(r *Requester) {
		if now != nil {
			r.now = now
		}
	}
}

// WithStatusHook registers a function called with the status code as soon as
// response headers arrive, before any body frame is read.
func WithStatusHook(fn func(statusCode int)) RequesterOption {
	return func(r *Requester) {
		r.onStatus = fn
	}
}

// WithBodyHook registers a function called with each body frame as it is
// read, before the next read starts. The frame aliases the snapshot body and
// must not be modified.
func WithBodyHook(fn func(frame []byte)) RequesterOption {
	return func(r *Requester) {
		r.onFrame = fn
	}
}

// WithRequesterLogger sets a custom logger.
func WithRequesterLogger(logger *slog.Logger) RequesterOption {
	return func(r *Requester) {
		r.logger = logger
	}
}

// NewRequester creates a Requester with the default 10 second body deadline.
func NewRequester(opts ...RequesterOption) *Requester {
	r := &Requester{
		deadline: DefaultBodyDeadline,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Fetch sends "GET path" with only a Host header over conn and accumulates the
// response. It takes ownership of conn and closes it before returning.
//
// The returned snapshot always has StatusCode set. Body holds every frame read
// before the stream ended or before the body deadline fired, in which case
// Truncated is true. Errors before the deadline are classified as fetch errors.
func (r *Requester) Fetch(ctx context.Context, conn net.Conn, host, path string) (*model.HTTPResponseSnapshot, error) {
	defer conn.Close()

	if path == "" {
		path = "/"
	}

	// Cancelling ctx unblocks any pending read or write on the tunnel.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	req, err := newBareRequest(ctx, host, path)
	if err != nil {
		return nil, fetchError(err)
	}

	// The driver writes the request while this goroutine reads the response,
	// so a server answering early is still serviced.
	writeErr := make(chan error, 1)
	go func() {
		bw := bufio.NewWriter(conn)
		if err := req.Write(bw); err != nil {
			writeErr <- err
			return
		}
		writeErr <- bw.Flush()
	}()

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		// A failed write explains a failed read better than the read error.
		select {
		case werr := <-writeErr:
			if werr != nil {
				return nil, fetchError(fmt.Errorf("failed to send request: %w", werr))
			}
		default:
		}
		if ctx.Err() != nil {
			return nil, fetchError(ctx.Err())
		}
		return nil, fetchError(fmt.Errorf("failed to read response headers: %w", err))
	}
	// Closing the tunnel first keeps Body.Close from draining a stream that
	// the deadline deliberately abandoned.
	defer func() {
		_ = conn.Close()
		_ = resp.Body.Close()
	}()

	snap := &model.HTTPResponseSnapshot{StatusCode: resp.StatusCode}
	if r.onStatus != nil {
		r.onStatus(resp.StatusCode)
	}
	r.logger.Debug("response headers received", "host", host, "status", resp.StatusCode)

	if err := r.readBody(ctx, conn, resp.Body, snap); err != nil {
		return nil, fetchError(err)
	}

	r.logger.Debug("response body read",
		"host", host,
		"bytes", len(snap.Body),
		"truncated", snap.Truncated,
	)
	return snap, nil
}

// readBody appends frames to snap until EOF or until the body deadline
// measured from the first frame has elapsed.
func (r *Requester) readBody(ctx context.Context, conn net.Conn, body io.Reader, snap *model.HTTPResponseSnapshot) error {
	buf := make([]byte, frameSize)

	var first time.Time
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := body.Read(buf)
		if n > 0 {
			now := r.now()
			if first.IsZero() {
				first = now
				// Later reads give up when the deadline elapses.
				_ = conn.SetReadDeadline(first.Add(r.deadline))
			}
			start := len(snap.Body)
			snap.Body = append(snap.Body, buf[:n]...)
			if r.onFrame != nil {
				r.onFrame(snap.Body[start:len(snap.Body):len(snap.Body)])
			}

			if now.Sub(first) >= r.deadline {
				snap.Truncated = true
				return nil
			}
		}

		switch {
		case err == nil:
			continue
		case errors.Is(err, io.EOF):
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case !first.IsZero() && errors.Is(err, os.ErrDeadlineExceeded):
			// The deadline fired while waiting for the next frame.
			snap.Truncated = true
			return nil
		default:
			return fmt.Errorf("failed to read response body: %w", err)
		}
	}
}

// newBareRequest builds a GET whose wire form carries no header but Host.
func newBareRequest(ctx context.Context, host, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+host+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Host = host
	// A present-but-empty User-Agent suppresses Go's default one.
	req.Header["User-Agent"] = nil
	return req, nil
}

// fetchError classifies err as a fetch error.
func fetchError(err error) error {
	return model.NewKindError(model.KindFetch, fmt.Errorf("%w: %w", ErrFetch, err))
}
