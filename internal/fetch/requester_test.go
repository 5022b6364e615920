package fetch

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/nao1215/onionfetch/internal/model"
)

// sequenceClock returns the given offsets from the time it was created, one
// per call. After the sequence is exhausted it keeps returning the last value.
func sequenceClock(offsets ...time.Duration) func() time.Time {
	origin := time.Now()
	var mu sync.Mutex
	i := 0
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		if i >= len(offsets) {
			return origin.Add(offsets[len(offsets)-1])
		}
		t := origin.Add(offsets[i])
		i++
		return t
	}
}

// pipeServer runs serve on the server end of a net.Pipe after reading the
// request, and returns the client end plus a channel yielding the request.
func pipeServer(t *testing.T, serve func(conn net.Conn)) (net.Conn, <-chan *http.Request) {
	t.Helper()

	client, server := net.Pipe()
	reqs := make(chan *http.Request, 1)

	go func() {
		defer server.Close()
		req, err := http.ReadRequest(bufio.NewReader(server))
		if err != nil {
			close(reqs)
			return
		}
		reqs <- req
		serve(server)
	}()

	t.Cleanup(func() { _ = client.Close() })
	return client, reqs
}

// writeAll writes each part as one separate write, stopping on error.
func writeAll(conn net.Conn, parts ...string) {
	for _, p := range parts {
		if _, err := conn.Write([]byte(p)); err != nil {
			return
		}
	}
}

const streamHeader = "HTTP/1.1 200 OK\r\nConnection: close\r\n\r\n"

// TestFetchRequestWireFormat tests that exactly one bare GET is sent.
func TestFetchRequestWireFormat(t *testing.T) {
	t.Parallel()

	conn, reqs := pipeServer(t, func(c net.Conn) {
		writeAll(c, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
	})

	snap, err := NewRequester().Fetch(context.Background(), conn, "example.onion", "/index.html")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	req := <-reqs
	if req.Method != http.MethodGet {
		t.Errorf("Method = %q, expected GET", req.Method)
	}
	if req.Host != "example.onion" {
		t.Errorf("Host = %q, expected %q", req.Host, "example.onion")
	}
	if req.URL.Path != "/index.html" {
		t.Errorf("Path = %q, expected %q", req.URL.Path, "/index.html")
	}
	if req.Proto != "HTTP/1.1" {
		t.Errorf("Proto = %q, expected HTTP/1.1", req.Proto)
	}
	if len(req.Header) != 0 {
		t.Errorf("expected no headers besides Host, got %v", req.Header)
	}
	if req.ContentLength != 0 {
		t.Errorf("expected empty body, got length %d", req.ContentLength)
	}

	if snap.StatusCode != http.StatusOK || string(snap.Body) != "ok" || snap.Truncated {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
}

// TestFetchBodyDeadline tests that accumulation halts once the deadline has
// elapsed since the first frame.
func TestFetchBodyDeadline(t *testing.T) {
	t.Parallel()

	t.Run("frame reaching the deadline is the last one kept", func(t *testing.T) {
		t.Parallel()

		conn, _ := pipeServer(t, func(c net.Conn) {
			writeAll(c, streamHeader, "one,", "two,", "three,", "four")
		})

		r := NewRequester(WithClock(sequenceClock(0, 5*time.Second, 10*time.Second, 15*time.Second)))
		snap, err := r.Fetch(context.Background(), conn, "example.onion", "/")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if string(snap.Body) != "one,two,three," {
			t.Errorf("Body = %q, expected %q", snap.Body, "one,two,three,")
		}
		if !snap.Truncated {
			t.Error("expected Truncated to be true")
		}
	})

	t.Run("stream ending before the deadline is complete", func(t *testing.T) {
		t.Parallel()

		conn, _ := pipeServer(t, func(c net.Conn) {
			writeAll(c, streamHeader, "a", "b", "c")
		})

		r := NewRequester(WithClock(sequenceClock(0, 3*time.Second, 9*time.Second)))
		snap, err := r.Fetch(context.Background(), conn, "example.onion", "/")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if string(snap.Body) != "abc" {
			t.Errorf("Body = %q, expected %q", snap.Body, "abc")
		}
		if snap.Truncated {
			t.Error("expected Truncated to be false")
		}
	})

	t.Run("deadline firing while waiting for a frame truncates", func(t *testing.T) {
		t.Parallel()

		hold := make(chan struct{})
		conn, _ := pipeServer(t, func(c net.Conn) {
			writeAll(c, streamHeader, "first")
			<-hold
		})
		defer close(hold)

		r := NewRequester(WithBodyDeadline(100 * time.Millisecond))
		snap, err := r.Fetch(context.Background(), conn, "example.onion", "/")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if string(snap.Body) != "first" {
			t.Errorf("Body = %q, expected %q", snap.Body, "first")
		}
		if !snap.Truncated {
			t.Error("expected Truncated to be true")
		}
	})

	t.Run("read deadline follows the injected clock", func(t *testing.T) {
		t.Parallel()

		hold := make(chan struct{})
		conn, _ := pipeServer(t, func(c net.Conn) {
			writeAll(c, streamHeader, "first")
			<-hold
		})
		defer close(hold)

		// The clock lags wall time so that only 100ms of the 10s deadline
		// remain once the first frame arrives.
		lagging := func() time.Time { return time.Now().Add(-DefaultBodyDeadline + 100*time.Millisecond) }
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		snap, err := NewRequester(WithClock(lagging)).Fetch(ctx, conn, "example.onion", "/")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if string(snap.Body) != "first" || !snap.Truncated {
			t.Errorf("snapshot = %q truncated=%v, expected %q truncated", snap.Body, snap.Truncated, "first")
		}
	})
}

// TestFetchBodyHook tests that each frame is reported while the stream is
// still open.
func TestFetchBodyHook(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	conn, _ := pipeServer(t, func(c net.Conn) {
		writeAll(c, streamHeader, "one,")
		<-release
		writeAll(c, "two")
	})

	var frames []string
	hook := func(frame []byte) {
		frames = append(frames, string(frame))
		if len(frames) == 1 {
			// The server only finishes after the first frame was seen.
			close(release)
		}
	}

	snap, err := NewRequester(WithBodyHook(hook)).Fetch(context.Background(), conn, "example.onion", "/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(frames) != 2 || frames[0] != "one," || frames[1] != "two" {
		t.Errorf("frames = %q, expected [one, two]", frames)
	}
	if string(snap.Body) != "one,two" {
		t.Errorf("Body = %q, expected %q", snap.Body, "one,two")
	}
}

// TestFetchStatus tests status recording.
func TestFetchStatus(t *testing.T) {
	t.Parallel()

	t.Run("status is recorded without body frames", func(t *testing.T) {
		t.Parallel()

		conn, _ := pipeServer(t, func(c net.Conn) {
			writeAll(c, "HTTP/1.1 204 No Content\r\n\r\n")
		})

		snap, err := NewRequester().Fetch(context.Background(), conn, "example.onion", "/")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if snap.StatusCode != http.StatusNoContent {
			t.Errorf("StatusCode = %d, expected 204", snap.StatusCode)
		}
		if len(snap.Body) != 0 {
			t.Errorf("expected empty body, got %q", snap.Body)
		}
	})

	t.Run("status hook fires before the body is read", func(t *testing.T) {
		t.Parallel()

		statusSeen := make(chan int, 1)
		conn, _ := pipeServer(t, func(c net.Conn) {
			writeAll(c, streamHeader)
			select {
			case <-statusSeen:
			case <-time.After(5 * time.Second):
				return
			}
			writeAll(c, "body")
		})

		var hooked int
		r := NewRequester(WithStatusHook(func(code int) {
			hooked = code
			statusSeen <- code
		}))

		snap, err := r.Fetch(context.Background(), conn, "example.onion", "/")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if hooked != http.StatusOK {
			t.Errorf("hook saw %d, expected 200", hooked)
		}
		if string(snap.Body) != "body" {
			t.Errorf("Body = %q, expected %q", snap.Body, "body")
		}
	})
}

// TestFetchErrors tests failures before the deadline.
func TestFetchErrors(t *testing.T) {
	t.Parallel()

	t.Run("connection closed before headers", func(t *testing.T) {
		t.Parallel()

		conn, _ := pipeServer(t, func(_ net.Conn) {})

		_, err := NewRequester().Fetch(context.Background(), conn, "example.onion", "/")
		if !errors.Is(err, ErrFetch) {
			t.Errorf("expected ErrFetch, got %v", err)
		}
		if model.KindOf(err) != model.KindFetch {
			t.Errorf("KindOf() = %q, expected %q", model.KindOf(err), model.KindFetch)
		}
	})

	t.Run("malformed status line", func(t *testing.T) {
		t.Parallel()

		conn, _ := pipeServer(t, func(c net.Conn) {
			writeAll(c, "SSH-2.0-OpenSSH_9.0\r\n\r\n")
		})

		_, err := NewRequester().Fetch(context.Background(), conn, "example.onion", "/")
		if model.KindOf(err) != model.KindFetch {
			t.Errorf("expected fetch error, got %v", err)
		}
	})

	t.Run("cancellation while waiting for headers", func(t *testing.T) {
		t.Parallel()

		hold := make(chan struct{})
		conn, _ := pipeServer(t, func(_ net.Conn) { <-hold })
		defer close(hold)

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		_, err := NewRequester().Fetch(ctx, conn, "example.onion", "/")
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected context.DeadlineExceeded, got %v", err)
		}
	})
}
