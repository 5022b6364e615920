package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/nao1215/onionfetch/internal/model"
)

// spinner frames for the live status line.
var spinner = []string{"|", "/", "-", "\\"}

// LineRenderer draws the state as a single status line.
//
// On a terminal the line is redrawn in place on every tick. Otherwise a line
// is printed only when its content changes, so logs stay readable.
type LineRenderer struct {
	out      io.Writer
	live     bool
	showHops bool
	frame    int
	last     string
}

// LineOption configures a LineRenderer.
type LineOption func(*LineRenderer)

// WithLive forces live (in-place) or plain output.
func WithLive(live bool) LineOption {
	return func(r *LineRenderer) {
		r.live = live
	}
}

// WithHops prints the hop list when the run finishes.
func WithHops(show bool) LineOption {
	return func(r *LineRenderer) {
		r.showHops = show
	}
}

// NewLineRenderer creates a renderer writing to out. Live output is enabled
// when out is a terminal.
func NewLineRenderer(out io.Writer, opts ...LineOption) *LineRenderer {
	r := &LineRenderer{
		out:  out,
		live: isTerminal(out),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Render implements Renderer.
func (r *LineRenderer) Render(s *State) error {
	line := statusLine(s)
	if r.live {
		r.frame = (r.frame + 1) % len(spinner)
		_, err := fmt.Fprintf(r.out, "\r\033[K%s %s", spinner[r.frame], line)
		return err
	}
	if line == r.last {
		return nil
	}
	r.last = line
	_, err := fmt.Fprintln(r.out, line)
	return err
}

// Finish implements Renderer.
func (r *LineRenderer) Finish(s *State) error {
	line := statusLine(s)
	var err error
	if r.live {
		_, err = fmt.Fprintf(r.out, "\r\033[K%s\n", line)
	} else if line != r.last {
		r.last = line
		_, err = fmt.Fprintln(r.out, line)
	}
	if err != nil {
		return err
	}

	if s.Failure != nil {
		if _, err := fmt.Fprintf(r.out, "error: %s\n", s.Failure.Error()); err != nil {
			return err
		}
	}
	if r.showHops {
		for i, rec := range s.HopRecords {
			if _, err := fmt.Fprintf(r.out, "  hop %d: %s\n", i+1, hopText(rec)); err != nil {
				return err
			}
		}
	}
	return nil
}

// statusLine summarizes the state in one line.
func statusLine(s *State) string {
	var sb strings.Builder

	stage := s.Stage
	if stage == "" {
		stage = "starting"
	}
	fmt.Fprintf(&sb, "[%s]", stage)

	if s.StatusCode != 0 {
		fmt.Fprintf(&sb, " status=%d", s.StatusCode)
	}
	if s.Body != nil {
		fmt.Fprintf(&sb, " body=%dB", len(s.Body))
		if s.Truncated {
			sb.WriteString(" (truncated)")
		}
	}
	if s.HopRecords != nil {
		fmt.Fprintf(&sb, " hops=%d/%d located", s.LocatedHops(), len(s.HopRecords))
	}
	if s.Failure != nil {
		fmt.Fprintf(&sb, " failed=%s", s.Failure.Kind)
	}
	return sb.String()
}

func hopText(rec model.RelayGeoRecord) string {
	if rec.IsSentinel() {
		return "unknown relay"
	}
	return fmt.Sprintf("%s (%s, %s)", rec.IPAddress, rec.City, rec.Country)
}
