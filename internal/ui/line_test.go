package ui

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/nao1215/onionfetch/internal/model"
)

func TestStatusLine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		state State
		want  string
	}{
		{name: "initial", state: State{}, want: "[starting]"},
		{name: "stage only", state: State{Stage: model.StageConnecting}, want: "[connecting]"},
		{
			name:  "status",
			state: State{Stage: model.StageFetching, StatusCode: 200},
			want:  "[fetching] status=200",
		},
		{
			name:  "body truncated",
			state: State{Stage: model.StageDone, StatusCode: 200, Body: []byte("abc"), Truncated: true},
			want:  "[done] status=200 body=3B (truncated)",
		},
		{
			name: "hops",
			state: State{Stage: model.StageInspecting, HopRecords: []model.RelayGeoRecord{
				{IPAddress: "203.0.113.1", City: "Berlin", Country: "Germany"},
				model.SentinelRecord,
			}},
			want: "[inspecting] hops=1/2 located",
		},
		{
			name:  "failure",
			state: State{Stage: model.StageUpgrading, Failure: &model.Failure{Kind: model.KindTLSHandshake}},
			want:  "[upgrading] failed=TlsHandshakeError",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := statusLine(&tt.state); got != tt.want {
				t.Errorf("statusLine() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLineRenderer(t *testing.T) {
	t.Parallel()

	t.Run("plain output prints only changes", func(t *testing.T) {
		t.Parallel()

		var out bytes.Buffer
		r := NewLineRenderer(&out)
		if r.live {
			t.Fatal("a buffer is not a terminal")
		}

		s := &State{Stage: model.StageConnecting}
		for range 3 {
			if err := r.Render(s); err != nil {
				t.Fatal(err)
			}
		}
		s.Stage = model.StageFetching
		if err := r.Render(s); err != nil {
			t.Fatal(err)
		}

		want := "[connecting]\n[fetching]\n"
		if out.String() != want {
			t.Errorf("output = %q, want %q", out.String(), want)
		}
	})

	t.Run("live output redraws in place", func(t *testing.T) {
		t.Parallel()

		var out bytes.Buffer
		r := NewLineRenderer(&out, WithLive(true))
		s := &State{Stage: model.StageBootstrapping}
		_ = r.Render(s)
		_ = r.Render(s)
		_ = r.Finish(s)

		got := out.String()
		if strings.Count(got, "\r\033[K") != 3 {
			t.Errorf("expected 3 redraws, got %q", got)
		}
		if !strings.HasSuffix(got, "[bootstrapping]\n") {
			t.Errorf("final line missing, got %q", got)
		}
	})

	t.Run("finish prints error and hops", func(t *testing.T) {
		t.Parallel()

		var out bytes.Buffer
		r := NewLineRenderer(&out, WithLive(false), WithHops(true))
		s := &State{
			Stage: model.StageFetching,
			HopRecords: []model.RelayGeoRecord{
				{IPAddress: "203.0.113.1", City: "Berlin", Country: "Germany"},
				model.SentinelRecord,
			},
			Failure: &model.Failure{Kind: model.KindFetch, Err: errors.New("connection reset")},
			Done:    true,
		}
		if err := r.Finish(s); err != nil {
			t.Fatal(err)
		}

		got := out.String()
		for _, want := range []string{
			"failed=FetchError",
			"error: connection reset",
			"hop 1: 203.0.113.1 (Berlin, Germany)",
			"hop 2: unknown relay",
		} {
			if !strings.Contains(got, want) {
				t.Errorf("expected %q in %q", want, got)
			}
		}
	})
}
