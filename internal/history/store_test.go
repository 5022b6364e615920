package history

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nao1215/onionfetch/internal/model"
)

// setupTestStore creates a temporary database for testing.
func setupTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(t.TempDir(), DefaultOptions())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleReport(url string) *model.FetchReport {
	r := model.NewFetchReport(url)
	r.FetchedAt = time.Date(2026, 3, 4, 5, 6, 7, 890, time.UTC)
	r.StatusCode = 200
	r.BodySize = 1234
	r.Truncated = true
	r.Title = "Hello"
	r.Hops = []model.RelayGeoRecord{
		{IPAddress: "203.0.113.1", City: "Berlin", Country: "Germany"},
		model.SentinelRecord,
		{IPAddress: "198.51.100.7", City: "Paris", Country: "France"},
	}
	return r
}

func TestOpen(t *testing.T) {
	t.Parallel()

	t.Run("creates database in new directory", func(t *testing.T) {
		t.Parallel()

		dir := filepath.Join(t.TempDir(), "newdir", "subdir")
		s, err := Open(dir, DefaultOptions())
		if err != nil {
			t.Fatalf("failed to open database: %v", err)
		}
		defer s.Close()

		if _, err := os.Stat(filepath.Join(dir, FileName)); err != nil {
			t.Errorf("database file was not created: %v", err)
		}
		if s.Path() != filepath.Join(dir, FileName) {
			t.Errorf("Path() = %q", s.Path())
		}
	})

	t.Run("missing database without create", func(t *testing.T) {
		t.Parallel()

		_, err := Open(t.TempDir(), Options{CreateIfNotExists: false})
		if !errors.Is(err, ErrNoDatabase) {
			t.Errorf("expected ErrNoDatabase, got %v", err)
		}
	})

	t.Run("reopens existing database", func(t *testing.T) {
		t.Parallel()

		dir := t.TempDir()
		s, err := Open(dir, DefaultOptions())
		if err != nil {
			t.Fatal(err)
		}
		if _, err := s.Record(context.Background(), sampleReport("http://example.com/")); err != nil {
			t.Fatal(err)
		}
		_ = s.Close()

		s2, err := Open(dir, Options{CreateIfNotExists: false, EnableWAL: true})
		if err != nil {
			t.Fatalf("failed to reopen: %v", err)
		}
		defer s2.Close()

		reports, err := s2.Recent(context.Background(), 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(reports) != 1 {
			t.Errorf("expected 1 report, got %d", len(reports))
		}
	})
}

func TestRecordAndGet(t *testing.T) {
	t.Parallel()

	s := setupTestStore(t)
	ctx := context.Background()

	in := sampleReport("http://example.com/")
	id, err := s.Record(ctx, in)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if id == 0 || in.ID != id {
		t.Errorf("id = %d, report id = %d", id, in.ID)
	}

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.URL != in.URL || got.StatusCode != 200 || got.BodySize != 1234 || !got.Truncated || got.Title != "Hello" {
		t.Errorf("unexpected report %+v", got)
	}
	if !got.FetchedAt.Equal(in.FetchedAt) {
		t.Errorf("FetchedAt = %v, want %v", got.FetchedAt, in.FetchedAt)
	}
	if len(got.Hops) != 3 {
		t.Fatalf("hops = %v", got.Hops)
	}
	for i := range in.Hops {
		if got.Hops[i] != in.Hops[i] {
			t.Errorf("hop %d = %v, want %v", i, got.Hops[i], in.Hops[i])
		}
	}

	if _, err := s.Get(ctx, id+100); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRecordFailure(t *testing.T) {
	t.Parallel()

	s := setupTestStore(t)
	ctx := context.Background()

	in := model.NewFetchReport("https://down.example/")
	in.ErrorKind = model.KindBootstrap
	in.ErrorMessage = "BootstrapError: no consensus"

	id, err := s.Record(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got.ErrorKind != model.KindBootstrap || !got.Failed() || len(got.Hops) != 0 {
		t.Errorf("unexpected report %+v", got)
	}
}

func TestRecentAndByURL(t *testing.T) {
	t.Parallel()

	s := setupTestStore(t)
	ctx := context.Background()

	urls := []string{"http://a.example/", "http://b.example/", "http://a.example/"}
	for _, u := range urls {
		if _, err := s.Record(ctx, sampleReport(u)); err != nil {
			t.Fatal(err)
		}
	}

	recent, err := s.Recent(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 reports, got %d", len(recent))
	}
	if recent[0].ID <= recent[1].ID {
		t.Error("expected newest first")
	}

	all, err := s.Recent(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 reports, got %d", len(all))
	}

	byURL, err := s.ByURL(ctx, "http://a.example/", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(byURL) != 2 {
		t.Errorf("expected 2 reports for a.example, got %d", len(byURL))
	}
	for _, r := range byURL {
		if len(r.Hops) != 3 {
			t.Errorf("report %d has %d hops", r.ID, len(r.Hops))
		}
	}
}

func TestPrune(t *testing.T) {
	t.Parallel()

	s := setupTestStore(t)
	ctx := context.Background()

	var last int64
	for range 5 {
		id, err := s.Record(ctx, sampleReport("http://example.com/"))
		if err != nil {
			t.Fatal(err)
		}
		last = id
	}

	removed, err := s.Prune(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 3 {
		t.Errorf("removed = %d, want 3", removed)
	}

	left, err := s.Recent(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 2 || left[0].ID != last {
		t.Errorf("unexpected remaining reports %v", left)
	}

	var orphans int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM hops WHERE fetch_id NOT IN (SELECT id FROM fetches)").Scan(&orphans); err != nil {
		t.Fatal(err)
	}
	if orphans != 0 {
		t.Errorf("expected hops to be deleted with their fetch, %d left", orphans)
	}
}

func TestParseTimestamp(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		zero  bool
	}{
		{name: "stored layout", input: "2026-03-04T05:06:07.000000890Z"},
		{name: "rfc3339", input: "2026-03-04T05:06:07Z"},
		{name: "sqlite default", input: "2026-03-04 05:06:07"},
		{name: "garbage", input: "yesterday", zero: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := parseTimestamp(tt.input)
			if got.IsZero() != tt.zero {
				t.Errorf("parseTimestamp(%q) = %v", tt.input, got)
			}
		})
	}
}
