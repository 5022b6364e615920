package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/nao1215/onionfetch/internal/model"
)

// FileName is the name of the database file inside the history directory.
const FileName = "history.db"

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

var (
	// ErrNotFound is returned when no run matches the query.
	ErrNotFound = errors.New("fetch record not found")

	// ErrNoDatabase is returned by Open when the database must already exist.
	ErrNoDatabase = errors.New("history database not found")
)

// Store is the fetch history database.
type Store struct {
	db     *sql.DB
	dbPath string
}

// Options configures Store behavior.
type Options struct {
	// CreateIfNotExists creates the directory and database file if missing.
	CreateIfNotExists bool

	// EnableWAL enables Write-Ahead Logging.
	EnableWAL bool
}

// DefaultOptions returns the default database options.
func DefaultOptions() Options {
	return Options{
		CreateIfNotExists: true,
		EnableWAL:         true,
	}
}

// Open opens or creates the history database in dir.
func Open(dir string, opts Options) (*Store, error) {
	dbPath := filepath.Join(dir, FileName)

	if !opts.CreateIfNotExists {
		if _, err := os.Stat(dbPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("%w at %s", ErrNoDatabase, dbPath)
		} else if err != nil {
			return nil, fmt.Errorf("failed to check database path: %w", err)
		}
	} else if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	// mode=rw refuses to create a missing file, mode=rwc allows it.
	// Foreign keys are a per-connection setting, so they go in the DSN.
	mode := "rw"
	if opts.CreateIfNotExists {
		mode = "rwc"
	}
	dsn := dbPath + "?mode=" + mode + "&_pragma=foreign_keys(1)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db, dbPath: dbPath}

	ctx := context.Background()
	if opts.EnableWAL {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createTables(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS fetches (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		url TEXT NOT NULL,
		fetched_at TEXT NOT NULL,
		status_code INTEGER NOT NULL DEFAULT 0,
		body_size INTEGER NOT NULL DEFAULT 0,
		truncated INTEGER NOT NULL DEFAULT 0,
		title TEXT NOT NULL DEFAULT '',
		error_kind TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_fetches_url ON fetches(url);
	CREATE INDEX IF NOT EXISTS idx_fetches_fetched_at ON fetches(fetched_at);

	-- One row per relay record, in circuit order.
	CREATE TABLE IF NOT EXISTS hops (
		fetch_id INTEGER NOT NULL REFERENCES fetches(id) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		ip_address TEXT NOT NULL,
		city TEXT NOT NULL,
		country TEXT NOT NULL,
		PRIMARY KEY (fetch_id, position)
	);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Record stores report and its hops, sets report.ID and returns it.
func (s *Store) Record(ctx context.Context, report *model.FetchReport) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
	INSERT INTO fetches (url, fetched_at, status_code, body_size, truncated, title, error_kind, error_message)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		report.URL,
		report.FetchedAt.UTC().Format(timeLayout),
		report.StatusCode,
		report.BodySize,
		report.Truncated,
		report.Title,
		string(report.ErrorKind),
		report.ErrorMessage,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert fetch record: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read fetch record id: %w", err)
	}

	for i, hop := range report.Hops {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO hops (fetch_id, position, ip_address, city, country) VALUES (?, ?, ?, ?, ?)",
			id, i, hop.IPAddress, hop.City, hop.Country,
		); err != nil {
			return 0, fmt.Errorf("failed to insert hop %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit fetch record: %w", err)
	}
	report.ID = id
	return id, nil
}

// Get returns the run with the given id.
func (s *Store) Get(ctx context.Context, id int64) (*model.FetchReport, error) {
	reports, err := s.query(ctx, "WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(reports) == 0 {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return reports[0], nil
}

// Recent returns up to limit runs, newest first. A non-positive limit
// returns every run.
func (s *Store) Recent(ctx context.Context, limit int) ([]*model.FetchReport, error) {
	if limit <= 0 {
		return s.query(ctx, "ORDER BY id DESC")
	}
	return s.query(ctx, "ORDER BY id DESC LIMIT ?", limit)
}

// ByURL returns up to limit runs against url, newest first.
func (s *Store) ByURL(ctx context.Context, url string, limit int) ([]*model.FetchReport, error) {
	if limit <= 0 {
		return s.query(ctx, "WHERE url = ? ORDER BY id DESC", url)
	}
	return s.query(ctx, "WHERE url = ? ORDER BY id DESC LIMIT ?", url, limit)
}

// Prune deletes all but the newest keep runs and returns how many were removed.
func (s *Store) Prune(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	result, err := s.db.ExecContext(ctx, `
	DELETE FROM fetches WHERE id NOT IN (
		SELECT id FROM fetches ORDER BY id DESC LIMIT ?
	)`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}
	return result.RowsAffected()
}

// query loads fetch rows selected by clause, then their hops.
func (s *Store) query(ctx context.Context, clause string, args ...any) ([]*model.FetchReport, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, url, fetched_at, status_code, body_size, truncated, title, error_kind, error_message
	FROM fetches `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	reports := make([]*model.FetchReport, 0)
	for rows.Next() {
		var (
			r         model.FetchReport
			fetchedAt string
			kind      string
		)
		if err := rows.Scan(
			&r.ID,
			&r.URL,
			&fetchedAt,
			&r.StatusCode,
			&r.BodySize,
			&r.Truncated,
			&r.Title,
			&kind,
			&r.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("failed to scan fetch record: %w", err)
		}
		r.FetchedAt = parseTimestamp(fetchedAt)
		r.ErrorKind = model.ErrorKind(kind)
		reports = append(reports, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history: %w", err)
	}
	// The single connection must be free before loading hops.
	_ = rows.Close()

	for _, r := range reports {
		hops, err := s.hops(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		r.Hops = hops
	}
	return reports, nil
}

func (s *Store) hops(ctx context.Context, fetchID int64) ([]model.RelayGeoRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT ip_address, city, country FROM hops WHERE fetch_id = ? ORDER BY position", fetchID)
	if err != nil {
		return nil, fmt.Errorf("failed to query hops: %w", err)
	}
	defer rows.Close()

	hops := make([]model.RelayGeoRecord, 0)
	for rows.Next() {
		var h model.RelayGeoRecord
		if err := rows.Scan(&h.IPAddress, &h.City, &h.Country); err != nil {
			return nil, fmt.Errorf("failed to scan hop: %w", err)
		}
		hops = append(hops, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate hops: %w", err)
	}
	return hops, nil
}

// timestampFormats contains the timestamp formats that may be stored.
var timestampFormats = []string{
	timeLayout,
	time.RFC3339Nano,
	"2006-01-02 15:04:05", // SQLite default datetime format
}

// parseTimestamp tries each known format and returns the zero time when none
// matches.
func parseTimestamp(s string) time.Time {
	for _, format := range timestampFormats {
		if t, err := time.Parse(format, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
