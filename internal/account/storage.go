package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Supported database/sql driver names
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS account_status (
	account_name TEXT PRIMARY KEY,
	current_status TEXT NOT NULL,
	file_path TEXT NOT NULL DEFAULT '',
	used_quota INTEGER NOT NULL DEFAULT 0,
	is_activated BOOLEAN NOT NULL DEFAULT 0,
	activation_date TIMESTAMP NULL,
	last_updated TIMESTAMP NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS status_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	account_name TEXT NOT NULL,
	old_status TEXT,
	new_status TEXT NOT NULL,
	change_time TIMESTAMP NOT NULL,
	used_quota INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS activation_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	group_prefix TEXT NOT NULL,
	activated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_account_status_status ON account_status(current_status);
CREATE INDEX IF NOT EXISTS idx_status_history_account ON status_history(account_name);
CREATE INDEX IF NOT EXISTS idx_status_history_time ON status_history(change_time);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS account_status (
	account_name TEXT PRIMARY KEY,
	current_status TEXT NOT NULL,
	file_path TEXT NOT NULL DEFAULT '',
	used_quota BIGINT NOT NULL DEFAULT 0,
	is_activated BOOLEAN NOT NULL DEFAULT FALSE,
	activation_date TIMESTAMPTZ NULL,
	last_updated TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS status_history (
	id BIGSERIAL PRIMARY KEY,
	account_name TEXT NOT NULL,
	old_status TEXT,
	new_status TEXT NOT NULL,
	change_time TIMESTAMPTZ NOT NULL,
	used_quota BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS activation_log (
	id BIGSERIAL PRIMARY KEY,
	group_prefix TEXT NOT NULL,
	activated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_account_status_status ON account_status(current_status);
CREATE INDEX IF NOT EXISTS idx_status_history_account ON status_history(account_name);
CREATE INDEX IF NOT EXISTS idx_status_history_time ON status_history(change_time);
`

// Storage persists account status, status history and the activation log
type Storage struct {
	db     *sql.DB
	driver string
}

// NewStorage opens the status store. For sqlite3 the dsn is a file path.
func NewStorage(driver, dsn string) (*Storage, error) {
	switch driver {
	case DriverSQLite, "":
		driver = DriverSQLite
		// Ensure directory exists
		if dir := filepath.Dir(dsn); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, err
			}
		}
		dsn = dsn + "?_busy_timeout=5000"
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		// One writer at a time; transactions serialize on this connection
		db.SetMaxOpenConns(1)
	}

	s := &Storage{db: db, driver: driver}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// migrate creates necessary tables
func (s *Storage) migrate() error {
	schema := sqliteSchema
	if s.driver == DriverPostgres {
		schema = postgresSchema
	}
	_, err := s.db.Exec(schema)
	return err
}

// rebind rewrites ? placeholders to $N for postgres
func (s *Storage) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type rowScanner interface {
	Scan(dest ...any) error
}

const statusColumns = `account_name, current_status, file_path, used_quota, is_activated,
	activation_date, last_updated, created_at`

func scanStatus(row rowScanner) (*StatusRecord, error) {
	var r StatusRecord
	var activationDate sql.NullTime
	err := row.Scan(&r.Name, &r.CurrentStatus, &r.FilePath, &r.UsedQuota, &r.IsActivated,
		&activationDate, &r.LastUpdated, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	if activationDate.Valid {
		t := activationDate.Time
		r.ActivationDate = &t
	}
	return &r, nil
}

// GetStatus returns the record of one account
func (s *Storage) GetStatus(ctx context.Context, name string) (*StatusRecord, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+statusColumns+` FROM account_status WHERE account_name = ?`), name)
	r, err := scanStatus(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, persistErr("get status", err)
	}
	return r, nil
}

// ListStatuses returns the records of the named accounts that exist
func (s *Storage) ListStatuses(ctx context.Context, names []string) (map[string]StatusRecord, error) {
	out := make(map[string]StatusRecord, len(names))
	if len(names) == 0 {
		return out, nil
	}
	query := `SELECT ` + statusColumns + ` FROM account_status WHERE account_name IN (` + placeholders(len(names)) + `)`
	rows, err := s.db.QueryContext(ctx, s.rebind(query), stringArgs(names)...)
	if err != nil {
		return nil, persistErr("list statuses", err)
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanStatus(rows)
		if err != nil {
			return nil, persistErr("list statuses", err)
		}
		out[r.Name] = *r
	}
	return out, persistErr("list statuses", rows.Err())
}

// ApplyObservation reads the prior status, appends a history row when it
// changed and upserts the record, all in one transaction. The activated
// flag only ever turns on.
func (s *Storage) ApplyObservation(ctx context.Context, obs Observation) (Transition, error) {
	tr := Transition{Name: obs.Name, NewStatus: obs.Status}
	at := obs.At.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return tr, persistErr("begin", err)
	}
	defer tx.Rollback()

	var old string
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT current_status FROM account_status WHERE account_name = ?`), obs.Name).Scan(&old)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return tr, persistErr("read status", err)
	default:
		tr.OldStatus = Status(old)
	}

	if tr.OldStatus != "" && tr.OldStatus != obs.Status {
		tr.Changed = true
		_, err = tx.ExecContext(ctx, s.rebind(`
			INSERT INTO status_history (account_name, old_status, new_status, change_time, used_quota)
			VALUES (?, ?, ?, ?, ?)
		`), obs.Name, tr.OldStatus, obs.Status, at, obs.UsedQuota)
		if err != nil {
			return tr, persistErr("append history", err)
		}
	}

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO account_status (account_name, current_status, used_quota, is_activated, last_updated, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_name) DO UPDATE SET
			current_status = excluded.current_status,
			used_quota = excluded.used_quota,
			is_activated = (account_status.is_activated OR excluded.is_activated),
			last_updated = excluded.last_updated
	`), obs.Name, obs.Status, obs.UsedQuota, obs.IsActivated, at, at)
	if err != nil {
		return tr, persistErr("upsert status", err)
	}

	if err := tx.Commit(); err != nil {
		return tr, persistErr("commit", err)
	}
	return tr, nil
}

// UpdateFilePath records where a relocated account file now lives
func (s *Storage) UpdateFilePath(ctx context.Context, name, path string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE account_status SET file_path = ?, last_updated = ? WHERE account_name = ?
	`), path, time.Now().UTC(), name)
	return persistErr("update file path", err)
}

// MarkActivated flags the group members as activated and appends an
// activation log entry
func (s *Storage) MarkActivated(ctx context.Context, prefix string, names []string, at time.Time) error {
	at = at.UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistErr("begin", err)
	}
	defer tx.Rollback()

	for _, name := range names {
		_, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO account_status (account_name, current_status, used_quota, is_activated, activation_date, last_updated, created_at)
			VALUES (?, ?, 0, ?, ?, ?, ?)
			ON CONFLICT (account_name) DO UPDATE SET
				is_activated = excluded.is_activated,
				activation_date = excluded.activation_date,
				last_updated = excluded.last_updated
		`), name, StatusDisabled, true, at, at, at)
		if err != nil {
			return persistErr("mark activated", err)
		}
	}

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO activation_log (group_prefix, activated_at) VALUES (?, ?)
	`), prefix, at)
	if err != nil {
		return persistErr("append activation log", err)
	}

	return persistErr("commit", tx.Commit())
}

// History returns the most recent transitions of one account, newest first
func (s *Storage) History(ctx context.Context, name string, limit int) ([]HistoryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, account_name, COALESCE(old_status, ''), new_status, change_time, used_quota
		FROM status_history
		WHERE account_name = ?
		ORDER BY change_time DESC, id DESC
		LIMIT ?
	`), name, limit)
	if err != nil {
		return nil, persistErr("history", err)
	}
	defer rows.Close()

	var records []HistoryRecord
	for rows.Next() {
		var h HistoryRecord
		if err := rows.Scan(&h.ID, &h.Name, &h.OldStatus, &h.NewStatus, &h.ChangeTime, &h.UsedQuota); err != nil {
			return nil, persistErr("history", err)
		}
		records = append(records, h)
	}
	return records, persistErr("history", rows.Err())
}

// CountByStatus returns the number of accounts per status
func (s *Storage) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT current_status, COUNT(*) FROM account_status GROUP BY current_status`)
	if err != nil {
		return nil, persistErr("count by status", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var st Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, persistErr("count by status", err)
		}
		counts[st] = n
	}
	return counts, persistErr("count by status", rows.Err())
}

// TransitionsSince counts history rows newer than t
func (s *Storage) TransitionsSince(ctx context.Context, t time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM status_history WHERE change_time >= ?`), t.UTC()).Scan(&n)
	return n, persistErr("transitions since", err)
}

// ActivationsSince counts activation log entries newer than t
func (s *Storage) ActivationsSince(ctx context.Context, t time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM activation_log WHERE activated_at >= ?`), t.UTC()).Scan(&n)
	return n, persistErr("activations since", err)
}

// Ping checks the database connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *Storage) Close() error {
	return s.db.Close()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}
