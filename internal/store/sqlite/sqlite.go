package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hidsward/hidsward/pkg/types"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS incidents (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			address TEXT NOT NULL,
			reason TEXT NOT NULL,
			observed_unix_ns INTEGER NOT NULL,
			is_blocked INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_address_ts ON incidents(address, observed_unix_ns);`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_ts ON incidents(observed_unix_ns);`,
		`CREATE TABLE IF NOT EXISTS blocks (
			address TEXT PRIMARY KEY,
			reason TEXT NOT NULL,
			created_unix_ns INTEGER NOT NULL,
			expires_unix_ns INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS whitelist (
			address TEXT PRIMARY KEY,
			added_unix_ns INTEGER NOT NULL,
			note TEXT
		);`,
	}
	for _, st := range stmts {
		if _, err := s.db.ExecContext(ctx, st); err != nil {
			return fmt.Errorf("sqlite migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) AppendIncident(ctx context.Context, inc types.Incident) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO incidents (address, reason, observed_unix_ns, is_blocked) VALUES (?, ?, ?, ?)`,
		inc.Address, inc.Reason, inc.ObservedAt.UTC().UnixNano(), boolToInt(inc.Blocked))
	if err != nil {
		return 0, fmt.Errorf("insert incident: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("incident id: %w", err)
	}
	return id, nil
}

// QueryIncidents returns incidents newest first.
func (s *Store) QueryIncidents(ctx context.Context, q types.IncidentQuery) ([]types.Incident, error) {
	query := `SELECT id, address, reason, observed_unix_ns, is_blocked FROM incidents WHERE 1=1`
	var args []any
	if q.Address != "" {
		query += ` AND address = ?`
		args = append(args, q.Address)
	}
	if !q.Since.IsZero() {
		query += ` AND observed_unix_ns >= ?`
		args = append(args, q.Since.UTC().UnixNano())
	}
	query += ` ORDER BY observed_unix_ns DESC, id DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query incidents: %w", err)
	}
	defer rows.Close()

	var out []types.Incident
	for rows.Next() {
		var inc types.Incident
		var ts int64
		var blocked int
		if err := rows.Scan(&inc.ID, &inc.Address, &inc.Reason, &ts, &blocked); err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		inc.ObservedAt = time.Unix(0, ts).UTC()
		inc.Blocked = blocked != 0
		out = append(out, inc)
	}
	return out, rows.Err()
}

func (s *Store) IncidentStats(ctx context.Context) (types.IncidentStats, error) {
	var st types.IncidentStats
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*), COUNT(DISTINCT address), COALESCE(SUM(is_blocked), 0) FROM incidents`)
	if err := row.Scan(&st.Total, &st.Addresses, &st.Blocked); err != nil {
		return st, fmt.Errorf("incident stats: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT reason, COUNT(*) AS n FROM incidents GROUP BY reason ORDER BY n DESC, reason ASC LIMIT 20`)
	if err != nil {
		return st, fmt.Errorf("incident stats by reason: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var rc types.ReasonCount
		if err := rows.Scan(&rc.Reason, &rc.Count); err != nil {
			return st, fmt.Errorf("scan reason count: %w", err)
		}
		st.ByReason = append(st.ByReason, rc)
	}
	return st, rows.Err()
}

func (s *Store) MarkIncidentsBlocked(ctx context.Context, address string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE incidents SET is_blocked = 1 WHERE address = ?`, address); err != nil {
		return fmt.Errorf("mark incidents blocked: %w", err)
	}
	return nil
}

func (s *Store) GetBlock(ctx context.Context, address string) (types.BlockRecord, bool, error) {
	var rec types.BlockRecord
	var created int64
	var expires sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT address, reason, created_unix_ns, expires_unix_ns FROM blocks WHERE address = ?`, address).
		Scan(&rec.Address, &rec.Reason, &created, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return types.BlockRecord{}, false, nil
	}
	if err != nil {
		return types.BlockRecord{}, false, fmt.Errorf("get block: %w", err)
	}
	rec.CreatedAt = time.Unix(0, created).UTC()
	rec.ExpiresAt = fromNullTime(expires)
	return rec, true, nil
}

// PutBlock inserts or replaces the record for rec.Address.
func (s *Store) PutBlock(ctx context.Context, rec types.BlockRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO blocks (address, reason, created_unix_ns, expires_unix_ns) VALUES (?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET reason = excluded.reason, created_unix_ns = excluded.created_unix_ns, expires_unix_ns = excluded.expires_unix_ns`,
		rec.Address, rec.Reason, rec.CreatedAt.UTC().UnixNano(), nullableTime(rec.ExpiresAt))
	if err != nil {
		return fmt.Errorf("put block: %w", err)
	}
	return nil
}

func (s *Store) DeleteBlock(ctx context.Context, address string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM blocks WHERE address = ?`, address)
	if err != nil {
		return false, fmt.Errorf("delete block: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) ListBlocks(ctx context.Context) ([]types.BlockRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT address, reason, created_unix_ns, expires_unix_ns FROM blocks ORDER BY created_unix_ns DESC`)
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	defer rows.Close()

	var out []types.BlockRecord
	for rows.Next() {
		var rec types.BlockRecord
		var created int64
		var expires sql.NullInt64
		if err := rows.Scan(&rec.Address, &rec.Reason, &created, &expires); err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		rec.CreatedAt = time.Unix(0, created).UTC()
		rec.ExpiresAt = fromNullTime(expires)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AddWhitelist reports false when the address was already present; the
// existing entry is left untouched.
func (s *Store) AddWhitelist(ctx context.Context, e types.WhitelistEntry) (bool, error) {
	if e.AddedAt.IsZero() {
		e.AddedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO whitelist (address, added_unix_ns, note) VALUES (?, ?, ?) ON CONFLICT(address) DO NOTHING`,
		e.Address, e.AddedAt.UTC().UnixNano(), nullable(e.Note))
	if err != nil {
		return false, fmt.Errorf("add whitelist: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) RemoveWhitelist(ctx context.Context, address string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM whitelist WHERE address = ?`, address)
	if err != nil {
		return false, fmt.Errorf("remove whitelist: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) IsWhitelisted(ctx context.Context, address string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM whitelist WHERE address = ?`, address).Scan(&n); err != nil {
		return false, fmt.Errorf("check whitelist: %w", err)
	}
	return n > 0, nil
}

func (s *Store) ListWhitelist(ctx context.Context) ([]types.WhitelistEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT address, added_unix_ns, note FROM whitelist ORDER BY added_unix_ns ASC, address ASC`)
	if err != nil {
		return nil, fmt.Errorf("list whitelist: %w", err)
	}
	defer rows.Close()

	var out []types.WhitelistEntry
	for rows.Next() {
		var e types.WhitelistEntry
		var added int64
		var note sql.NullString
		if err := rows.Scan(&e.Address, &added, &note); err != nil {
			return nil, fmt.Errorf("scan whitelist: %w", err)
		}
		e.AddedAt = time.Unix(0, added).UTC()
		e.Note = note.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixNano()
}

func fromNullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
