package ledger

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

type SQLite struct {
	db *sql.DB
	// buffered scans read all rows before calling back, since the single
	// :memory: connection stays busy while rows are open.
	buffered bool
}

// NewSQLite opens (creating if needed) a ledger database at path.
func NewSQLite(path string) (*SQLite, error) {
	dsn := path
	if path != ":memory:" && !strings.Contains(path, "?") {
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	if path == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec(Schema); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLite{db: db, buffered: path == ":memory:"}, nil
}

// DB exposes the handle for read-only tooling and tests.
func (s *SQLite) DB() *sql.DB { return s.db }

func (s *SQLite) InsertEntry(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_entries
		(id, ts, kind, cycle_id, instrument, idempotency_key, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp.UnixNano(), string(e.Kind), e.CycleID,
		e.Instrument, e.IdempotencyKey, string(e.Payload),
	)
	return err
}

func (s *SQLite) InsertEquity(ctx context.Context, eq EquitySample) error {
	assets := ""
	if len(eq.Assets) > 0 {
		b, err := sonic.Marshal(eq.Assets)
		if err != nil {
			return err
		}
		assets = string(b)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO equity_samples
		(cycle_id, ts, quote, total_equity, assets)
		VALUES (?, ?, ?, ?, ?)`,
		eq.CycleID, eq.Timestamp.UnixNano(), eq.Quote, eq.TotalEquity.String(), assets,
	)
	return err
}

const entryColumns = `id, ts, kind, cycle_id, instrument, idempotency_key, payload`

func (s *SQLite) ScanEntries(ctx context.Context, r CycleRange, fn func(Entry) bool) error {
	var (
		where []string
		args  []any
	)
	if r.CycleID != "" {
		where = append(where, "cycle_id = ?")
		args = append(args, r.CycleID)
	}
	if !r.From.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, r.From.UnixNano())
	}
	if !r.To.IsZero() {
		where = append(where, "ts < ?")
		args = append(args, r.To.UnixNano())
	}

	q := `SELECT ` + entryColumns + ` FROM ledger_entries`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY ts ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	if !s.buffered {
		for rows.Next() {
			e, err := scanEntry(rows)
			if err != nil {
				return err
			}
			if !fn(e) {
				return nil
			}
		}
		return rows.Err()
	}

	var matched []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return err
		}
		matched = append(matched, e)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if err := rows.Close(); err != nil {
		return err
	}
	for _, e := range matched {
		if !fn(e) {
			return nil
		}
	}
	return nil
}

func (s *SQLite) LatestByKey(ctx context.Context, kind Kind, key string) (Entry, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE idempotency_key = ? AND kind = ?
		ORDER BY ts DESC
		LIMIT 1`, key, string(kind))

	e, err := scanEntry(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	return e, true, nil
}

func (s *SQLite) EquitySamples(ctx context.Context, from, to time.Time, limit int) ([]EquitySample, error) {
	var (
		where []string
		args  []any
	)
	if !from.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, from.UnixNano())
	}
	if !to.IsZero() {
		where = append(where, "ts < ?")
		args = append(args, to.UnixNano())
	}

	// Newest first so LIMIT keeps the tail, reversed below.
	q := `SELECT cycle_id, ts, quote, total_equity, assets FROM equity_samples`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY ts DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EquitySample
	for rows.Next() {
		var (
			eq     EquitySample
			ts     int64
			total  string
			assets string
		)
		if err := rows.Scan(&eq.CycleID, &ts, &eq.Quote, &total, &assets); err != nil {
			return nil, err
		}
		eq.Timestamp = time.Unix(0, ts).UTC()
		if eq.TotalEquity, err = decimal.NewFromString(total); err != nil {
			return nil, err
		}
		if assets != "" {
			if err := sonic.UnmarshalString(assets, &eq.Assets); err != nil {
				return nil, err
			}
		}
		out = append(out, eq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *SQLite) LastTimestamp(ctx context.Context) (time.Time, error) {
	var ts sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(ts) FROM ledger_entries`).Scan(&ts); err != nil {
		return time.Time{}, err
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return time.Unix(0, ts.Int64).UTC(), nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (Entry, error) {
	var (
		e       Entry
		ts      int64
		kind    string
		payload string
	)
	if err := sc.Scan(&e.ID, &ts, &kind, &e.CycleID, &e.Instrument, &e.IdempotencyKey, &payload); err != nil {
		return Entry{}, err
	}
	e.Timestamp = time.Unix(0, ts).UTC()
	e.Kind = Kind(kind)
	if payload != "" {
		e.Payload = []byte(payload)
	}
	return e, nil
}
