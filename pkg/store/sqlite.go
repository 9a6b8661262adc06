package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"concord/pkg/store/migrations"
	"concord/pkg/types"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteStore persists the log in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies the
// embedded migrations.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// A single connection serializes writers; SQLite allows only one anyway.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db, migrations.EventsFS, "events"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database. It is nil-safe.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqlGetter struct{ q queryer }

func (g sqlGetter) Get(ctx context.Context, id types.EventID) (Record, error) {
	var (
		rec      Record
		raw      []byte
		rejected bool
	)
	err := g.q.QueryRowContext(ctx,
		`SELECT position, event_json, rejected, reject_reason FROM events WHERE event_id = ?`, string(id),
	).Scan(&rec.Position, &raw, &rejected, &rec.RejectReason)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get event %s: %w", id, err)
	}
	ev, err := decodeEvent(raw)
	if err != nil {
		return Record{}, err
	}
	rec.Event = ev
	rec.Rejected = rejected
	return rec, nil
}

func decodeEvent(raw []byte) (*types.Event, error) {
	var ev types.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("decode stored event: %w", err)
	}
	return &ev, nil
}

func (s *SQLiteStore) Append(ctx context.Context, ev *types.Event, verdict Verdict) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	raw, err := json.Marshal(ev)
	if err != nil {
		return Record{}, fmt.Errorf("encode event: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	txGet := sqlGetter{tx}
	if existing, err := txGet.Get(ctx, ev.EventID); err == nil {
		existing.Duplicate = true
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return Record{}, err
	}

	missing, err := checkAncestors(ctx, txGet, ev)
	if err != nil {
		return Record{}, err
	}
	if len(missing) > 0 {
		return Record{}, &MissingAncestorsError{EventID: ev.EventID, Missing: missing}
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (event_id, room_id, event_type, origin_server, event_json, rejected, reject_reason, stored_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(ev.EventID), string(ev.RoomID), string(ev.Type), string(ev.OriginServer),
		raw, verdict.Rejected, verdict.Reason, time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		if isConstraintError(err) {
			_ = tx.Rollback()
			if stored, lookupErr := s.Get(ctx, ev.EventID); lookupErr == nil {
				stored.Duplicate = true
				return stored, nil
			}
		}
		return Record{}, fmt.Errorf("append event: %w", err)
	}
	pos, err := res.LastInsertId()
	if err != nil {
		return Record{}, fmt.Errorf("read stream position: %w", err)
	}

	if !verdict.Rejected {
		for _, parent := range ev.PrevEvents {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM room_frontier WHERE room_id = ? AND event_id = ?`,
				string(ev.RoomID), string(parent),
			); err != nil {
				return Record{}, fmt.Errorf("retire frontier: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO room_frontier (room_id, event_id) VALUES (?, ?)`,
			string(ev.RoomID), string(ev.EventID),
		); err != nil {
			return Record{}, fmt.Errorf("extend frontier: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("commit: %w", err)
	}

	return Record{
		Event:        ev.Clone(),
		Position:     Position(pos),
		Rejected:     verdict.Rejected,
		RejectReason: verdict.Reason,
	}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id types.EventID) (Record, error) {
	return sqlGetter{s.db}.Get(ctx, id)
}

func (s *SQLiteStore) Has(ctx context.Context, id types.EventID) (bool, error) {
	var found int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM events WHERE event_id = ?`, string(id)).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup event %s: %w", id, err)
	}
	return true, nil
}

func (s *SQLiteStore) MissingAncestors(ctx context.Context, ev *types.Event) ([]types.EventID, error) {
	return checkAncestors(ctx, sqlGetter{s.db}, ev)
}

func (s *SQLiteStore) Frontier(ctx context.Context, room types.RoomID) ([]types.EventID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id FROM room_frontier WHERE room_id = ? ORDER BY event_id`, string(room))
	if err != nil {
		return nil, fmt.Errorf("query frontier: %w", err)
	}
	defer rows.Close()

	var out []types.EventID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan frontier: %w", err)
		}
		out = append(out, types.EventID(id))
	}
	return out, rows.Err()
}

func (s *SQLiteStore) EventsSince(ctx context.Context, room types.RoomID, from []types.EventID, cursor Position) *Iterator {
	if s.db == nil {
		return errIterator(ErrClosed)
	}
	return newIterator(ctx, s, from, cursor, func(ctx context.Context, after Position, limit int) ([]Record, error) {
		rows, err := s.db.QueryContext(ctx,
			`SELECT position, event_json, rejected, reject_reason FROM events
			 WHERE room_id = ? AND position > ? ORDER BY position LIMIT ?`,
			string(room), int64(after), limit,
		)
		if err != nil {
			return nil, fmt.Errorf("query events: %w", err)
		}
		defer rows.Close()

		var page []Record
		for rows.Next() {
			var (
				rec Record
				raw []byte
			)
			if err := rows.Scan(&rec.Position, &raw, &rec.Rejected, &rec.RejectReason); err != nil {
				return nil, fmt.Errorf("scan event: %w", err)
			}
			if rec.Event, err = decodeEvent(raw); err != nil {
				return nil, err
			}
			page = append(page, rec)
		}
		return page, rows.Err()
	})
}

func (s *SQLiteStore) Backfill(ctx context.Context, room types.RoomID, from []types.EventID, limit int) ([]Record, error) {
	return backfill(ctx, s, room, from, limit)
}

func (s *SQLiteStore) Rooms(ctx context.Context) ([]types.RoomID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT room_id FROM events ORDER BY room_id`)
	if err != nil {
		return nil, fmt.Errorf("query rooms: %w", err)
	}
	defer rows.Close()

	var out []types.RoomID
	for rows.Next() {
		var room string
		if err := rows.Scan(&room); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		out = append(out, types.RoomID(room))
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Position(ctx context.Context) (Position, error) {
	var pos sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(position) FROM events`).Scan(&pos); err != nil {
		return 0, fmt.Errorf("query position: %w", err)
	}
	return Position(pos.Int64), nil
}

func (s *SQLiteStore) AckCursor(ctx context.Context, dest types.ServerName, room types.RoomID, pos Position) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO destination_cursors (destination, room_id, position, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (destination, room_id) DO UPDATE SET
		   position = MAX(position, excluded.position),
		   updated_at = excluded.updated_at`,
		string(dest), string(room), int64(pos), time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("ack cursor: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Cursor(ctx context.Context, dest types.ServerName, room types.RoomID) (Position, error) {
	var pos int64
	err := s.db.QueryRowContext(ctx,
		`SELECT position FROM destination_cursors WHERE destination = ? AND room_id = ?`,
		string(dest), string(room),
	).Scan(&pos)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query cursor: %w", err)
	}
	return Position(pos), nil
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}
