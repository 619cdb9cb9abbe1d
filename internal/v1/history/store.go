// Package history provides the durable message log backed by an embedded
// SQLite database. It owns the database lifecycle, assigns message ids and
// timestamps at append time, serves the replay queries behind join, and
// enforces the retention policy through sweeps.
//
// Migration design: SQL statements are kept in the migrations slice as
// ordered strings. Each is applied exactly once; the applied version is
// tracked in the schema_migrations table. To add a migration, append a new
// string; never edit or reorder existing entries.
package history

import (
	"context"
	crand "crypto/rand"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/parlorhq/parlor/internal/v1/logging"
	"github.com/parlorhq/parlor/internal/v1/types"
)

// migrations holds the ordered list of DDL statements that bring the schema
// up to date. Index i corresponds to version i+1.
var migrations = []string{
	// v1: message log
	`CREATE TABLE IF NOT EXISTS messages (
		id           TEXT PRIMARY KEY,
		room_id      TEXT NOT NULL,
		user_id      TEXT NOT NULL,
		display_name TEXT NOT NULL,
		text         TEXT NOT NULL,
		ts           INTEGER NOT NULL
	)`,
	// v2: replay queries walk a room newest-first
	`CREATE INDEX IF NOT EXISTS idx_messages_room_ts ON messages(room_id, ts DESC)`,
	// v3: ttl sweep scans by timestamp alone
	`CREATE INDEX IF NOT EXISTS idx_messages_ts ON messages(ts)`,
}

// defaultPageLimit bounds a replay page when the caller does not.
const defaultPageLimit = 100

// capGuardSlack is how far past the per-room cap a room may grow before the
// sweeper is kicked ahead of its normal interval.
const capGuardSlack = 50

type statements struct {
	insert       *sql.Stmt
	recent       *sql.Stmt
	since        *sql.Stmt
	before       *sql.Stmt
	countRoom    *sql.Stmt
	deleteTTL    *sql.Stmt
	overCapRooms *sql.Stmt
	trimRoom     *sql.Stmt
}

// Store wraps the SQLite message log.
type Store struct {
	db    *sql.DB
	stmts statements

	retentionTTL time.Duration
	roomCap      int

	// The append section serializes id and timestamp assignment with the
	// insert itself, so that id order and ts order agree even when the wall
	// clock steps backward.
	appendMu sync.Mutex
	entropy  *ulid.MonotonicEntropy
	lastTS   int64
	now      func() time.Time

	kick chan struct{}
}

// Open opens (or creates) the SQLite database at path, applies pending
// migrations, and prepares the statement set. Use ":memory:" for ephemeral
// in-process storage (tests). The retention arguments parameterize Sweep.
func Open(path string, retentionTTL time.Duration, roomCap int) (*Store, error) {
	// Pragmas ride the DSN so every pooled connection gets them. WAL keeps
	// readers unblocked during appends; synchronous=FULL makes the fsync on
	// append boundaries durable.
	dsn := path + "?_pragma=journal_mode(wal)&_pragma=synchronous(full)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if strings.Contains(path, ":memory:") {
		// A second pooled connection would see its own empty database.
		db.SetMaxOpenConns(1)
	} else {
		// Allow multiple read connections but serialise writes.
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(2)
	}

	s := &Store{
		db:           db,
		retentionTTL: retentionTTL,
		roomCap:      roomCap,
		entropy:      ulid.Monotonic(crand.Reader, 0),
		now:          time.Now,
		kick:         make(chan struct{}, 1),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := s.prepare(); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare statements: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database answers. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SweepSignal is closed over by the sweeper: a receive means some room
// overshot its cap and a sweep should run ahead of the next tick. Sends are
// non-blocking and coalesce while a sweep is in flight.
func (s *Store) SweepSignal() <-chan struct{} {
	return s.kick
}

// migrate creates the schema_migrations table (if absent) and applies any
// migrations whose version number exceeds the current maximum.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(
			`INSERT INTO schema_migrations(version) VALUES(?)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		logging.Info(context.Background(), "Applied store migration", zap.Int("version", v))
	}
	return nil
}

func (s *Store) prepare() error {
	var err error
	prep := func(q string) *sql.Stmt {
		if err != nil {
			return nil
		}
		var stmt *sql.Stmt
		stmt, err = s.db.Prepare(q)
		return stmt
	}

	s.stmts.insert = prep(`INSERT INTO messages(id, room_id, user_id, display_name, text, ts) VALUES(?,?,?,?,?,?)`)
	s.stmts.recent = prep(`SELECT id, room_id, user_id, display_name, text, ts FROM messages
		WHERE room_id = ? ORDER BY ts DESC, id DESC LIMIT ?`)
	s.stmts.since = prep(`SELECT id, room_id, user_id, display_name, text, ts FROM messages
		WHERE room_id = ? AND ts > ? ORDER BY ts ASC, id ASC`)
	s.stmts.before = prep(`SELECT id, room_id, user_id, display_name, text, ts FROM messages
		WHERE room_id = ? AND id < ? ORDER BY id DESC LIMIT ?`)
	s.stmts.countRoom = prep(`SELECT COUNT(*) FROM messages WHERE room_id = ?`)
	s.stmts.deleteTTL = prep(`DELETE FROM messages WHERE ts < ?`)
	s.stmts.overCapRooms = prep(`SELECT room_id FROM messages GROUP BY room_id HAVING COUNT(*) > ?`)
	s.stmts.trimRoom = prep(`DELETE FROM messages WHERE room_id = ? AND id NOT IN (
		SELECT id FROM messages WHERE room_id = ? ORDER BY ts DESC, id DESC LIMIT ?)`)
	return err
}

// Append assigns the message id and server timestamp and persists the row
// atomically. The returned Message is the authoritative record echoed to the
// room. The timestamp is clamped non-decreasing so id order and ts order
// stay consistent under backward clock steps.
func (s *Store) Append(ctx context.Context, roomID types.RoomIDType, userID types.UserIDType, displayName types.DisplayNameType, text string) (types.Message, error) {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	ts := s.now().UnixMilli()
	if ts < s.lastTS {
		ts = s.lastTS
	}
	s.lastTS = ts

	id, err := ulid.New(uint64(ts), s.entropy)
	if err != nil {
		return types.Message{}, fmt.Errorf("assign message id: %w", err)
	}

	msg := types.Message{
		ID:          types.MessageIDType(id.String()),
		RoomID:      roomID,
		UserID:      userID,
		DisplayName: displayName,
		Text:        text,
		TS:          ts,
	}

	if _, err := s.stmts.insert.ExecContext(ctx, msg.ID, msg.RoomID, msg.UserID, msg.DisplayName, msg.Text, msg.TS); err != nil {
		return types.Message{}, fmt.Errorf("append message: %w", err)
	}

	// Cap guard: kick the sweeper when the room has clearly overshot, rather
	// than trimming inline on the append path.
	var count int
	if err := s.stmts.countRoom.QueryRowContext(ctx, roomID).Scan(&count); err == nil && count > s.roomCap+capGuardSlack {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}

	return msg, nil
}

// Recent returns up to limit newest rows for the room, oldest-first.
func (s *Store) Recent(ctx context.Context, roomID types.RoomIDType, limit int) ([]types.Message, error) {
	if limit <= 0 {
		limit = defaultPageLimit
	}
	rows, err := s.stmts.recent.QueryContext(ctx, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("recent: %w", err)
	}
	return reverse(msgs), nil
}

// Since returns every row for the room with ts strictly greater than
// tsExclusive, oldest-first. The per-room cap bounds the result size.
func (s *Store) Since(ctx context.Context, roomID types.RoomIDType, tsExclusive int64) ([]types.Message, error) {
	rows, err := s.stmts.since.QueryContext(ctx, roomID, tsExclusive)
	if err != nil {
		return nil, fmt.Errorf("since: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("since: %w", err)
	}
	return msgs, nil
}

// Before returns up to limit rows with id strictly preceding beforeID,
// oldest-first. Message ids sort lexicographically in time order, so the id
// comparison is the pagination cursor.
func (s *Store) Before(ctx context.Context, roomID types.RoomIDType, beforeID types.MessageIDType, limit int) ([]types.Message, error) {
	if limit <= 0 {
		limit = defaultPageLimit
	}
	rows, err := s.stmts.before.QueryContext(ctx, roomID, beforeID, limit)
	if err != nil {
		return nil, fmt.Errorf("before: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("before: %w", err)
	}
	return reverse(msgs), nil
}

// Sweep applies the retention policy: rows older than the TTL are removed,
// then every room over cap is trimmed to its newest roomCap rows. Returns
// the number of rows each phase deleted.
func (s *Store) Sweep(ctx context.Context, now time.Time) (ttlDeleted, capDeleted int64, err error) {
	cutoff := now.Add(-s.retentionTTL).UnixMilli()
	res, err := s.stmts.deleteTTL.ExecContext(ctx, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("ttl sweep: %w", err)
	}
	ttlDeleted, _ = res.RowsAffected()

	rows, err := s.stmts.overCapRooms.QueryContext(ctx, s.roomCap)
	if err != nil {
		return ttlDeleted, 0, fmt.Errorf("cap sweep: %w", err)
	}
	var roomIDs []types.RoomIDType
	for rows.Next() {
		var roomID types.RoomIDType
		if err := rows.Scan(&roomID); err != nil {
			rows.Close()
			return ttlDeleted, capDeleted, fmt.Errorf("cap sweep: %w", err)
		}
		roomIDs = append(roomIDs, roomID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return ttlDeleted, capDeleted, fmt.Errorf("cap sweep: %w", err)
	}
	rows.Close()

	for _, roomID := range roomIDs {
		res, err := s.stmts.trimRoom.ExecContext(ctx, roomID, roomID, s.roomCap)
		if err != nil {
			return ttlDeleted, capDeleted, fmt.Errorf("cap sweep room %s: %w", roomID, err)
		}
		n, _ := res.RowsAffected()
		capDeleted += n
	}
	return ttlDeleted, capDeleted, nil
}

func scanMessages(rows *sql.Rows) ([]types.Message, error) {
	defer rows.Close()
	var msgs []types.Message
	for rows.Next() {
		var m types.Message
		if err := rows.Scan(&m.ID, &m.RoomID, &m.UserID, &m.DisplayName, &m.Text, &m.TS); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func reverse(msgs []types.Message) []types.Message {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs
}
