package sessionstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = &SQLiteStore{}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite session store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// one connection keeps ":memory:" databases alive and serializes writers
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// SQLiteDSNForFile builds the DSN used for on-disk stores.
func SQLiteDSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite session store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite session store: db is nil")
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			state BLOB NOT NULL,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS turns (
			message_id INTEGER PRIMARY KEY,
			in_reply_to_id INTEGER,
			continues_message_id INTEGER,
			session_id TEXT NOT NULL DEFAULT '',
			actor_handle TEXT NOT NULL DEFAULT '',
			command_text TEXT NOT NULL DEFAULT '',
			response_text TEXT NOT NULL,
			snapshot_id INTEGER NOT NULL,
			segment_index INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL,
			FOREIGN KEY (snapshot_id) REFERENCES snapshots(id)
		);`,
		`CREATE TABLE IF NOT EXISTS poll_state (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			field TEXT NOT NULL,
			value INTEGER NOT NULL,
			written_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS turns_by_reply_target ON turns(in_reply_to_id);`,
		`CREATE INDEX IF NOT EXISTS turns_by_session ON turns(session_id, created_at_ms DESC);`,
		`CREATE INDEX IF NOT EXISTS poll_state_by_field ON poll_state(field, id DESC);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite session store: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) check(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite session store: db is nil")
	}
	if ctx == nil {
		return errors.New("sqlite session store: ctx is nil")
	}
	return nil
}

func (s *SQLiteStore) CreateSnapshot(ctx context.Context, state []byte) (int64, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	return insertSnapshot(ctx, s.db, state, time.Now().UnixMilli())
}

func (s *SQLiteStore) RecordTurn(ctx context.Context, rec TurnRecord) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return insertTurns(ctx, tx, rec)
	})
}

func (s *SQLiteStore) SaveTurn(ctx context.Context, state []byte, rec TurnRecord) (int64, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	if rec.CreatedAtMs <= 0 {
		rec.CreatedAtMs = time.Now().UnixMilli()
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		id, err := insertSnapshot(ctx, tx, state, rec.CreatedAtMs)
		if err != nil {
			return err
		}
		rec.SnapshotID = id
		return insertTurns(ctx, tx, rec)
	})
	if err != nil {
		return 0, err
	}
	return rec.SnapshotID, nil
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlite session store: begin tx")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "sqlite session store: commit tx")
	}
	committed = true
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertSnapshot(ctx context.Context, db execer, state []byte, createdAtMs int64) (int64, error) {
	if len(state) == 0 {
		return 0, errors.New("sqlite session store: empty snapshot state")
	}
	res, err := db.ExecContext(ctx, `INSERT INTO snapshots(state, created_at_ms) VALUES(?, ?)`, state, createdAtMs)
	if err != nil {
		return 0, errors.Wrap(err, "sqlite session store: insert snapshot")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "sqlite session store: snapshot id")
	}
	return id, nil
}

func insertTurns(ctx context.Context, tx *sql.Tx, rec TurnRecord) error {
	if len(rec.MessageIDs) == 0 {
		return errors.New("sqlite session store: turn has no message ids")
	}
	if rec.SnapshotID <= 0 {
		return errors.New("sqlite session store: turn has no snapshot")
	}
	var exists int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM snapshots WHERE id = ?`, rec.SnapshotID).Scan(&exists)
	if err == sql.ErrNoRows {
		return errors.Errorf("sqlite session store: unknown snapshot %d", rec.SnapshotID)
	}
	if err != nil {
		return errors.Wrap(err, "sqlite session store: check snapshot")
	}
	createdAtMs := rec.CreatedAtMs
	if createdAtMs <= 0 {
		createdAtMs = time.Now().UnixMilli()
	}

	for i, id := range rec.MessageIDs {
		if id == NoMessage {
			return errors.New("sqlite session store: message id is empty")
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO turns(
				message_id, in_reply_to_id, continues_message_id, session_id, actor_handle,
				command_text, response_text, snapshot_id, segment_index, created_at_ms
			) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, id, nullID(rec.InReplyToID), nullID(rec.ContinuesID), rec.SessionID, rec.ActorHandle,
			rec.CommandText, rec.ResponseText, rec.SnapshotID, i, createdAtMs); err != nil {
			return errors.Wrapf(err, "sqlite session store: insert turn %d", id)
		}
	}
	return nil
}

func (s *SQLiteStore) ResolveSession(ctx context.Context, messageID int64) (Resolved, bool, error) {
	if err := s.check(ctx); err != nil {
		return Resolved{}, false, err
	}
	if messageID == NoMessage {
		return Resolved{}, false, nil
	}
	out := Resolved{MessageID: messageID}
	err := s.db.QueryRowContext(ctx, `
		SELECT t.snapshot_id, t.session_id, s.state
		FROM turns t
		JOIN snapshots s ON s.id = t.snapshot_id
		WHERE t.message_id = ?
	`, messageID).Scan(&out.SnapshotID, &out.SessionID, &out.State)
	switch {
	case err == sql.ErrNoRows:
		return Resolved{}, false, nil
	case err != nil:
		return Resolved{}, false, errors.Wrap(err, "sqlite session store: resolve session")
	}
	return out, true, nil
}

func (s *SQLiteStore) HasBeenRepliedTo(ctx context.Context, messageID int64) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}
	if messageID == NoMessage {
		return false, nil
	}
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM turns WHERE in_reply_to_id = ? LIMIT 1`, messageID).Scan(&exists)
	switch {
	case err == sql.ErrNoRows:
		return false, nil
	case err != nil:
		return false, errors.Wrap(err, "sqlite session store: dedup lookup")
	}
	return true, nil
}

const turnColumns = `message_id, in_reply_to_id, continues_message_id, session_id, actor_handle,
	command_text, response_text, snapshot_id, segment_index, created_at_ms`

func (s *SQLiteStore) ListTurns(ctx context.Context, q TurnQuery) ([]Turn, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 200
	}

	clauses := []string{}
	args := []any{}
	if v := strings.TrimSpace(q.SessionID); v != "" {
		clauses = append(clauses, "session_id = ?")
		args = append(args, v)
	}
	if v := strings.TrimSpace(q.ActorHandle); v != "" {
		clauses = append(clauses, "actor_handle = ?")
		args = append(args, v)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM turns
		%s
		ORDER BY created_at_ms DESC, message_id DESC
		LIMIT ?
	`, turnColumns, where), args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite session store: list turns")
	}
	defer func() { _ = rows.Close() }()

	items := []Turn{}
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite session store: iterate turns")
	}
	return items, nil
}

// Lineage walks from messageID back to the session's opening turn, newest first.
func (s *SQLiteStore) Lineage(ctx context.Context, messageID int64, limit int) ([]Turn, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 1000
	}
	items := []Turn{}
	seen := map[int64]struct{}{}
	next := messageID
	for next != NoMessage && len(items) < limit {
		if _, ok := seen[next]; ok {
			break
		}
		seen[next] = struct{}{}
		row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM turns WHERE message_id = ?`, turnColumns), next)
		t, err := scanTurn(row)
		if errors.Cause(err) == sql.ErrNoRows {
			break
		}
		if err != nil {
			return nil, err
		}
		items = append(items, t)
		next = t.ContinuesID
	}
	return items, nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	if err := s.check(ctx); err != nil {
		return Stats{}, err
	}
	var st Stats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM snapshots`).Scan(&st.Snapshots); err != nil {
		return Stats{}, errors.Wrap(err, "sqlite session store: count snapshots")
	}
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1), COUNT(DISTINCT NULLIF(session_id, '')), COUNT(DISTINCT NULLIF(actor_handle, ''))
		FROM turns
	`).Scan(&st.Turns, &st.Sessions, &st.Actors); err != nil {
		return Stats{}, errors.Wrap(err, "sqlite session store: count turns")
	}
	return st, nil
}

func (s *SQLiteStore) LoadWatermark(ctx context.Context, field string) (int64, bool, error) {
	if err := s.check(ctx); err != nil {
		return 0, false, err
	}
	var v int64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM poll_state WHERE field = ? ORDER BY id DESC LIMIT 1`, field).Scan(&v)
	switch {
	case err == sql.ErrNoRows:
		return 0, false, nil
	case err != nil:
		return 0, false, errors.Wrap(err, "sqlite session store: load watermark")
	}
	return v, true, nil
}

func (s *SQLiteStore) SaveWatermark(ctx context.Context, field string, value int64) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(field) == "" {
		return errors.New("sqlite session store: watermark field is empty")
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO poll_state(field, value, written_at_ms) VALUES(?, ?, ?)`,
		field, value, time.Now().UnixMilli()); err != nil {
		return errors.Wrap(err, "sqlite session store: save watermark")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTurn(r rowScanner) (Turn, error) {
	var (
		t         Turn
		inReplyTo sql.NullInt64
		continues sql.NullInt64
	)
	if err := r.Scan(
		&t.MessageID,
		&inReplyTo,
		&continues,
		&t.SessionID,
		&t.ActorHandle,
		&t.CommandText,
		&t.ResponseText,
		&t.SnapshotID,
		&t.SegmentIndex,
		&t.CreatedAtMs,
	); err != nil {
		return Turn{}, errors.Wrap(err, "sqlite session store: scan turn")
	}
	t.InReplyToID = inReplyTo.Int64
	t.ContinuesID = continues.Int64
	return t, nil
}

func nullID(id int64) sql.NullInt64 {
	if id == NoMessage {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: id, Valid: true}
}
