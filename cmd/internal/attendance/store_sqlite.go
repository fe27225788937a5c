package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"rollcall/cmd/internal/sqlitedb"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteStore is a Store backed by the embedded database.
//
// Writes go through the single-writer worker; reads use the pool directly.
// SQLiteStore owns neither: the caller closes both.
type SQLiteStore struct {
	db *sql.DB
	w  *sqlitedb.Worker
}

// NewSQLiteStore constructs a SQLite-backed Store.
func NewSQLiteStore(db *sql.DB, w *sqlitedb.Worker) (*SQLiteStore, error) {
	if db == nil || w == nil {
		return nil, errors.New("attendance: nil sqlite db or worker")
	}
	return &SQLiteStore{db: db, w: w}, nil
}

func (s *SQLiteStore) Close() error { return nil }

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) ReplaceActive(ctx context.Context, sess Session) error {
	return s.w.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		day := sess.Day.Format(DayLayout)

		if _, err := tx.ExecContext(ctx, `
UPDATE qr_sessions SET is_active = 0
 WHERE class_id = ? AND session_date = ? AND is_active = 1;`,
			sess.ClassID, day,
		); err != nil {
			return fmt.Errorf("deactivate sessions: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
INSERT INTO qr_sessions(id, class_id, token_hash, session_date, created_at_ms, expires_at_ms, is_active)
VALUES (?, ?, ?, ?, ?, ?, 1);`,
			sess.ID, sess.ClassID, sess.TokenHash, day, sess.CreatedAt.UnixMilli(), sess.ExpiresAt.UnixMilli(),
		); err != nil {
			return fmt.Errorf("insert session: %w", classifySQLite(err))
		}
		return nil
	})
}

func (s *SQLiteStore) FindActive(ctx context.Context, classID int64, tokenHash string, now time.Time) (Session, error) {
	var (
		out       Session
		day       string
		createdMS int64
		expiresMS int64
		active    int
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, class_id, token_hash, session_date, created_at_ms, expires_at_ms, is_active
  FROM qr_sessions
 WHERE class_id = ? AND token_hash = ? AND is_active = 1 AND expires_at_ms > ?;`,
		classID, tokenHash, now.UnixMilli(),
	).Scan(&out.ID, &out.ClassID, &out.TokenHash, &day, &createdMS, &expiresMS, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, err
	}

	d, err := time.Parse(DayLayout, day)
	if err != nil {
		return Session{}, fmt.Errorf("parse session_date %q: %w", day, err)
	}
	out.Day = d
	out.CreatedAt = time.UnixMilli(createdMS).UTC()
	out.ExpiresAt = time.UnixMilli(expiresMS).UTC()
	out.Active = active == 1
	return out, nil
}

func (s *SQLiteStore) InsertMark(ctx context.Context, m Mark) (InsertResult, error) {
	var res InsertResult
	err := s.w.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var markedMS int64
		err := tx.QueryRowContext(ctx, `
INSERT INTO attendance_marks(class_id, student_id, session_date, status, marked_by, marked_at_ms, session_id)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(class_id, student_id, session_date) DO NOTHING
RETURNING marked_at_ms;`,
			m.ClassID, m.StudentID, m.Day.Format(DayLayout), string(m.Status), string(m.MarkedBy),
			m.MarkedAt.UnixMilli(), nullString(m.SessionID),
		).Scan(&markedMS)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			res = InsertResult{Mark: m, Duplicate: true}
			return nil
		case err != nil:
			if isSQLiteUnique(err) {
				res = InsertResult{Mark: m, Duplicate: true}
				return nil
			}
			return classifySQLite(err)
		}

		m.MarkedAt = time.UnixMilli(markedMS).UTC()
		res = InsertResult{Mark: m}
		return nil
	})
	return res, err
}

func (s *SQLiteStore) UpsertMark(ctx context.Context, m Mark) (Mark, error) {
	var out Mark
	err := s.w.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var (
			status, markedBy string
			markedMS         int64
			sessionID        sql.NullString
		)
		err := tx.QueryRowContext(ctx, `
INSERT INTO attendance_marks(class_id, student_id, session_date, status, marked_by, marked_at_ms, session_id)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(class_id, student_id, session_date) DO UPDATE SET
  status       = excluded.status,
  marked_by    = excluded.marked_by,
  marked_at_ms = excluded.marked_at_ms
RETURNING status, marked_by, marked_at_ms, session_id;`,
			m.ClassID, m.StudentID, m.Day.Format(DayLayout), string(m.Status), string(m.MarkedBy),
			m.MarkedAt.UnixMilli(), nullString(m.SessionID),
		).Scan(&status, &markedBy, &markedMS, &sessionID)
		if err != nil {
			return classifySQLite(err)
		}

		out = m
		out.Status = Status(status)
		out.MarkedBy = MarkedBy(markedBy)
		out.MarkedAt = time.UnixMilli(markedMS).UTC()
		out.SessionID = sessionID.String
		return nil
	})
	return out, err
}

func (s *SQLiteStore) ListDay(ctx context.Context, classID int64, day time.Time) ([]Mark, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT student_id, status, marked_by, marked_at_ms, session_id
  FROM attendance_marks
 WHERE class_id = ? AND session_date = ?
 ORDER BY student_id;`,
		classID, day.Format(DayLayout),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Mark
	for rows.Next() {
		var (
			m                Mark
			status, markedBy string
			markedMS         int64
			sessionID        sql.NullString
		)
		if err := rows.Scan(&m.StudentID, &status, &markedBy, &markedMS, &sessionID); err != nil {
			return nil, err
		}
		m.ClassID = classID
		m.Day = day
		m.Status = Status(status)
		m.MarkedBy = MarkedBy(markedBy)
		m.MarkedAt = time.UnixMilli(markedMS).UTC()
		m.SessionID = sessionID.String
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountSince(ctx context.Context, classID int64, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM attendance_marks WHERE class_id = ? AND marked_at_ms > ?;`,
		classID, since.UnixMilli(),
	).Scan(&n)
	return n, err
}

func (s *SQLiteStore) IsOwner(ctx context.Context, classID, teacherID int64) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM classes WHERE id = ? AND teacher_id = ?);`,
		classID, teacherID,
	).Scan(&ok)
	return ok, err
}

func (s *SQLiteStore) IsEnrolled(ctx context.Context, classID, studentID int64) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM enrollments WHERE class_id = ? AND student_id = ?);`,
		classID, studentID,
	).Scan(&ok)
	return ok, err
}

func (s *SQLiteStore) Roster(ctx context.Context, classID int64) ([]Student, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT u.id, u.name
  FROM enrollments e
  JOIN users u ON u.id = e.student_id
 WHERE e.class_id = ?
 ORDER BY u.name, u.id;`,
		classID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Student
	for rows.Next() {
		var st Student
		if err := rows.Scan(&st.ID, &st.Name); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isSQLiteUnique(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

// classifySQLite tags constraint failures so the Verifier can tell them apart
// from an unreachable database.
func classifySQLite(err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT {
		return fmt.Errorf("%w: %v", ErrConstraintViolation, err)
	}
	return err
}
