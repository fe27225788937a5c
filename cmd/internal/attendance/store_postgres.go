package attendance

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema_postgres.sql
var postgresSchemaSQL string

const (
	defaultPGSchema = "rollcall"

	pgUniqueViolation = "23505"
	marksUniqueName   = "uq_attendance_marks_class_student_day"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Issuance takes a transactional advisory lock per (class, day) so that two
// teachers' devices rotating at once still leave exactly one active session.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "rollcall").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("attendance: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("attendance: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: defaultPGSchema}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("attendance: nil pool")
	}
	return st, nil
}

// ApplyPostgresSchema creates the schema and its tables if they do not exist.
func ApplyPostgresSchema(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	if !isValidPGIdent(schema) {
		return errors.New("attendance: invalid schema identifier")
	}
	quoted := pgx.Identifier{schema}.Sanitize()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+quoted); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := pool.Exec(ctx, strings.ReplaceAll(postgresSchemaSQL, "{{schema}}", quoted)); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error { return nil }

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) ReplaceActive(ctx context.Context, sess Session) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	sessions := pgIdent(s.schema, "qr_sessions")
	lockKey := fmt.Sprintf("qr_sessions:%d:%s", sess.ClassID, sess.Day.Format(DayLayout))

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, lockKey); err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+sessions+`
		    SET is_active = FALSE
		  WHERE class_id = $1 AND session_date = $2 AND is_active`,
		sess.ClassID, sess.Day,
	); err != nil {
		return fmt.Errorf("deactivate sessions: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+sessions+` (id, class_id, token_hash, session_date, created_at, expires_at, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6, TRUE)`,
		sess.ID, sess.ClassID, sess.TokenHash, sess.Day, sess.CreatedAt, sess.ExpiresAt,
	); err != nil {
		return fmt.Errorf("insert session: %w", classifyPG(err))
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) FindActive(ctx context.Context, classID int64, tokenHash string, now time.Time) (Session, error) {
	var out Session
	err := s.pool.QueryRow(ctx,
		`SELECT id, class_id, token_hash, session_date, created_at, expires_at, is_active
		   FROM `+pgIdent(s.schema, "qr_sessions")+`
		  WHERE class_id = $1 AND token_hash = $2 AND is_active AND expires_at > $3`,
		classID, tokenHash, now,
	).Scan(&out.ID, &out.ClassID, &out.TokenHash, &out.Day, &out.CreatedAt, &out.ExpiresAt, &out.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, err
	}
	out.Day = DayOf(out.Day, time.UTC)
	out.CreatedAt = out.CreatedAt.UTC()
	out.ExpiresAt = out.ExpiresAt.UTC()
	return out, nil
}

func (s *PostgresStore) InsertMark(ctx context.Context, m Mark) (InsertResult, error) {
	var markedAt time.Time
	err := s.pool.QueryRow(ctx,
		`INSERT INTO `+pgIdent(s.schema, "attendance_marks")+`
		     (class_id, student_id, session_date, status, marked_by, marked_at, session_id)
		 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))
		 ON CONFLICT ON CONSTRAINT `+marksUniqueName+` DO NOTHING
		 RETURNING marked_at`,
		m.ClassID, m.StudentID, m.Day, string(m.Status), string(m.MarkedBy), m.MarkedAt, m.SessionID,
	).Scan(&markedAt)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return InsertResult{Mark: m, Duplicate: true}, nil
	case err != nil:
		if isPGUnique(err) {
			return InsertResult{Mark: m, Duplicate: true}, nil
		}
		return InsertResult{}, classifyPG(err)
	}

	m.MarkedAt = markedAt.UTC()
	return InsertResult{Mark: m}, nil
}

func (s *PostgresStore) UpsertMark(ctx context.Context, m Mark) (Mark, error) {
	var (
		status, markedBy string
		markedAt         time.Time
		sessionID        *string
	)
	err := s.pool.QueryRow(ctx,
		`INSERT INTO `+pgIdent(s.schema, "attendance_marks")+`
		     (class_id, student_id, session_date, status, marked_by, marked_at, session_id)
		 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))
		 ON CONFLICT ON CONSTRAINT `+marksUniqueName+` DO UPDATE SET
		     status    = EXCLUDED.status,
		     marked_by = EXCLUDED.marked_by,
		     marked_at = EXCLUDED.marked_at
		 RETURNING status, marked_by, marked_at, session_id`,
		m.ClassID, m.StudentID, m.Day, string(m.Status), string(m.MarkedBy), m.MarkedAt, m.SessionID,
	).Scan(&status, &markedBy, &markedAt, &sessionID)
	if err != nil {
		return Mark{}, classifyPG(err)
	}

	m.Status = Status(status)
	m.MarkedBy = MarkedBy(markedBy)
	m.MarkedAt = markedAt.UTC()
	m.SessionID = ""
	if sessionID != nil {
		m.SessionID = *sessionID
	}
	return m, nil
}

func (s *PostgresStore) ListDay(ctx context.Context, classID int64, day time.Time) ([]Mark, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT student_id, status, marked_by, marked_at, COALESCE(session_id, '')
		   FROM `+pgIdent(s.schema, "attendance_marks")+`
		  WHERE class_id = $1 AND session_date = $2
		  ORDER BY student_id`,
		classID, day,
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
		)
		if err := rows.Scan(&m.StudentID, &status, &markedBy, &m.MarkedAt, &m.SessionID); err != nil {
			return nil, err
		}
		m.ClassID = classID
		m.Day = day
		m.Status = Status(status)
		m.MarkedBy = MarkedBy(markedBy)
		m.MarkedAt = m.MarkedAt.UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountSince(ctx context.Context, classID int64, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+pgIdent(s.schema, "attendance_marks")+` WHERE class_id = $1 AND marked_at > $2`,
		classID, since,
	).Scan(&n)
	return n, err
}

func (s *PostgresStore) IsOwner(ctx context.Context, classID, teacherID int64) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM `+pgIdent(s.schema, "classes")+` WHERE id = $1 AND teacher_id = $2)`,
		classID, teacherID,
	).Scan(&ok)
	return ok, err
}

func (s *PostgresStore) IsEnrolled(ctx context.Context, classID, studentID int64) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM `+pgIdent(s.schema, "enrollments")+` WHERE class_id = $1 AND student_id = $2)`,
		classID, studentID,
	).Scan(&ok)
	return ok, err
}

func (s *PostgresStore) Roster(ctx context.Context, classID int64) ([]Student, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT u.id, u.name
		   FROM `+pgIdent(s.schema, "enrollments")+` e
		   JOIN `+pgIdent(s.schema, "users")+` u ON u.id = e.student_id
		  WHERE e.class_id = $1
		  ORDER BY u.name, u.id`,
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

func isPGUnique(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// classifyPG tags integrity-constraint failures (SQLSTATE class 23).
func classifyPG(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "23") {
		return fmt.Errorf("%w: %s (%s)", ErrConstraintViolation, pgErr.ConstraintName, pgErr.Code)
	}
	return err
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
