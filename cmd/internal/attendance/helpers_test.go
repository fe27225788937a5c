package attendance

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"
	"time"

	"rollcall/cmd/internal/clock"
	"rollcall/cmd/internal/sqlitedb"
)

var testStart = time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newSeededSQLite returns a store over a private in-memory database holding the dev fixture.
func newSeededSQLite(t *testing.T) (*SQLiteStore, *sql.DB) {
	t.Helper()

	ctx := context.Background()
	db, err := sqlitedb.OpenMemory(ctx, "attendance_"+t.Name())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := sqlitedb.SeedDev(ctx, db); err != nil {
		_ = db.Close()
		t.Fatalf("seed: %v", err)
	}

	w := sqlitedb.NewWorker(db)
	t.Cleanup(func() {
		w.Close()
		_ = db.Close()
	})

	st, err := NewSQLiteStore(db, w)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	return st, db
}

func newTestVerifier(t *testing.T, st Store, clk clock.Clock, opts ...Option) *Verifier {
	t.Helper()

	base := []Option{
		WithClock(clk),
		WithLogger(discardLogger()),
		WithBaseURL("https://attend.example.edu"),
	}
	v, err := NewVerifier(st, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	return v
}

func mustIssue(t *testing.T, v *Verifier, classID, teacherID int64) Issued {
	t.Helper()

	out, err := v.Issue(context.Background(), IssueInput{ClassID: classID, IssuerID: teacherID})
	if err != nil {
		t.Fatalf("Issue(class=%d): %v", classID, err)
	}
	return out
}

func mustRedeem(t *testing.T, v *Verifier, classID, studentID int64, tok string) Outcome {
	t.Helper()

	res, err := v.Redeem(context.Background(), RedeemInput{ClassID: classID, StudentID: studentID, Token: tok})
	if err != nil {
		t.Fatalf("Redeem(class=%d student=%d): %v", classID, studentID, err)
	}
	return res.Outcome
}

func countMarks(t *testing.T, db *sql.DB, classID, studentID int64) int {
	t.Helper()

	var n int
	if err := db.QueryRow(
		`SELECT COUNT(*) FROM attendance_marks WHERE class_id = ? AND student_id = ?`,
		classID, studentID,
	).Scan(&n); err != nil {
		t.Fatalf("count marks: %v", err)
	}
	return n
}
