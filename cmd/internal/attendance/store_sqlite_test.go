package attendance

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSQLiteStore_ActiveSessionUniquePerDay(t *testing.T) {
	st, db := newSeededSQLite(t)
	ctx := context.Background()
	day := DayOf(testStart, time.UTC)

	for i, id := range []string{"01JNSESSIONAAAAAAAAAAAAAAA", "01JNSESSIONBBBBBBBBBBBBBBB"} {
		err := st.ReplaceActive(ctx, Session{
			ID:        id,
			ClassID:   classID,
			TokenHash: "hash-" + id,
			Day:       day,
			CreatedAt: testStart.Add(time.Duration(i) * time.Second),
			ExpiresAt: testStart.Add(time.Minute),
			Active:    true,
		})
		if err != nil {
			t.Fatalf("ReplaceActive #%d: %v", i, err)
		}
	}

	var active int
	if err := db.QueryRow(`SELECT COUNT(*) FROM qr_sessions WHERE class_id = ? AND is_active = 1`, classID).Scan(&active); err != nil {
		t.Fatalf("count: %v", err)
	}
	if active != 1 {
		t.Fatalf("active sessions=%d want 1", active)
	}

	// The partial unique index rejects a second active row written behind the store's back.
	_, err := db.Exec(`INSERT INTO qr_sessions(id, class_id, token_hash, session_date, created_at_ms, expires_at_ms, is_active)
		VALUES ('rogue', ?, 'rogue-hash', ?, 0, 0, 1)`, classID, day.Format(DayLayout))
	if err == nil {
		t.Fatalf("expected unique index violation")
	}
	if !isSQLiteUnique(err) {
		t.Fatalf("expected unique classification, got %v", err)
	}
}

func TestSQLiteStore_InsertMarkDuplicate(t *testing.T) {
	st, _ := newSeededSQLite(t)
	ctx := context.Background()

	m := Mark{
		ClassID:   classID,
		StudentID: studentA,
		Day:       DayOf(testStart, time.UTC),
		Status:    StatusPresent,
		MarkedBy:  MarkedByQR,
		MarkedAt:  testStart,
	}

	first, err := st.InsertMark(ctx, m)
	if err != nil || first.Duplicate {
		t.Fatalf("first insert=%+v err=%v", first, err)
	}
	second, err := st.InsertMark(ctx, m)
	if err != nil || !second.Duplicate {
		t.Fatalf("second insert=%+v err=%v want duplicate", second, err)
	}

	// A different day is a different ledger key.
	m.Day = m.Day.AddDate(0, 0, 1)
	third, err := st.InsertMark(ctx, m)
	if err != nil || third.Duplicate {
		t.Fatalf("next-day insert=%+v err=%v", third, err)
	}

	n, err := st.CountSince(ctx, classID, testStart.Add(-time.Second))
	if err != nil || n != 2 {
		t.Fatalf("CountSince=%d,%v want 2", n, err)
	}
	n, err = st.CountSince(ctx, classID, testStart)
	if err != nil || n != 0 {
		t.Fatalf("CountSince(strict)=%d,%v want 0", n, err)
	}
}

func TestSQLiteStore_ConstraintViolationIsNotDuplicate(t *testing.T) {
	st, _ := newSeededSQLite(t)

	_, err := st.InsertMark(context.Background(), Mark{
		ClassID:   9999,
		StudentID: studentA,
		Day:       DayOf(testStart, time.UTC),
		Status:    StatusPresent,
		MarkedBy:  MarkedByQR,
		MarkedAt:  testStart,
	})
	if !errors.Is(err, ErrConstraintViolation) {
		t.Fatalf("err=%v want ErrConstraintViolation", err)
	}
}

func TestSQLiteStore_Directories(t *testing.T) {
	st, _ := newSeededSQLite(t)
	ctx := context.Background()

	cases := []struct {
		name string
		fn   func() (bool, error)
		want bool
	}{
		{"owner", func() (bool, error) { return st.IsOwner(ctx, classID, teacherID) }, true},
		{"not owner", func() (bool, error) { return st.IsOwner(ctx, classID, studentA) }, false},
		{"enrolled", func() (bool, error) { return st.IsEnrolled(ctx, classID, studentB) }, true},
		{"outsider", func() (bool, error) { return st.IsEnrolled(ctx, classID, outsider) }, false},
	}
	for _, tc := range cases {
		got, err := tc.fn()
		if err != nil || got != tc.want {
			t.Fatalf("%s: got=%v err=%v want=%v", tc.name, got, err, tc.want)
		}
	}

	roster, err := st.Roster(ctx, classID)
	if err != nil {
		t.Fatalf("Roster: %v", err)
	}
	if len(roster) != 2 || roster[0].ID != studentA || roster[1].ID != studentB {
		t.Fatalf("roster=%+v", roster)
	}
}
