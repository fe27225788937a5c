package attendance

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"rollcall/cmd/internal/clock"
	"rollcall/cmd/internal/sqlitedb"
	"rollcall/cmd/security/token"
)

const (
	teacherID = sqlitedb.DevTeacherID
	classID   = sqlitedb.DevClassID
	studentA  = sqlitedb.DevStudentA
	studentB  = sqlitedb.DevStudentB
	outsider  = sqlitedb.DevOutsider
)

func TestVerifier_Scenario(t *testing.T) {
	st, _ := newSeededSQLite(t)
	clk := clock.NewManual(testStart)
	v := newTestVerifier(t, st, clk)

	issued := mustIssue(t, v, classID, teacherID)
	if issued.Validity != 5*time.Second {
		t.Fatalf("validity=%v want 5s", issued.Validity)
	}
	if !issued.Session.ExpiresAt.Equal(testStart.Add(5 * time.Second)) {
		t.Fatalf("expires_at=%v", issued.Session.ExpiresAt)
	}
	tok := issued.Session.Token

	clk.Set(testStart.Add(2 * time.Second))
	if got := mustRedeem(t, v, classID, studentA, tok); got != OutcomeMarked {
		t.Fatalf("t=2 outcome=%s want marked", got)
	}

	clk.Set(testStart.Add(3 * time.Second))
	if got := mustRedeem(t, v, classID, studentA, tok); got != OutcomeAlreadyMarked {
		t.Fatalf("t=3 outcome=%s want already_marked", got)
	}

	clk.Set(testStart.Add(6 * time.Second))
	if got := mustRedeem(t, v, classID, studentB, tok); got != OutcomeInvalidOrExpired {
		t.Fatalf("t=6 outcome=%s want invalid_or_expired", got)
	}
}

func TestVerifier_ConcurrentRedeemExactlyOneMarked(t *testing.T) {
	st, db := newSeededSQLite(t)
	clk := clock.NewManual(testStart)
	v := newTestVerifier(t, st, clk, WithWindows(time.Minute, time.Minute))

	tok := mustIssue(t, v, classID, teacherID).Session.Token

	const n = 64
	var (
		wg       sync.WaitGroup
		start    = make(chan struct{})
		outcomes = make(chan Outcome, n)
		errs     = make(chan error, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := v.Redeem(context.Background(), RedeemInput{ClassID: classID, StudentID: studentA, Token: tok})
			if err != nil {
				errs <- err
				return
			}
			outcomes <- res.Outcome
		}()
	}
	close(start)
	wg.Wait()
	close(outcomes)
	close(errs)

	for err := range errs {
		t.Fatalf("redeem error: %v", err)
	}

	counts := map[Outcome]int{}
	for o := range outcomes {
		counts[o]++
	}
	if counts[OutcomeMarked] != 1 {
		t.Fatalf("marked=%d want exactly 1 (%v)", counts[OutcomeMarked], counts)
	}
	if counts[OutcomeAlreadyMarked] != n-1 {
		t.Fatalf("already_marked=%d want %d (%v)", counts[OutcomeAlreadyMarked], n-1, counts)
	}
	if got := countMarks(t, db, classID, studentA); got != 1 {
		t.Fatalf("ledger rows=%d want 1", got)
	}
}

func TestVerifier_ExpiredAtBoundary(t *testing.T) {
	st, _ := newSeededSQLite(t)
	clk := clock.NewManual(testStart)
	v := newTestVerifier(t, st, clk)

	issued := mustIssue(t, v, classID, teacherID)

	clk.Set(issued.Session.ExpiresAt)
	if got := mustRedeem(t, v, classID, studentA, issued.Session.Token); got != OutcomeInvalidOrExpired {
		t.Fatalf("at expires_at outcome=%s want invalid_or_expired", got)
	}

	clk.Set(issued.Session.ExpiresAt.Add(-time.Millisecond))
	if got := mustRedeem(t, v, classID, studentA, issued.Session.Token); got != OutcomeMarked {
		t.Fatalf("just before expiry outcome=%s want marked", got)
	}
}

func TestVerifier_RedeemSurvivesCallerCancel(t *testing.T) {
	st, _ := newSeededSQLite(t)
	clk := clock.NewManual(testStart)
	v := newTestVerifier(t, st, clk)

	tok := mustIssue(t, v, classID, teacherID).Session.Token

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := v.Redeem(ctx, RedeemInput{ClassID: classID, StudentID: studentA, Token: tok})
	if err != nil {
		t.Fatalf("Redeem with canceled ctx: %v", err)
	}
	if res.Outcome != OutcomeMarked {
		t.Fatalf("outcome=%s want marked", res.Outcome)
	}
}

func TestVerifier_IssueDeactivatesPrior(t *testing.T) {
	st, _ := newSeededSQLite(t)
	clk := clock.NewManual(testStart)
	v := newTestVerifier(t, st, clk, WithWindows(time.Minute, time.Minute))

	a := mustIssue(t, v, classID, teacherID)
	clk.Advance(time.Second)
	b := mustIssue(t, v, classID, teacherID)

	if a.Session.Token == b.Session.Token {
		t.Fatalf("tokens must differ")
	}
	if got := mustRedeem(t, v, classID, studentA, a.Session.Token); got != OutcomeInvalidOrExpired {
		t.Fatalf("old token outcome=%s want invalid_or_expired", got)
	}
	if got := mustRedeem(t, v, classID, studentA, b.Session.Token); got != OutcomeMarked {
		t.Fatalf("new token outcome=%s want marked", got)
	}
}

func TestVerifier_NotEnrolledRegardlessOfToken(t *testing.T) {
	st, _ := newSeededSQLite(t)
	clk := clock.NewManual(testStart)
	v := newTestVerifier(t, st, clk)

	valid := mustIssue(t, v, classID, teacherID).Session.Token

	for _, tok := range []string{valid, "not-a-real-token"} {
		if got := mustRedeem(t, v, classID, outsider, tok); got != OutcomeNotEnrolled {
			t.Fatalf("token=%q outcome=%s want not_enrolled", tok, got)
		}
	}

	clk.Advance(time.Hour)
	if got := mustRedeem(t, v, classID, outsider, valid); got != OutcomeNotEnrolled {
		t.Fatalf("expired token outcome=%s want not_enrolled", got)
	}
}

func TestVerifier_TokenScopedToClass(t *testing.T) {
	st, db := newSeededSQLite(t)
	ctx := context.Background()

	if _, err := db.ExecContext(ctx, `INSERT INTO classes(id, name, teacher_id, created_at_ms) VALUES (8, 'Compilers', ?, 0)`, teacherID); err != nil {
		t.Fatalf("insert class: %v", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO enrollments(class_id, student_id) VALUES (8, ?)`, studentA); err != nil {
		t.Fatalf("insert enrollment: %v", err)
	}

	v := newTestVerifier(t, st, clock.NewManual(testStart))
	tok := mustIssue(t, v, classID, teacherID).Session.Token

	if got := mustRedeem(t, v, 8, studentA, tok); got != OutcomeInvalidOrExpired {
		t.Fatalf("cross-class outcome=%s want invalid_or_expired", got)
	}
}

func TestVerifier_IssueUnauthorized(t *testing.T) {
	st, _ := newSeededSQLite(t)
	v := newTestVerifier(t, st, clock.NewManual(testStart))

	_, err := v.Issue(context.Background(), IssueInput{ClassID: classID, IssuerID: studentA})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err=%v want ErrUnauthorized", err)
	}
	var opErr OpError
	if !errors.As(err, &opErr) || opErr.Op != "attendance.Issue" {
		t.Fatalf("expected OpError with op attendance.Issue, got %#v", err)
	}
}

func TestVerifier_InvalidInput(t *testing.T) {
	st, _ := newSeededSQLite(t)
	v := newTestVerifier(t, st, clock.NewManual(testStart))
	ctx := context.Background()

	cases := []RedeemInput{
		{ClassID: 0, StudentID: studentA, Token: "x"},
		{ClassID: classID, StudentID: 0, Token: "x"},
		{ClassID: classID, StudentID: studentA, Token: "   "},
	}
	for _, in := range cases {
		if _, err := v.Redeem(ctx, in); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("Redeem(%+v) err=%v want ErrInvalidInput", in, err)
		}
	}
	if _, err := v.Issue(ctx, IssueInput{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("Issue err=%v want ErrInvalidInput", err)
	}
}

func TestVerifier_TokenStoredAsDigest(t *testing.T) {
	st, db := newSeededSQLite(t)
	key := []byte("0123456789abcdef0123456789abcdef")
	v := newTestVerifier(t, st, clock.NewManual(testStart), WithHasher(token.NewHasher(key)))

	issued := mustIssue(t, v, classID, teacherID)

	var stored string
	if err := db.QueryRow(`SELECT token_hash FROM qr_sessions WHERE id = ?`, issued.Session.ID).Scan(&stored); err != nil {
		t.Fatalf("read session: %v", err)
	}
	if stored == issued.Session.Token {
		t.Fatalf("plaintext token persisted")
	}
	if stored != token.HashHMACSHA256Hex(issued.Session.Token, key) {
		t.Fatalf("stored digest mismatch")
	}
}

func TestVerifier_RedemptionURL(t *testing.T) {
	st, _ := newSeededSQLite(t)
	v := newTestVerifier(t, st, clock.NewManual(testStart))

	issued := mustIssue(t, v, classID, teacherID)

	u, err := url.Parse(issued.RedemptionURL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	if u.Host != "attend.example.edu" || u.Path != "/mark-attendance" {
		t.Fatalf("unexpected url %q", issued.RedemptionURL)
	}
	if u.Query().Get("token") != issued.Session.Token || u.Query().Get("classId") != "7" {
		t.Fatalf("unexpected query %q", u.RawQuery)
	}
}

type recordingObserver struct {
	mu    sync.Mutex
	calls []int64
}

func (o *recordingObserver) Observe(_ context.Context, classID int64, _ time.Time) {
	o.mu.Lock()
	o.calls = append(o.calls, classID)
	o.mu.Unlock()
}

func TestVerifier_ObserverSeesOnlyMarked(t *testing.T) {
	st, _ := newSeededSQLite(t)
	obs := &recordingObserver{}
	v := newTestVerifier(t, st, clock.NewManual(testStart), WithObserver(obs))

	tok := mustIssue(t, v, classID, teacherID).Session.Token
	mustRedeem(t, v, classID, studentA, tok)
	mustRedeem(t, v, classID, studentA, tok)
	mustRedeem(t, v, classID, outsider, tok)
	mustRedeem(t, v, classID, studentB, "bogus")

	if len(obs.calls) != 1 || obs.calls[0] != classID {
		t.Fatalf("observer calls=%v want [%d]", obs.calls, classID)
	}
}

func TestVerifier_MarkManualOverridesQR(t *testing.T) {
	st, _ := newSeededSQLite(t)
	clk := clock.NewManual(testStart)
	v := newTestVerifier(t, st, clk)
	ctx := context.Background()

	tok := mustIssue(t, v, classID, teacherID).Session.Token
	mustRedeem(t, v, classID, studentA, tok)

	clk.Advance(time.Minute)
	m, err := v.MarkManual(ctx, ManualInput{ClassID: classID, TeacherID: teacherID, StudentID: studentA, Status: StatusAbsent})
	if err != nil {
		t.Fatalf("MarkManual: %v", err)
	}
	if m.Status != StatusAbsent || m.MarkedBy != MarkedByManual {
		t.Fatalf("mark=%+v", m)
	}
	if !m.MarkedAt.Equal(testStart.Add(time.Minute)) {
		t.Fatalf("marked_at=%v want override time", m.MarkedAt)
	}
	if m.SessionID == "" {
		t.Fatalf("override must keep the originating session id")
	}

	entries, day, err := v.ListDay(ctx, DayInput{ClassID: classID, TeacherID: teacherID})
	if err != nil {
		t.Fatalf("ListDay: %v", err)
	}
	if !day.Equal(DayOf(testStart, time.UTC)) {
		t.Fatalf("day=%v", day)
	}
	if len(entries) != 2 {
		t.Fatalf("entries=%d want 2", len(entries))
	}
	for _, e := range entries {
		switch e.Student.ID {
		case studentA:
			if !e.Marked || e.Status != StatusAbsent || e.MarkedBy != MarkedByManual {
				t.Fatalf("studentA entry=%+v", e)
			}
		case studentB:
			if e.Marked || e.Status != StatusAbsent {
				t.Fatalf("studentB entry=%+v", e)
			}
		default:
			t.Fatalf("unexpected student %d", e.Student.ID)
		}
	}
}

func TestVerifier_MarkManualRejections(t *testing.T) {
	st, _ := newSeededSQLite(t)
	v := newTestVerifier(t, st, clock.NewManual(testStart))
	ctx := context.Background()

	_, err := v.MarkManual(ctx, ManualInput{ClassID: classID, TeacherID: studentB, StudentID: studentA, Status: StatusPresent})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-owner err=%v want ErrUnauthorized", err)
	}

	_, err = v.MarkManual(ctx, ManualInput{ClassID: classID, TeacherID: teacherID, StudentID: outsider, Status: StatusPresent})
	if !errors.Is(err, ErrNotEnrolled) {
		t.Fatalf("outsider err=%v want ErrNotEnrolled", err)
	}

	_, err = v.MarkManual(ctx, ManualInput{ClassID: classID, TeacherID: teacherID, StudentID: studentA, Status: "late"})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("bad status err=%v want ErrInvalidInput", err)
	}

	if _, _, err := v.ListDay(ctx, DayInput{ClassID: classID, TeacherID: studentA}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("ListDay non-owner err=%v want ErrUnauthorized", err)
	}
}

func TestVerifier_DayUsesConfiguredLocation(t *testing.T) {
	st, _ := newSeededSQLite(t)
	loc := time.FixedZone("UTC-5", -5*3600)
	// 02:00 UTC on the 10th is still the 9th at UTC-5.
	clk := clock.NewManual(time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC))
	v := newTestVerifier(t, st, clk, WithLocation(loc))

	issued := mustIssue(t, v, classID, teacherID)
	if got := issued.Session.Day.Format(DayLayout); got != "2026-03-09" {
		t.Fatalf("session day=%s want 2026-03-09", got)
	}
}

type failingStore struct {
	Store
	err error
}

func (f failingStore) IsEnrolled(context.Context, int64, int64) (bool, error) { return false, f.err }
func (f failingStore) IsOwner(context.Context, int64, int64) (bool, error)    { return false, f.err }

func TestVerifier_StorageFaultsSurface(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection refused")
	v, err := NewVerifier(failingStore{err: boom}, WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	_, err = v.Redeem(context.Background(), RedeemInput{ClassID: 1, StudentID: 2, Token: "t"})
	if !IsStorageUnavailable(err) || !errors.Is(err, boom) {
		t.Fatalf("Redeem err=%v want storage unavailable wrapping cause", err)
	}

	_, err = v.Issue(context.Background(), IssueInput{ClassID: 1, IssuerID: 2})
	if !IsStorageUnavailable(err) {
		t.Fatalf("Issue err=%v want storage unavailable", err)
	}
}

func TestNewVerifier_RejectsBadOptions(t *testing.T) {
	t.Parallel()

	if _, err := NewVerifier(nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("nil store err=%v", err)
	}
	if _, err := NewVerifier(failingStore{}, WithWindows(0, time.Second)); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("zero validity err=%v", err)
	}
}

func TestDayOfAndParseDay(t *testing.T) {
	t.Parallel()

	got := DayOf(time.Date(2026, 3, 9, 23, 59, 59, 0, time.UTC), nil)
	if got.Format(DayLayout) != "2026-03-09" || got.Hour() != 0 {
		t.Fatalf("DayOf=%v", got)
	}

	d, err := ParseDay(" 2026-03-09 ")
	if err != nil || !d.Equal(got) {
		t.Fatalf("ParseDay=%v,%v want %v", d, err, got)
	}
	if _, err := ParseDay("09/03/2026"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("ParseDay bad err=%v", err)
	}
}
