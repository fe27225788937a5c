package attendance

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"rollcall/cmd/ids"
	"rollcall/cmd/internal/clock"
	"rollcall/cmd/security/token"
)

const (
	DefaultValidity = 5 * time.Second
	DefaultRotation = 5 * time.Second

	redeemPath = "/mark-attendance"
)

// Observer receives successful redemptions for burst analysis. It must not
// block for long and must not fail the redemption.
type Observer interface {
	Observe(ctx context.Context, classID int64, at time.Time)
}

// Recorder receives operational counters.
type Recorder interface {
	SessionIssued()
	Redeemed(outcome Outcome)
	ManualMarked(status Status)
}

type nopObserver struct{}

func (nopObserver) Observe(context.Context, int64, time.Time) {}

type nopRecorder struct{}

func (nopRecorder) SessionIssued() {}
func (nopRecorder) Redeemed(Outcome) {}
func (nopRecorder) ManualMarked(Status) {}

// Verifier issues sessions and validates redemptions against Store.
type Verifier struct {
	store    Store
	clock    clock.Clock
	hasher   token.Hasher
	observer Observer
	metrics  Recorder
	log      *slog.Logger

	validity time.Duration
	rotation time.Duration
	loc      *time.Location
	baseURL  string
}

// Option configures the Verifier.
type Option func(*Verifier) error

func WithClock(c clock.Clock) Option {
	return func(v *Verifier) error {
		if c == nil {
			return ErrInvalidInput
		}
		v.clock = c
		return nil
	}
}

// WithWindows sets how long a session accepts redemptions and how often the
// issuing client is told to rotate.
func WithWindows(validity, rotation time.Duration) Option {
	return func(v *Verifier) error {
		if validity <= 0 || rotation <= 0 {
			return ErrInvalidInput
		}
		v.validity = validity
		v.rotation = rotation
		return nil
	}
}

// WithLocation sets the time zone that decides calendar-day boundaries.
func WithLocation(loc *time.Location) Option {
	return func(v *Verifier) error {
		if loc == nil {
			return ErrInvalidInput
		}
		v.loc = loc
		return nil
	}
}

// WithBaseURL sets the prefix of redemption links, e.g. "https://attend.example.edu".
func WithBaseURL(base string) Option {
	return func(v *Verifier) error {
		v.baseURL = strings.TrimRight(strings.TrimSpace(base), "/")
		return nil
	}
}

func WithHasher(h token.Hasher) Option {
	return func(v *Verifier) error {
		v.hasher = h
		return nil
	}
}

func WithObserver(o Observer) Option {
	return func(v *Verifier) error {
		if o != nil {
			v.observer = o
		}
		return nil
	}
}

func WithRecorder(r Recorder) Option {
	return func(v *Verifier) error {
		if r != nil {
			v.metrics = r
		}
		return nil
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(v *Verifier) error {
		if log != nil {
			v.log = log
		}
		return nil
	}
}

// NewVerifier constructs a Verifier with 5s validity and rotation, UTC days,
// and SHA-256 token digests unless overridden.
func NewVerifier(store Store, opts ...Option) (*Verifier, error) {
	if store == nil {
		return nil, ErrInvalidInput
	}
	v := &Verifier{
		store:    store,
		clock:    clock.System{},
		observer: nopObserver{},
		metrics:  nopRecorder{},
		log:      slog.Default(),
		validity: DefaultValidity,
		rotation: DefaultRotation,
		loc:      time.UTC,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(v); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// Validity returns the configured session lifetime.
func (v *Verifier) Validity() time.Duration { return v.validity }

// Today returns the current calendar day in the configured location.
func (v *Verifier) Today() time.Time { return DayOf(v.clock.Now(), v.loc) }

// IssueInput describes a session request.
type IssueInput struct {
	ClassID  int64
	IssuerID int64
}

// Issued is a freshly minted session plus what the issuing client needs to render it.
type Issued struct {
	Session       Session
	RedemptionURL string
	Validity      time.Duration
	RotateAfter   time.Duration
}

// Issue mints a new session for in.ClassID, invalidating every earlier session
// of that class for today. The issuer must own the class.
func (v *Verifier) Issue(ctx context.Context, in IssueInput) (Issued, error) {
	const op = "attendance.Issue"
	// Writes run to completion even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	if in.ClassID <= 0 || in.IssuerID <= 0 {
		return Issued{}, OpError{Op: op, Kind: ErrInvalidInput}
	}

	owner, err := v.store.IsOwner(ctx, in.ClassID, in.IssuerID)
	if err != nil {
		return Issued{}, storageErr(op, err)
	}
	if !owner {
		return Issued{}, OpError{Op: op, Kind: ErrUnauthorized}
	}

	now := v.clock.Now()

	tok, err := ids.NewToken()
	if err != nil {
		return Issued{}, err
	}
	id, err := ids.NewULID(now)
	if err != nil {
		return Issued{}, err
	}

	s := Session{
		ID:        id,
		ClassID:   in.ClassID,
		Token:     tok,
		TokenHash: v.hasher.Hash(tok),
		Day:       DayOf(now, v.loc),
		CreatedAt: now,
		ExpiresAt: now.Add(v.validity),
		Active:    true,
	}

	if err := v.store.ReplaceActive(ctx, s); err != nil {
		return Issued{}, storageErr(op, err)
	}

	v.metrics.SessionIssued()
	v.log.Info("attendance.session.issued",
		"class_id", in.ClassID,
		"issuer_id", in.IssuerID,
		"session_id", s.ID,
		"expires_at", s.ExpiresAt,
	)

	return Issued{
		Session:       s,
		RedemptionURL: RedemptionURL(v.baseURL, tok, in.ClassID),
		Validity:      v.validity,
		RotateAfter:   v.rotation,
	}, nil
}

// RedeemInput is a scan presented by a student.
type RedeemInput struct {
	ClassID   int64
	StudentID int64
	Token     string
}

// RedeemResult carries the outcome and, for Marked, the persisted mark.
type RedeemResult struct {
	Outcome Outcome
	Mark    *Mark
}

// Redeem validates a scan. Checks run in order and the first failing one
// decides the outcome: enrollment, then session validity, then the ledger's
// uniqueness constraint. Errors are returned only for bad input and storage faults.
func (v *Verifier) Redeem(ctx context.Context, in RedeemInput) (RedeemResult, error) {
	const op = "attendance.Redeem"
	// Writes run to completion even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	tok := strings.TrimSpace(in.Token)
	if in.ClassID <= 0 || in.StudentID <= 0 || tok == "" {
		return RedeemResult{}, OpError{Op: op, Kind: ErrInvalidInput}
	}

	enrolled, err := v.store.IsEnrolled(ctx, in.ClassID, in.StudentID)
	if err != nil {
		return RedeemResult{}, storageErr(op, err)
	}
	if !enrolled {
		return v.finish(in, OutcomeNotEnrolled, nil), nil
	}

	now := v.clock.Now()

	s, err := v.store.FindActive(ctx, in.ClassID, v.hasher.Hash(tok), now)
	if errors.Is(err, ErrSessionNotFound) {
		return v.finish(in, OutcomeInvalidOrExpired, nil), nil
	}
	if err != nil {
		return RedeemResult{}, storageErr(op, err)
	}
	if !s.ValidAt(now) {
		return v.finish(in, OutcomeInvalidOrExpired, nil), nil
	}

	res, err := v.store.InsertMark(ctx, Mark{
		ClassID:   in.ClassID,
		StudentID: in.StudentID,
		Day:       s.Day,
		Status:    StatusPresent,
		MarkedBy:  MarkedByQR,
		MarkedAt:  now,
		SessionID: s.ID,
	})
	if err != nil {
		return RedeemResult{}, storageErr(op, err)
	}
	if res.Duplicate {
		return v.finish(in, OutcomeAlreadyMarked, nil), nil
	}

	v.observer.Observe(ctx, in.ClassID, now)

	m := res.Mark
	return v.finish(in, OutcomeMarked, &m), nil
}

func (v *Verifier) finish(in RedeemInput, outcome Outcome, m *Mark) RedeemResult {
	v.metrics.Redeemed(outcome)
	v.log.Info("attendance.redeem",
		"class_id", in.ClassID,
		"student_id", in.StudentID,
		"outcome", string(outcome),
	)
	return RedeemResult{Outcome: outcome, Mark: m}
}

// ManualInput is a teacher override for one student on one day.
type ManualInput struct {
	ClassID   int64
	TeacherID int64
	StudentID int64
	Status    Status
	// Day defaults to today when zero.
	Day time.Time
}

// MarkManual records or overwrites a mark on behalf of the class owner.
func (v *Verifier) MarkManual(ctx context.Context, in ManualInput) (Mark, error) {
	const op = "attendance.MarkManual"
	// Writes run to completion even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	if in.ClassID <= 0 || in.TeacherID <= 0 || in.StudentID <= 0 {
		return Mark{}, OpError{Op: op, Kind: ErrInvalidInput}
	}
	if in.Status != StatusPresent && in.Status != StatusAbsent {
		return Mark{}, OpError{Op: op, Kind: ErrInvalidInput}
	}

	owner, err := v.store.IsOwner(ctx, in.ClassID, in.TeacherID)
	if err != nil {
		return Mark{}, storageErr(op, err)
	}
	if !owner {
		return Mark{}, OpError{Op: op, Kind: ErrUnauthorized}
	}

	enrolled, err := v.store.IsEnrolled(ctx, in.ClassID, in.StudentID)
	if err != nil {
		return Mark{}, storageErr(op, err)
	}
	if !enrolled {
		return Mark{}, OpError{Op: op, Kind: ErrNotEnrolled}
	}

	now := v.clock.Now()
	day := in.Day
	if day.IsZero() {
		day = DayOf(now, v.loc)
	}

	m, err := v.store.UpsertMark(ctx, Mark{
		ClassID:   in.ClassID,
		StudentID: in.StudentID,
		Day:       day,
		Status:    in.Status,
		MarkedBy:  MarkedByManual,
		MarkedAt:  now,
	})
	if err != nil {
		return Mark{}, storageErr(op, err)
	}

	v.metrics.ManualMarked(in.Status)
	v.log.Info("attendance.manual",
		"class_id", in.ClassID,
		"teacher_id", in.TeacherID,
		"student_id", in.StudentID,
		"status", string(in.Status),
		"date", day.Format(DayLayout),
	)
	return m, nil
}

// DayInput selects a class day view.
type DayInput struct {
	ClassID   int64
	TeacherID int64
	// Day defaults to today when zero.
	Day time.Time
}

// RosterEntry is one enrolled student's standing for a day. Students without a
// mark are reported absent with Marked=false.
type RosterEntry struct {
	Student  Student
	Marked   bool
	Status   Status
	MarkedBy MarkedBy
	MarkedAt time.Time
}

// ListDay returns every enrolled student with their mark for the day, in roster order.
func (v *Verifier) ListDay(ctx context.Context, in DayInput) ([]RosterEntry, time.Time, error) {
	const op = "attendance.ListDay"

	if in.ClassID <= 0 || in.TeacherID <= 0 {
		return nil, time.Time{}, OpError{Op: op, Kind: ErrInvalidInput}
	}

	owner, err := v.store.IsOwner(ctx, in.ClassID, in.TeacherID)
	if err != nil {
		return nil, time.Time{}, storageErr(op, err)
	}
	if !owner {
		return nil, time.Time{}, OpError{Op: op, Kind: ErrUnauthorized}
	}

	day := in.Day
	if day.IsZero() {
		day = v.Today()
	}

	roster, err := v.store.Roster(ctx, in.ClassID)
	if err != nil {
		return nil, time.Time{}, storageErr(op, err)
	}
	marks, err := v.store.ListDay(ctx, in.ClassID, day)
	if err != nil {
		return nil, time.Time{}, storageErr(op, err)
	}

	byStudent := make(map[int64]Mark, len(marks))
	for _, m := range marks {
		byStudent[m.StudentID] = m
	}

	out := make([]RosterEntry, 0, len(roster))
	for _, st := range roster {
		e := RosterEntry{Student: st, Status: StatusAbsent}
		if m, ok := byStudent[st.ID]; ok {
			e.Marked = true
			e.Status = m.Status
			e.MarkedBy = m.MarkedBy
			e.MarkedAt = m.MarkedAt
		}
		out = append(out, e)
	}
	return out, day, nil
}

// RedemptionURL builds the link encoded into the displayed code.
func RedemptionURL(base, tok string, classID int64) string {
	q := url.Values{}
	q.Set("token", tok)
	q.Set("classId", strconv.FormatInt(classID, 10))
	return strings.TrimRight(base, "/") + redeemPath + "?" + q.Encode()
}
