// Package attendanceapi exposes the session verifier over HTTP.
package attendanceapi

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"rollcall/cmd/internal/attendance"
	"rollcall/cmd/internal/auth"
	"rollcall/cmd/internal/httpx"

	"github.com/go-chi/chi/v5"
)

const defaultLoginPath = "/login.html"

// Handler wires the attendance endpoints to the Verifier.
type Handler struct {
	log      *slog.Logger
	verifier *attendance.Verifier
	authn    *auth.Verifier

	loginPath string
}

// HandlerOption configures optional handler behaviour.
type HandlerOption func(*Handler)

// WithLoginPath sets where unauthenticated redemption links are sent.
func WithLoginPath(p string) HandlerOption {
	return func(h *Handler) {
		if p = strings.TrimSpace(p); p != "" {
			h.loginPath = p
		}
	}
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, v *attendance.Verifier, authn *auth.Verifier, opts ...HandlerOption) (*Handler, error) {
	if v == nil {
		return nil, errors.New("attendanceapi: nil verifier")
	}
	if authn == nil {
		return nil, errors.New("attendanceapi: nil authenticator")
	}
	if log == nil {
		log = slog.Default()
	}

	h := &Handler{log: log, verifier: v, authn: authn, loginPath: defaultLoginPath}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h, nil
}

// Register mounts the endpoints on r.
func (h *Handler) Register(r chi.Router) {
	r.Get("/mark-attendance", h.handleRedeemLink)

	r.Group(func(r chi.Router) {
		r.Use(h.authn.Authenticate(h.log))

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireRole(auth.RoleTeacher))
			r.Post("/api/teacher/generate-qr", h.handleIssue)
			r.Post("/api/teacher/mark-manual", h.handleMarkManual)
			r.Get("/api/teacher/attendance/{classId}", h.handleDay)
		})

		r.With(auth.RequireRole(auth.RoleStudent)).Post("/api/student/scan-qr", h.handleScan)
	})
}

// ---- issue ----

type issueRequest struct {
	ClassID flexID `json:"classId"`
}

type issueResponse struct {
	Token              string    `json:"token"`
	ExpiresAt          time.Time `json:"expires_at"`
	ValiditySeconds    float64   `json:"validity_seconds"`
	RotateAfterSeconds float64   `json:"rotate_after_seconds"`
	RedemptionURL      string    `json:"redemption_url"`
}

func (h *Handler) handleIssue(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	var req issueRequest
	if err := httpx.DecodeJSON(w, r, httpx.DefaultMaxBody, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "body must be {\"classId\": <id>}")
		return
	}

	out, err := h.verifier.Issue(r.Context(), attendance.IssueInput{ClassID: int64(req.ClassID), IssuerID: id.UserID})
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, issueResponse{
		Token:              out.Session.Token,
		ExpiresAt:          out.Session.ExpiresAt,
		ValiditySeconds:    out.Validity.Seconds(),
		RotateAfterSeconds: out.RotateAfter.Seconds(),
		RedemptionURL:      out.RedemptionURL,
	})
}

// ---- redeem ----

type scanRequest struct {
	Token   string `json:"token"`
	ClassID flexID `json:"classId"`
}

type redeemResponse struct {
	Success  bool       `json:"success"`
	Outcome  string     `json:"outcome"`
	Message  string     `json:"message"`
	ClassID  int64      `json:"class_id"`
	Date     string     `json:"date,omitempty"`
	MarkedAt *time.Time `json:"marked_at,omitempty"`
}

func (h *Handler) handleScan(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	var req scanRequest
	if err := httpx.DecodeJSON(w, r, httpx.DefaultMaxBody, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "body must be {\"token\": ..., \"classId\": ...}")
		return
	}
	h.redeem(w, r, id, int64(req.ClassID), req.Token)
}

// handleRedeemLink serves the URL encoded in the displayed code. Phones open
// it in a browser, so a missing or stale credential becomes a login redirect
// that returns here afterwards.
func (h *Handler) handleRedeemLink(w http.ResponseWriter, r *http.Request) {
	id, err := h.authn.Verify(auth.CredentialFromRequest(r, false))
	if err != nil {
		target := h.loginPath + "?redirect=" + url.QueryEscape(r.URL.RequestURI())
		http.Redirect(w, r, target, http.StatusFound)
		return
	}
	if id.Role != auth.RoleStudent {
		httpx.WriteError(w, http.StatusForbidden, "forbidden", "requires role student")
		return
	}

	q := r.URL.Query()
	classID, _ := strconv.ParseInt(strings.TrimSpace(q.Get("classId")), 10, 64)
	h.redeem(w, r, id, classID, q.Get("token"))
}

func (h *Handler) redeem(w http.ResponseWriter, r *http.Request, id auth.Identity, classID int64, tok string) {
	res, err := h.verifier.Redeem(r.Context(), attendance.RedeemInput{
		ClassID:   classID,
		StudentID: id.UserID,
		Token:     tok,
	})
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	resp := redeemResponse{
		Success: res.Outcome == attendance.OutcomeMarked,
		Outcome: string(res.Outcome),
		Message: outcomeMessage(res.Outcome),
		ClassID: classID,
	}
	if res.Mark != nil {
		at := res.Mark.MarkedAt
		resp.MarkedAt = &at
		resp.Date = res.Mark.Day.Format(attendance.DayLayout)
	}
	httpx.WriteJSON(w, outcomeStatus(res.Outcome), resp)
}

func outcomeStatus(o attendance.Outcome) int {
	switch o {
	case attendance.OutcomeMarked:
		return http.StatusOK
	case attendance.OutcomeNotEnrolled:
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}

func outcomeMessage(o attendance.Outcome) string {
	switch o {
	case attendance.OutcomeMarked:
		return "Attendance marked successfully"
	case attendance.OutcomeAlreadyMarked:
		return "Attendance already marked for today"
	case attendance.OutcomeNotEnrolled:
		return "You are not enrolled in this class"
	default:
		return "Invalid or expired QR code"
	}
}

// ---- manual override ----

type manualRequest struct {
	ClassID   flexID `json:"classId"`
	StudentID flexID `json:"studentId"`
	Status    string `json:"status"`
	Date      string `json:"date,omitempty"`
}

type markDTO struct {
	ClassID   int64     `json:"class_id"`
	StudentID int64     `json:"student_id"`
	Date      string    `json:"date"`
	Status    string    `json:"status"`
	MarkedBy  string    `json:"marked_by"`
	MarkedAt  time.Time `json:"marked_at"`
}

func (h *Handler) handleMarkManual(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	var req manualRequest
	if err := httpx.DecodeJSON(w, r, httpx.DefaultMaxBody, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "body must be {\"classId\", \"studentId\", \"status\", \"date\"?}")
		return
	}
	status, err := attendance.ParseStatus(req.Status)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "status must be present or absent")
		return
	}
	day, ok := parseOptionalDay(w, req.Date)
	if !ok {
		return
	}

	m, err := h.verifier.MarkManual(r.Context(), attendance.ManualInput{
		ClassID:   int64(req.ClassID),
		TeacherID: id.UserID,
		StudentID: int64(req.StudentID),
		Status:    status,
		Day:       day,
	})
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, markDTO{
		ClassID:   m.ClassID,
		StudentID: m.StudentID,
		Date:      m.Day.Format(attendance.DayLayout),
		Status:    string(m.Status),
		MarkedBy:  string(m.MarkedBy),
		MarkedAt:  m.MarkedAt,
	})
}

// ---- day view ----

type dayEntry struct {
	StudentID int64      `json:"student_id"`
	Name      string     `json:"name"`
	Status    string     `json:"status"`
	Marked    bool       `json:"marked"`
	MarkedBy  *string    `json:"marked_by"`
	MarkedAt  *time.Time `json:"marked_at"`
}

type dayResponse struct {
	ClassID  int64      `json:"class_id"`
	Date     string     `json:"date"`
	Students []dayEntry `json:"students"`
}

func (h *Handler) handleDay(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	classID, err := strconv.ParseInt(chi.URLParam(r, "classId"), 10, 64)
	if err != nil || classID <= 0 {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "classId must be a positive integer")
		return
	}
	day, ok := parseOptionalDay(w, r.URL.Query().Get("date"))
	if !ok {
		return
	}

	entries, day, err := h.verifier.ListDay(r.Context(), attendance.DayInput{ClassID: classID, TeacherID: id.UserID, Day: day})
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	out := dayResponse{ClassID: classID, Date: day.Format(attendance.DayLayout), Students: make([]dayEntry, 0, len(entries))}
	for _, e := range entries {
		d := dayEntry{StudentID: e.Student.ID, Name: e.Student.Name, Status: string(e.Status), Marked: e.Marked}
		if e.Marked {
			by := string(e.MarkedBy)
			at := e.MarkedAt
			d.MarkedBy = &by
			d.MarkedAt = &at
		}
		out.Students = append(out.Students, d)
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

func parseOptionalDay(w http.ResponseWriter, raw string) (time.Time, bool) {
	if strings.TrimSpace(raw) == "" {
		return time.Time{}, true
	}
	day, err := attendance.ParseDay(raw)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "date must be YYYY-MM-DD")
		return time.Time{}, false
	}
	return day, true
}

// ---- errors ----

func (h *Handler) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, attendance.ErrInvalidInput):
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "missing or invalid fields")
	case errors.Is(err, attendance.ErrUnauthorized):
		httpx.WriteError(w, http.StatusForbidden, "unauthorized", "Unauthorized access to class")
	case errors.Is(err, attendance.ErrNotEnrolled):
		httpx.WriteError(w, http.StatusBadRequest, "not_enrolled", "student is not enrolled in this class")
	case errors.Is(err, attendance.ErrConstraintViolation):
		httpx.WriteError(w, http.StatusBadRequest, "constraint_violation", "request conflicts with stored data")
	case attendance.IsStorageUnavailable(err):
		h.log.Error("attendance.storage.fail", "path", r.URL.Path, "err", err)
		httpx.WriteError(w, http.StatusServiceUnavailable, "storage_unavailable", "attendance store unavailable")
	default:
		h.log.Error("attendance.internal", "path", r.URL.Path, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
