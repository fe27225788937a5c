package v1

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ID is an identity-like value (user, class, room). Browsers send these as
// either JSON numbers or strings; both decode to the same ID. Numeric IDs
// are written back as numbers.
type ID string

func (id ID) String() string { return string(id) }

// Int64 parses a numeric ID.
func (id ID) Int64() (int64, error) {
	return strconv.ParseInt(string(id), 10, 64)
}

// IDFromInt64 formats a numeric identity.
func IDFromInt64(n int64) ID { return ID(strconv.FormatInt(n, 10)) }

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	if _, err := n.Int64(); err != nil {
		return fmt.Errorf("id must be an integer: %q", n.String())
	}
	*id = ID(n.String())
	return nil
}

func (id ID) MarshalJSON() ([]byte, error) {
	if id == "" {
		return []byte("null"), nil
	}
	if n, err := id.Int64(); err == nil && strconv.FormatInt(n, 10) == string(id) {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

// ---- Payloads ----

// RegisterPayload binds a connection to UserID.
type RegisterPayload struct {
	UserID ID `json:"userId"`
}

// DecodeRegister accepts either a bare identity (`42`, `"42"`) or a
// RegisterPayload object.
func DecodeRegister(raw json.RawMessage) (ID, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", errors.New("missing payload")
	}
	var id ID
	if raw[0] == '{' {
		var p RegisterPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return "", err
		}
		id = p.UserID
	} else if err := json.Unmarshal(raw, &id); err != nil {
		return "", err
	}
	if id == "" {
		return "", errors.New("missing field: userId")
	}
	return id, nil
}

// RegisteredPayload acknowledges the identity the connection is bound to.
type RegisteredPayload struct {
	UserID ID `json:"userId"`
}

// CallUserPayload is a direct invite.
type CallUserPayload struct {
	UserToCall ID              `json:"userToCall"`
	SignalData json.RawMessage `json:"signalData"`
	From       ID              `json:"from"`
	CallerName string          `json:"callerName"`
}

// IncomingCallPayload is the invite as seen by the callee.
type IncomingCallPayload struct {
	Signal json.RawMessage `json:"signal"`
	From   ID              `json:"from"`
	Name   string          `json:"name"`
}

// AnswerCallPayload is a direct answer.
type AnswerCallPayload struct {
	To     ID              `json:"to"`
	Signal json.RawMessage `json:"signal"`
}

// CallAcceptedPayload is the answer as seen by the caller.
type CallAcceptedPayload struct {
	Signal json.RawMessage `json:"signal"`
}

// StartClassCallPayload announces a class-wide call. ClassCallStarted
// carries the same fields.
type StartClassCallPayload struct {
	ClassID     ID     `json:"classId"`
	TeacherID   ID     `json:"teacherId"`
	RoomID      ID     `json:"roomId"`
	TeacherName string `json:"teacherName"`
}

type ClassCallStartedPayload = StartClassCallPayload

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
