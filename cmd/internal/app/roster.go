package app

import (
	"context"
	"strconv"

	"rollcall/cmd/internal/attendance"
)

// classRoster exposes the enrollment directory to the relay as presence identities.
type classRoster struct {
	dir attendance.EnrollmentDirectory
}

func (c classRoster) Members(ctx context.Context, classID int64) ([]string, error) {
	students, err := c.dir.Roster(ctx, classID)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(students))
	for _, s := range students {
		out = append(out, strconv.FormatInt(s.ID, 10))
	}
	return out, nil
}
