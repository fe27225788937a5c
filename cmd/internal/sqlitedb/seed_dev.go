package sqlitedb

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Demo fixture ids seeded by SeedDev.
const (
	DevTeacherID int64 = 1
	DevClassID   int64 = 7

	DevStudentA int64 = 42
	DevStudentB int64 = 99
	// DevOutsider exists as a student but is not enrolled in DevClassID.
	DevOutsider int64 = 100
)

// SeedDev inserts a teacher, one class, and a few students. It is idempotent.
func SeedDev(ctx context.Context, db *sql.DB) error {
	now := time.Now().UTC().UnixMilli()

	users := []struct {
		id   int64
		name string
		role string
	}{
		{DevTeacherID, "Demo Teacher", "teacher"},
		{DevStudentA, "Ada Student", "student"},
		{DevStudentB, "Grace Student", "student"},
		{DevOutsider, "Linus Outsider", "student"},
	}
	for _, u := range users {
		if _, err := db.ExecContext(ctx,
			`INSERT OR IGNORE INTO users(id, name, role, created_at_ms) VALUES (?, ?, ?, ?);`,
			u.id, u.name, u.role, now,
		); err != nil {
			return fmt.Errorf("seed user %d: %w", u.id, err)
		}
	}

	if _, err := db.ExecContext(ctx,
		`INSERT OR IGNORE INTO classes(id, name, teacher_id, created_at_ms) VALUES (?, 'Distributed Systems', ?, ?);`,
		DevClassID, DevTeacherID, now,
	); err != nil {
		return fmt.Errorf("seed class: %w", err)
	}

	for _, sid := range []int64{DevStudentA, DevStudentB} {
		if _, err := db.ExecContext(ctx,
			`INSERT OR IGNORE INTO enrollments(class_id, student_id) VALUES (?, ?);`,
			DevClassID, sid,
		); err != nil {
			return fmt.Errorf("seed enrollment %d: %w", sid, err)
		}
	}

	return nil
}
