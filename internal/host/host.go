// Package host holds the interfaces through which the synchronization
// engines consume the learning-management host: gradebook and completion
// reads, enrolment, account management, course lookup and the opaque
// backup/restore capability.
package host

import (
	"context"
	"io"

	"github.com/rayhinton/moodle-local-ltiprovider/internal/model"
)

type Gradebook interface {
	CourseGrade(ctx context.Context, userID, courseID int64) (model.GradeResult, error)
	ActivityGrade(ctx context.Context, userID int64, cm *model.CourseModule) (model.GradeResult, error)
}

type Completion interface {
	IsCourseComplete(ctx context.Context, userID, courseID int64) (bool, error)
	ActivityCompletion(ctx context.Context, userID, cmID int64) (model.CompletionState, error)
}

type Courses interface {
	GetCourse(ctx context.Context, id int64) (*model.Course, error)
	CourseExists(ctx context.Context, id int64) (bool, error)
	UpdateCourseIdentity(ctx context.Context, course *model.Course) error
	GetContext(ctx context.Context, contextID int64) (*model.Context, error)
	GetCourseModule(ctx context.Context, cmID int64) (*model.CourseModule, error)
	GetCourseModuleByIDNumber(ctx context.Context, idNumber string) (*model.CourseModule, error)
	SetCourseModuleIDNumber(ctx context.Context, cmID int64, idNumber string) error
	ModuleContextID(ctx context.Context, cmID int64) (int64, error)
	CourseContextID(ctx context.Context, courseID int64) (int64, error)

	// ReassignAuthoredContent moves ownership of per-entry authored records
	// (database entries, glossary entries, question bank items) in the course
	// to the given user.
	ReassignAuthoredContent(ctx context.Context, courseID, userID int64) error
}

// Accounts manages the host's local user records. Lookups return nil with
// no error when the account does not exist.
type Accounts interface {
	GetUser(ctx context.Context, id int64) (*model.LocalUser, error)
	GetUserByUsername(ctx context.Context, username string) (*model.LocalUser, error)
	RenameUser(ctx context.Context, id int64, newUsername string) error
	UpdateUserProfile(ctx context.Context, user *model.LocalUser) error
	CreateUser(ctx context.Context, user *model.LocalUser) (int64, error)
}

type Enrolments interface {
	Enrol(ctx context.Context, courseID, userID, roleID, timeStart, timeEnd int64) error
	IsEnrolled(ctx context.Context, courseID, userID int64) (bool, error)
	Unenrol(ctx context.Context, courseID, userID int64) error
	EnrolledUserIDs(ctx context.Context, courseID int64) ([]int64, error)
}

type Groups interface {
	AddToGroupByIDNumber(ctx context.Context, courseID int64, idNumber string, userID int64) error
	PurgeGroups(ctx context.Context, courseID int64) error
}

// ProfileImages ingests a downloaded profile photo for a user.
type ProfileImages interface {
	Install(ctx context.Context, userID int64, image io.Reader) error
}

// BackupOptions are the toggle overrides applied to a backup or restore
// plan. Only keys from the fixed allow-list are accepted by the
// duplication engine.
type BackupOptions map[string]bool

// RestoreTask describes one activity the restore recreated, keyed by the
// context id it had in the source.
type RestoreTask struct {
	OldContextID int64 `json:"old_context_id"`
	ModuleID     int64 `json:"module_id"`
}

// RestoreResult reports a finished (or precheck-rejected) restore.
// Non-empty PrecheckErrors means the restore did not run.
type RestoreResult struct {
	PrecheckErrors   []string      `json:"precheck_errors"`
	PrecheckWarnings []string      `json:"precheck_warnings"`
	Tasks            []RestoreTask `json:"tasks"`
}

// BackupRestore is the opaque backup/restore capability. Backup writes a
// portable archive into dir and returns its path; Restore replays one into
// a destination course.
type BackupRestore interface {
	RemoveCourseContents(ctx context.Context, courseID int64) error
	BackupCourse(ctx context.Context, courseID int64, opts BackupOptions, dir string) (string, error)
	BackupActivity(ctx context.Context, cmID int64, dir string) (string, error)
	RestoreCourse(ctx context.Context, archivePath string, destCourseID int64, opts BackupOptions) (*RestoreResult, error)
	RestoreActivity(ctx context.Context, archivePath string, destCourseID int64) (*RestoreResult, error)
}
