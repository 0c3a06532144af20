package model

// ContextLevel distinguishes whether a tool registration targets a whole
// course or a single activity within one.
type ContextLevel int

const (
	ContextCourse ContextLevel = iota + 1
	ContextModule
)

// Context resolves a tool's contextid to its granularity and the backing
// course or course-module instance.
type Context struct {
	ID         int64
	Level      ContextLevel
	InstanceID int64
}

type Course struct {
	ID        int64  `db:"id"`
	FullName  string `db:"fullname"`
	ShortName string `db:"shortname"`
	IDNumber  string `db:"idnumber"`
	Visible   bool   `db:"visible"`
}

// CourseModule is one activity instance inside a course.
type CourseModule struct {
	ID        int64  `db:"id"`
	CourseID  int64  `db:"course"`
	ModName   string `db:"modname"`
	Instance  int64  `db:"instance"`
	ContextID int64  `db:"contextid"`
	IDNumber  string `db:"idnumber"`
}

// CompletionState mirrors the host's activity completion states.
type CompletionState int

const (
	CompletionIncomplete CompletionState = iota
	CompletionComplete
	CompletionCompletePass
	CompletionCompleteFail
)
