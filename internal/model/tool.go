package model

import "time"

// SyncMode controls whether membership reconciliation may enrol users,
// unenrol them, or both.
type SyncMode int

const (
	SyncModeEnrolUnenrol SyncMode = 1
	SyncModeEnrolOnly    SyncMode = 2
	SyncModeUnenrolOnly  SyncMode = 3
)

func (m SyncMode) CanEnrol() bool {
	return m == SyncModeEnrolUnenrol || m == SyncModeEnrolOnly
}

func (m SyncMode) CanUnenrol() bool {
	return m == SyncModeEnrolUnenrol || m == SyncModeUnenrolOnly
}

// Tool is one provider-side registration binding an external placement
// (a course or a single activity) to local enrolment and grading policy.
type Tool struct {
	ID        int64  `db:"id"`
	CourseID  int64  `db:"courseid"`
	ContextID int64  `db:"contextid"`
	Disabled  bool   `db:"disabled"`
	Secret    string `db:"secret"`

	SendGrades  bool          `db:"sendgrades"`
	SyncMembers bool          `db:"syncmembers"`
	SyncMode    SyncMode      `db:"syncmode"`
	SyncPeriod  time.Duration `db:"syncperiod"`
	LastSync    int64         `db:"lastsync"`

	// Role ids assigned on enrolment: course-level and activity-level
	// variants for instructors and learners.
	CourseRoleInstructor   int64 `db:"croleinst"`
	CourseRoleLearner      int64 `db:"crolelearn"`
	ActivityRoleInstructor int64 `db:"aroleinst"`
	ActivityRoleLearner    int64 `db:"arolelearn"`

	EnrolInstructors bool `db:"enrolinst"`
	EnrolLearners    bool `db:"enrollearn"`

	EnrolStartDate int64 `db:"enrolstartdate"`
	EnrolEndDate   int64 `db:"enrolenddate"`
	EnrolPeriod    int64 `db:"enrolperiod"`
	MaxEnrolled    int64 `db:"maxenrolled"`

	RequireCompletion bool `db:"requirecompletion"`
	SendCompletion    bool `db:"sendcompletion"`

	UserProfileUpdate bool   `db:"userprofileupdate"`
	AddToGroup        string `db:"addtogroup"`

	// Profile defaults copied onto users provisioned under this tool.
	City        string `db:"city"`
	Country     string `db:"country"`
	Institution string `db:"institution"`
	Timezone    string `db:"timezone"`
	MailDisplay int    `db:"maildisplay"`
	Lang        string `db:"lang"`

	TimeCreated  int64 `db:"timecreated"`
	TimeModified int64 `db:"timemodified"`
}

// NewTool builds a tool with the defaults used when a registration is
// created during course or activity duplication rather than a launch.
func NewTool(courseID, contextID int64, secret, lang string, hasMemberships bool, outcomeURL string) *Tool {
	now := time.Now().Unix()
	tool := &Tool{
		CourseID:               courseID,
		ContextID:              contextID,
		Secret:                 secret,
		CourseRoleInstructor:   3,
		CourseRoleLearner:      5,
		ActivityRoleInstructor: 3,
		ActivityRoleLearner:    5,
		EnrolInstructors:       true,
		EnrolLearners:          true,
		UserProfileUpdate:      true,
		Lang:                   lang,
		Timezone:               "99",
		MailDisplay:            2,
		TimeCreated:            now,
		TimeModified:           now,
	}
	if outcomeURL != "" {
		tool.SendGrades = true
	}
	if hasMemberships {
		tool.SyncMembers = true
		tool.SyncMode = SyncModeEnrolUnenrol
		tool.SyncPeriod = 24 * time.Hour
	}
	return tool
}
