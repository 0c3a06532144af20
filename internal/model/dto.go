package model

import (
	"fmt"
	"time"
)

// ForceSyncRequest filters a manual grade sync run. Zero values mean no
// filter on that dimension.
type ForceSyncRequest struct {
	CourseID       int64   `json:"course_id"`
	ToolID         int64   `json:"tool_id"`
	UserIDs        []int64 `json:"user_ids"`
	OmitCompletion bool    `json:"omit_completion"`
}

// SyncReport is the outcome of one grade sync pass over a tool: the ordered
// log lines plus the aggregate counters.
type SyncReport struct {
	Lines     []string `json:"lines"`
	Attempted int      `json:"attempted"`
	Sent      int      `json:"sent"`
	Errored   int      `json:"errored"`
}

func (r *SyncReport) Logf(format string, args ...interface{}) {
	r.Lines = append(r.Lines, fmt.Sprintf(format, args...))
}

type ToolStatusResponse struct {
	ToolID             int64     `json:"tool_id"`
	CourseID           int64     `json:"course_id"`
	Disabled           bool      `json:"disabled"`
	SendGrades         bool      `json:"send_grades"`
	SyncMembers        bool      `json:"sync_members"`
	LastGradeSync      time.Time `json:"last_grade_sync"`
	LastMembershipSync time.Time `json:"last_membership_sync"`
	ProvisionedUsers   int       `json:"provisioned_users"`
}

// PhotoJob is one deferred profile image download queued after a
// membership pass.
type PhotoJob struct {
	UserID int64  `json:"user_id"`
	URL    string `json:"url"`
}

// UserEvent is a created/updated notification emitted when membership
// reconciliation touches a local account.
type UserEvent struct {
	Type   string `json:"type"`
	UserID int64  `json:"user_id"`
	ToolID int64  `json:"tool_id"`
	Time   int64  `json:"time"`
}

const (
	UserEventCreated = "user_created"
	UserEventUpdated = "user_updated"
)
