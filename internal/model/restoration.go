package model

import "time"

// PendingRestoration is one queued background course clone. Rows are
// claimed atomically with a worker id and a lease so that two drain passes
// never re-drive the same in-flight restoration.
type PendingRestoration struct {
	ID             int64   `db:"id"`
	SourceCourseID int64   `db:"sourcecourseid"`
	DestCourseID   int64   `db:"destcourseid"`
	DestFullName   string  `db:"destfullname"`
	DestShortName  string  `db:"destshortname"`
	DestIDNumber   string  `db:"destidnumber"`
	UserID         int64   `db:"userid"`
	Roles          string  `db:"roles"`
	ClaimedAt      *int64  `db:"claimedat"`
	WorkerID       *string `db:"workerid"`
	TimeCreated    int64   `db:"timecreated"`
}

// Claimable reports whether the row may be picked up: never claimed, or the
// previous claim's lease has expired.
func (r *PendingRestoration) Claimable(now time.Time, lease time.Duration) bool {
	if r.ClaimedAt == nil {
		return true
	}
	return time.Unix(*r.ClaimedAt, 0).Add(lease).Before(now)
}
