package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rayhinton/moodle-local-ltiprovider/internal/model"
	pkgerrors "github.com/rayhinton/moodle-local-ltiprovider/pkg/errors"
)

// Repository is the persistence boundary for the provider's own records:
// tool registrations, provisioned users, membership sync marks and the
// pending restoration queue.
type Repository interface {
	GetTool(ctx context.Context, id int64) (*model.Tool, error)
	GetToolByContext(ctx context.Context, contextID int64) (*model.Tool, error)
	ListTools(ctx context.Context) ([]model.Tool, error)
	ListGradeSyncTools(ctx context.Context, courseID, toolID int64) ([]model.Tool, error)
	ListMembershipSyncTools(ctx context.Context) ([]model.Tool, error)
	InsertTool(ctx context.Context, tool *model.Tool) (int64, error)
	SetToolLastSync(ctx context.Context, toolID, timestamp int64) error
	DeleteToolsByCourse(ctx context.Context, courseID int64) error

	ListToolUsers(ctx context.Context, toolID int64) ([]model.ProvisionedUser, error)
	ListToolUsersByLastAccess(ctx context.Context, toolID int64) ([]model.ProvisionedUser, error)
	ListToolUsersFiltered(ctx context.Context, toolID int64, userIDs []int64) ([]model.ProvisionedUser, error)
	CountToolUsers(ctx context.Context, toolID int64) (int64, error)
	SetUserSyncState(ctx context.Context, id, lastSync, lastGrade int64) error
	DeleteToolUsers(ctx context.Context, toolID int64) error

	GetMembershipLastSync(ctx context.Context, toolID int64) (int64, error)
	SetMembershipLastSync(ctx context.Context, toolID, timestamp int64) error

	EnqueueRestoration(ctx context.Context, r *model.PendingRestoration) (int64, error)
	ClaimNextRestoration(ctx context.Context, workerID string, lease time.Duration) (*model.PendingRestoration, error)
	DeleteRestoration(ctx context.Context, id int64) error
}

type repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Repository {
	return &repository{db: db}
}

const toolColumns = `id, courseid, contextid, disabled, secret, sendgrades, syncmembers, syncmode,
	syncperiod, lastsync, croleinst, crolelearn, aroleinst, arolelearn, enrolinst, enrollearn,
	enrolstartdate, enrolenddate, enrolperiod, maxenrolled, requirecompletion, sendcompletion,
	userprofileupdate, addtogroup, city, country, institution, timezone, maildisplay, lang,
	timecreated, timemodified`

func scanTool(row interface{ Scan(...interface{}) error }) (*model.Tool, error) {
	var t model.Tool
	var syncPeriod int64
	err := row.Scan(&t.ID, &t.CourseID, &t.ContextID, &t.Disabled, &t.Secret, &t.SendGrades,
		&t.SyncMembers, &t.SyncMode, &syncPeriod, &t.LastSync,
		&t.CourseRoleInstructor, &t.CourseRoleLearner, &t.ActivityRoleInstructor, &t.ActivityRoleLearner,
		&t.EnrolInstructors, &t.EnrolLearners,
		&t.EnrolStartDate, &t.EnrolEndDate, &t.EnrolPeriod, &t.MaxEnrolled,
		&t.RequireCompletion, &t.SendCompletion, &t.UserProfileUpdate, &t.AddToGroup,
		&t.City, &t.Country, &t.Institution, &t.Timezone, &t.MailDisplay, &t.Lang,
		&t.TimeCreated, &t.TimeModified)
	if err != nil {
		return nil, err
	}
	t.SyncPeriod = time.Duration(syncPeriod) * time.Second
	return &t, nil
}

func (r *repository) GetTool(ctx context.Context, id int64) (*model.Tool, error) {
	query := `SELECT ` + toolColumns + ` FROM ltiprovider_tools WHERE id = ?`
	tool, err := scanTool(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrToolNotFound
	}
	return tool, err
}

func (r *repository) GetToolByContext(ctx context.Context, contextID int64) (*model.Tool, error) {
	query := `SELECT ` + toolColumns + ` FROM ltiprovider_tools WHERE contextid = ? ORDER BY id LIMIT 1`
	tool, err := scanTool(r.db.QueryRowContext(ctx, query, contextID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrToolNotFound
	}
	return tool, err
}

func (r *repository) listTools(ctx context.Context, query string, args ...interface{}) ([]model.Tool, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tools []model.Tool
	for rows.Next() {
		tool, err := scanTool(rows)
		if err != nil {
			return nil, err
		}
		tools = append(tools, *tool)
	}
	return tools, rows.Err()
}

func (r *repository) ListTools(ctx context.Context) ([]model.Tool, error) {
	return r.listTools(ctx, `SELECT `+toolColumns+` FROM ltiprovider_tools ORDER BY id`)
}

func (r *repository) ListGradeSyncTools(ctx context.Context, courseID, toolID int64) ([]model.Tool, error) {
	query := `SELECT ` + toolColumns + ` FROM ltiprovider_tools WHERE disabled = 0 AND sendgrades = 1`
	args := []interface{}{}
	if courseID != 0 {
		query += ` AND courseid = ?`
		args = append(args, courseID)
	}
	if toolID != 0 {
		query += ` AND id = ?`
		args = append(args, toolID)
	}
	query += ` ORDER BY id`
	return r.listTools(ctx, query, args...)
}

func (r *repository) ListMembershipSyncTools(ctx context.Context) ([]model.Tool, error) {
	return r.listTools(ctx,
		`SELECT `+toolColumns+` FROM ltiprovider_tools WHERE disabled = 0 AND syncmembers = 1 ORDER BY id`)
}

func (r *repository) InsertTool(ctx context.Context, tool *model.Tool) (int64, error) {
	query := `INSERT INTO ltiprovider_tools (courseid, contextid, disabled, secret, sendgrades,
		syncmembers, syncmode, syncperiod, lastsync, croleinst, crolelearn, aroleinst, arolelearn,
		enrolinst, enrollearn, enrolstartdate, enrolenddate, enrolperiod, maxenrolled,
		requirecompletion, sendcompletion, userprofileupdate, addtogroup, city, country,
		institution, timezone, maildisplay, lang, timecreated, timemodified)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	res, err := r.db.ExecContext(ctx, query, tool.CourseID, tool.ContextID, tool.Disabled,
		tool.Secret, tool.SendGrades, tool.SyncMembers, tool.SyncMode,
		int64(tool.SyncPeriod/time.Second), tool.LastSync,
		tool.CourseRoleInstructor, tool.CourseRoleLearner, tool.ActivityRoleInstructor,
		tool.ActivityRoleLearner, tool.EnrolInstructors, tool.EnrolLearners,
		tool.EnrolStartDate, tool.EnrolEndDate, tool.EnrolPeriod, tool.MaxEnrolled,
		tool.RequireCompletion, tool.SendCompletion, tool.UserProfileUpdate, tool.AddToGroup,
		tool.City, tool.Country, tool.Institution, tool.Timezone, tool.MailDisplay, tool.Lang,
		tool.TimeCreated, tool.TimeModified)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	tool.ID = id
	return id, nil
}

func (r *repository) SetToolLastSync(ctx context.Context, toolID, timestamp int64) error {
	query := `UPDATE ltiprovider_tools SET lastsync = ? WHERE id = ?`
	_, err := r.db.ExecContext(ctx, query, timestamp, toolID)
	return err
}

func (r *repository) DeleteToolsByCourse(ctx context.Context, courseID int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`DELETE FROM ltiprovider_users WHERE toolid IN (SELECT id FROM ltiprovider_tools WHERE courseid = ?)`,
		courseID)
	if err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM ltiprovider_tools WHERE courseid = ?`, courseID); err != nil {
		return err
	}
	return tx.Commit()
}

const userColumns = `id, toolid, userid, consumerkey, consumersecret, serviceurl, sourceid,
	membershipsurl, membershipsid, lastsync, lastgrade, lastaccess`

func (r *repository) listUsers(ctx context.Context, query string, args ...interface{}) ([]model.ProvisionedUser, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []model.ProvisionedUser
	for rows.Next() {
		var u model.ProvisionedUser
		err := rows.Scan(&u.ID, &u.ToolID, &u.UserID, &u.ConsumerKey, &u.ConsumerSecret,
			&u.ServiceURL, &u.SourceID, &u.MembershipsURL, &u.MembershipsID,
			&u.LastSync, &u.LastGrade, &u.LastAccess)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (r *repository) ListToolUsers(ctx context.Context, toolID int64) ([]model.ProvisionedUser, error) {
	return r.listUsers(ctx, `SELECT `+userColumns+` FROM ltiprovider_users WHERE toolid = ?`, toolID)
}

func (r *repository) ListToolUsersByLastAccess(ctx context.Context, toolID int64) ([]model.ProvisionedUser, error) {
	return r.listUsers(ctx,
		`SELECT `+userColumns+` FROM ltiprovider_users WHERE toolid = ? ORDER BY lastaccess DESC`, toolID)
}

func (r *repository) ListToolUsersFiltered(ctx context.Context, toolID int64, userIDs []int64) ([]model.ProvisionedUser, error) {
	if len(userIDs) == 0 {
		return r.ListToolUsers(ctx, toolID)
	}
	query := `SELECT ` + userColumns + ` FROM ltiprovider_users WHERE toolid = ? AND userid IN (`
	args := []interface{}{toolID}
	for i, id := range userIDs {
		if i > 0 {
			query += `, `
		}
		query += `?`
		args = append(args, id)
	}
	query += `)`
	return r.listUsers(ctx, query, args...)
}

func (r *repository) CountToolUsers(ctx context.Context, toolID int64) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ltiprovider_users WHERE toolid = ?`, toolID).Scan(&count)
	return count, err
}

// SetUserSyncState persists lastsync and lastgrade in a single statement so
// a crash can never leave one updated without the other.
func (r *repository) SetUserSyncState(ctx context.Context, id, lastSync, lastGrade int64) error {
	query := `UPDATE ltiprovider_users SET lastsync = ?, lastgrade = ? WHERE id = ?`
	_, err := r.db.ExecContext(ctx, query, lastSync, lastGrade, id)
	return err
}

func (r *repository) DeleteToolUsers(ctx context.Context, toolID int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM ltiprovider_users WHERE toolid = ?`, toolID)
	return err
}

func (r *repository) GetMembershipLastSync(ctx context.Context, toolID int64) (int64, error) {
	var lastSync int64
	err := r.db.QueryRowContext(ctx,
		`SELECT lastsync FROM ltiprovider_membership_sync WHERE toolid = ?`, toolID).Scan(&lastSync)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return lastSync, err
}

func (r *repository) SetMembershipLastSync(ctx context.Context, toolID, timestamp int64) error {
	query := `INSERT INTO ltiprovider_membership_sync (toolid, lastsync) VALUES (?, ?)
		ON DUPLICATE KEY UPDATE lastsync = VALUES(lastsync)`
	_, err := r.db.ExecContext(ctx, query, toolID, timestamp)
	return err
}

func (r *repository) EnqueueRestoration(ctx context.Context, p *model.PendingRestoration) (int64, error) {
	query := `INSERT INTO ltiprovider_restorations (sourcecourseid, destcourseid, destfullname,
		destshortname, destidnumber, userid, roles, timecreated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := r.db.ExecContext(ctx, query, p.SourceCourseID, p.DestCourseID, p.DestFullName,
		p.DestShortName, p.DestIDNumber, p.UserID, p.Roles, p.TimeCreated)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ClaimNextRestoration atomically leases the oldest claimable row to this
// worker. A row is claimable when it was never claimed or its previous
// lease expired. Returns nil when the queue is drained.
func (r *repository) ClaimNextRestoration(ctx context.Context, workerID string, lease time.Duration) (*model.PendingRestoration, error) {
	now := time.Now().Unix()
	cutoff := now - int64(lease/time.Second)

	res, err := r.db.ExecContext(ctx,
		`UPDATE ltiprovider_restorations SET claimedat = ?, workerid = ?
		 WHERE claimedat IS NULL OR claimedat < ?
		 ORDER BY id LIMIT 1`,
		now, workerID, cutoff)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, nil
	}

	query := `SELECT id, sourcecourseid, destcourseid, destfullname, destshortname, destidnumber,
		userid, roles, claimedat, workerid, timecreated
		FROM ltiprovider_restorations WHERE workerid = ? AND claimedat = ? LIMIT 1`

	var p model.PendingRestoration
	err = r.db.QueryRowContext(ctx, query, workerID, now).Scan(&p.ID, &p.SourceCourseID,
		&p.DestCourseID, &p.DestFullName, &p.DestShortName, &p.DestIDNumber,
		&p.UserID, &p.Roles, &p.ClaimedAt, &p.WorkerID, &p.TimeCreated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load claimed restoration: %w", err)
	}
	return &p, nil
}

func (r *repository) DeleteRestoration(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM ltiprovider_restorations WHERE id = ?`, id)
	return err
}
