package host

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/rayhinton/moodle-local-ltiprovider/internal/logger"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/model"
	pkgerrors "github.com/rayhinton/moodle-local-ltiprovider/pkg/errors"
)

// Moodle context levels as stored in the context table.
const (
	contextLevelCourse = 50
	contextLevelModule = 70
)

// MoodleHost reads and writes the host LMS database directly. The service
// runs alongside the LMS and shares its MySQL instance, so gradebook and
// completion values are plain reads and enrolment is the manual enrolment
// plugin's tables.
type MoodleHost struct {
	db     *sql.DB
	prefix string
	log    zerolog.Logger
}

func NewMoodleHost(db *sql.DB, tablePrefix string) *MoodleHost {
	if tablePrefix == "" {
		tablePrefix = "mdl_"
	}
	return &MoodleHost{
		db:     db,
		prefix: tablePrefix,
		log:    logger.Get(),
	}
}

func (h *MoodleHost) table(name string) string {
	return h.prefix + name
}

// --- Gradebook ---

func (h *MoodleHost) CourseGrade(ctx context.Context, userID, courseID int64) (model.GradeResult, error) {
	query := fmt.Sprintf(`SELECT gg.finalgrade, gi.grademax
		FROM %s gi
		LEFT JOIN %s gg ON gg.itemid = gi.id AND gg.userid = ?
		WHERE gi.courseid = ? AND gi.itemtype = 'course'`,
		h.table("grade_items"), h.table("grade_grades"))

	var finalGrade sql.NullFloat64
	var gradeMax float64
	err := h.db.QueryRowContext(ctx, query, userID, courseID).Scan(&finalGrade, &gradeMax)
	if errors.Is(err, sql.ErrNoRows) {
		return model.GradeResult{}, nil
	}
	if err != nil {
		return model.GradeResult{}, fmt.Errorf("failed to read course grade: %w", err)
	}
	if !finalGrade.Valid {
		return model.GradeResult{Max: gradeMax}, nil
	}
	return model.GradeResult{Score: finalGrade.Float64, Max: gradeMax, Found: true}, nil
}

func (h *MoodleHost) ActivityGrade(ctx context.Context, userID int64, cm *model.CourseModule) (model.GradeResult, error) {
	query := fmt.Sprintf(`SELECT gg.finalgrade, gi.grademax
		FROM %s gi
		LEFT JOIN %s gg ON gg.itemid = gi.id AND gg.userid = ?
		WHERE gi.courseid = ? AND gi.itemtype = 'mod' AND gi.itemmodule = ? AND gi.iteminstance = ?
		ORDER BY gi.itemnumber LIMIT 1`,
		h.table("grade_items"), h.table("grade_grades"))

	var finalGrade sql.NullFloat64
	var gradeMax float64
	err := h.db.QueryRowContext(ctx, query, userID, cm.CourseID, cm.ModName, cm.Instance).
		Scan(&finalGrade, &gradeMax)
	if errors.Is(err, sql.ErrNoRows) {
		return model.GradeResult{}, nil
	}
	if err != nil {
		return model.GradeResult{}, fmt.Errorf("failed to read activity grade: %w", err)
	}
	if !finalGrade.Valid {
		return model.GradeResult{Max: gradeMax}, nil
	}
	return model.GradeResult{Score: finalGrade.Float64, Max: gradeMax, Found: true}, nil
}

// --- Completion ---

func (h *MoodleHost) IsCourseComplete(ctx context.Context, userID, courseID int64) (bool, error) {
	query := fmt.Sprintf(`SELECT timecompleted FROM %s WHERE userid = ? AND course = ?`,
		h.table("course_completions"))

	var completed sql.NullInt64
	err := h.db.QueryRowContext(ctx, query, userID, courseID).Scan(&completed)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read course completion: %w", err)
	}
	return completed.Valid && completed.Int64 > 0, nil
}

func (h *MoodleHost) ActivityCompletion(ctx context.Context, userID, cmID int64) (model.CompletionState, error) {
	query := fmt.Sprintf(`SELECT completionstate FROM %s WHERE userid = ? AND coursemoduleid = ?`,
		h.table("course_modules_completion"))

	var state int
	err := h.db.QueryRowContext(ctx, query, userID, cmID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return model.CompletionIncomplete, nil
	}
	if err != nil {
		return model.CompletionIncomplete, fmt.Errorf("failed to read activity completion: %w", err)
	}
	return model.CompletionState(state), nil
}

// --- Courses ---

func (h *MoodleHost) GetCourse(ctx context.Context, id int64) (*model.Course, error) {
	query := fmt.Sprintf(`SELECT id, fullname, shortname, idnumber, visible FROM %s WHERE id = ?`,
		h.table("course"))

	var c model.Course
	err := h.db.QueryRowContext(ctx, query, id).Scan(&c.ID, &c.FullName, &c.ShortName, &c.IDNumber, &c.Visible)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrCourseNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (h *MoodleHost) CourseExists(ctx context.Context, id int64) (bool, error) {
	var found int64
	query := fmt.Sprintf(`SELECT id FROM %s WHERE id = ?`, h.table("course"))
	err := h.db.QueryRowContext(ctx, query, id).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (h *MoodleHost) UpdateCourseIdentity(ctx context.Context, course *model.Course) error {
	query := fmt.Sprintf(`UPDATE %s SET fullname = ?, shortname = ?, idnumber = ?, visible = ? WHERE id = ?`,
		h.table("course"))
	_, err := h.db.ExecContext(ctx, query, course.FullName, course.ShortName, course.IDNumber,
		course.Visible, course.ID)
	return err
}

func (h *MoodleHost) GetContext(ctx context.Context, contextID int64) (*model.Context, error) {
	query := fmt.Sprintf(`SELECT id, contextlevel, instanceid FROM %s WHERE id = ?`, h.table("context"))

	var c model.Context
	var level int
	err := h.db.QueryRowContext(ctx, query, contextID).Scan(&c.ID, &level, &c.InstanceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrInvalidContext
	}
	if err != nil {
		return nil, err
	}
	switch level {
	case contextLevelCourse:
		c.Level = model.ContextCourse
	case contextLevelModule:
		c.Level = model.ContextModule
	default:
		return nil, pkgerrors.ErrInvalidContext
	}
	return &c, nil
}

func (h *MoodleHost) GetCourseModule(ctx context.Context, cmID int64) (*model.CourseModule, error) {
	query := fmt.Sprintf(`SELECT cm.id, cm.course, m.name, cm.instance, cm.idnumber
		FROM %s cm JOIN %s m ON m.id = cm.module
		WHERE cm.id = ?`, h.table("course_modules"), h.table("modules"))

	var cm model.CourseModule
	err := h.db.QueryRowContext(ctx, query, cmID).Scan(&cm.ID, &cm.CourseID, &cm.ModName,
		&cm.Instance, &cm.IDNumber)
	if err != nil {
		return nil, err
	}
	contextID, err := h.ModuleContextID(ctx, cm.ID)
	if err != nil {
		return nil, err
	}
	cm.ContextID = contextID
	return &cm, nil
}

func (h *MoodleHost) GetCourseModuleByIDNumber(ctx context.Context, idNumber string) (*model.CourseModule, error) {
	query := fmt.Sprintf(`SELECT cm.id, cm.course, m.name, cm.instance, cm.idnumber
		FROM %s cm JOIN %s m ON m.id = cm.module
		WHERE cm.idnumber = ? LIMIT 1`, h.table("course_modules"), h.table("modules"))

	var cm model.CourseModule
	err := h.db.QueryRowContext(ctx, query, idNumber).Scan(&cm.ID, &cm.CourseID, &cm.ModName,
		&cm.Instance, &cm.IDNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cm, nil
}

func (h *MoodleHost) SetCourseModuleIDNumber(ctx context.Context, cmID int64, idNumber string) error {
	query := fmt.Sprintf(`UPDATE %s SET idnumber = ? WHERE id = ?`, h.table("course_modules"))
	_, err := h.db.ExecContext(ctx, query, idNumber, cmID)
	return err
}

func (h *MoodleHost) contextIDFor(ctx context.Context, level int, instanceID int64) (int64, error) {
	query := fmt.Sprintf(`SELECT id FROM %s WHERE contextlevel = ? AND instanceid = ?`, h.table("context"))
	var id int64
	err := h.db.QueryRowContext(ctx, query, level, instanceID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, pkgerrors.ErrInvalidContext
	}
	return id, err
}

func (h *MoodleHost) ModuleContextID(ctx context.Context, cmID int64) (int64, error) {
	return h.contextIDFor(ctx, contextLevelModule, cmID)
}

func (h *MoodleHost) CourseContextID(ctx context.Context, courseID int64) (int64, error) {
	return h.contextIDFor(ctx, contextLevelCourse, courseID)
}

func (h *MoodleHost) ReassignAuthoredContent(ctx context.Context, courseID, userID int64) error {
	statements := []string{
		fmt.Sprintf(`UPDATE %s dr JOIN %s d ON d.id = dr.dataid SET dr.userid = ? WHERE d.course = ?`,
			h.table("data_records"), h.table("data")),
		fmt.Sprintf(`UPDATE %s ge JOIN %s g ON g.id = ge.glossaryid SET ge.userid = ? WHERE g.course = ?`,
			h.table("glossary_entries"), h.table("glossary")),
	}
	for _, query := range statements {
		if _, err := h.db.ExecContext(ctx, query, userID, courseID); err != nil {
			return fmt.Errorf("failed to reassign authored content: %w", err)
		}
	}

	contextID, err := h.CourseContextID(ctx, courseID)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %s q JOIN %s qc ON qc.id = q.category
		SET q.createdby = ?, q.modifiedby = ? WHERE qc.contextid = ?`,
		h.table("question"), h.table("question_categories"))
	if _, err := h.db.ExecContext(ctx, query, userID, userID, contextID); err != nil {
		return fmt.Errorf("failed to reassign question bank: %w", err)
	}
	return nil
}

// --- Accounts ---

const localUserColumns = `id, username, password, auth, firstname, lastname, email, city, country,
	institution, timezone, maildisplay, lang, confirmed, picture, timecreated, timemodified`

func (h *MoodleHost) scanUser(row *sql.Row) (*model.LocalUser, error) {
	var u model.LocalUser
	err := row.Scan(&u.ID, &u.Username, &u.Password, &u.Auth, &u.FirstName, &u.LastName, &u.Email,
		&u.City, &u.Country, &u.Institution, &u.Timezone, &u.MailDisplay, &u.Lang,
		&u.Confirmed, &u.Picture, &u.TimeCreated, &u.TimeModified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (h *MoodleHost) GetUser(ctx context.Context, id int64) (*model.LocalUser, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ? AND deleted = 0`, localUserColumns, h.table("user"))
	return h.scanUser(h.db.QueryRowContext(ctx, query, id))
}

func (h *MoodleHost) GetUserByUsername(ctx context.Context, username string) (*model.LocalUser, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE username = ? AND deleted = 0`, localUserColumns, h.table("user"))
	return h.scanUser(h.db.QueryRowContext(ctx, query, username))
}

func (h *MoodleHost) RenameUser(ctx context.Context, id int64, newUsername string) error {
	query := fmt.Sprintf(`UPDATE %s SET username = ? WHERE id = ?`, h.table("user"))
	_, err := h.db.ExecContext(ctx, query, newUsername, id)
	return err
}

func (h *MoodleHost) UpdateUserProfile(ctx context.Context, user *model.LocalUser) error {
	query := fmt.Sprintf(`UPDATE %s SET firstname = ?, lastname = ?, email = ?, timemodified = ? WHERE id = ?`,
		h.table("user"))
	_, err := h.db.ExecContext(ctx, query, user.FirstName, user.LastName, user.Email,
		user.TimeModified, user.ID)
	return err
}

func (h *MoodleHost) CreateUser(ctx context.Context, user *model.LocalUser) (int64, error) {
	query := fmt.Sprintf(`INSERT INTO %s (username, password, auth, firstname, lastname, email,
		city, country, institution, timezone, maildisplay, lang, confirmed, timecreated, timemodified)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, h.table("user"))

	res, err := h.db.ExecContext(ctx, query, user.Username, user.Password, user.Auth,
		user.FirstName, user.LastName, user.Email, user.City, user.Country, user.Institution,
		user.Timezone, user.MailDisplay, user.Lang, user.Confirmed,
		user.TimeCreated, user.TimeModified)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	user.ID = id
	return id, nil
}

// --- Enrolments ---

func (h *MoodleHost) manualEnrolInstance(ctx context.Context, courseID int64) (int64, error) {
	query := fmt.Sprintf(`SELECT id FROM %s WHERE courseid = ? AND enrol = 'manual'`, h.table("enrol"))
	var id int64
	err := h.db.QueryRowContext(ctx, query, courseID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("course %d has no manual enrolment instance", courseID)
	}
	return id, err
}

func (h *MoodleHost) IsEnrolled(ctx context.Context, courseID, userID int64) (bool, error) {
	instanceID, err := h.manualEnrolInstance(ctx, courseID)
	if err != nil {
		return false, err
	}
	query := fmt.Sprintf(`SELECT id FROM %s WHERE enrolid = ? AND userid = ?`, h.table("user_enrolments"))
	var id int64
	err = h.db.QueryRowContext(ctx, query, instanceID, userID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (h *MoodleHost) Enrol(ctx context.Context, courseID, userID, roleID, timeStart, timeEnd int64) error {
	instanceID, err := h.manualEnrolInstance(ctx, courseID)
	if err != nil {
		return err
	}
	contextID, err := h.CourseContextID(ctx, courseID)
	if err != nil {
		return err
	}

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	query := fmt.Sprintf(`INSERT INTO %s (enrolid, userid, timestart, timeend, timecreated, timemodified)
		VALUES (?, ?, ?, ?, ?, ?)`, h.table("user_enrolments"))
	if _, err := tx.ExecContext(ctx, query, instanceID, userID, timeStart, timeEnd, now, now); err != nil {
		return fmt.Errorf("failed to insert enrolment: %w", err)
	}

	query = fmt.Sprintf(`INSERT INTO %s (roleid, contextid, userid, timemodified)
		VALUES (?, ?, ?, ?)`, h.table("role_assignments"))
	if _, err := tx.ExecContext(ctx, query, roleID, contextID, userID, now); err != nil {
		return fmt.Errorf("failed to assign role: %w", err)
	}

	return tx.Commit()
}

func (h *MoodleHost) Unenrol(ctx context.Context, courseID, userID int64) error {
	instanceID, err := h.manualEnrolInstance(ctx, courseID)
	if err != nil {
		return err
	}
	contextID, err := h.CourseContextID(ctx, courseID)
	if err != nil {
		return err
	}

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`DELETE FROM %s WHERE enrolid = ? AND userid = ?`, h.table("user_enrolments"))
	if _, err := tx.ExecContext(ctx, query, instanceID, userID); err != nil {
		return err
	}
	query = fmt.Sprintf(`DELETE FROM %s WHERE contextid = ? AND userid = ?`, h.table("role_assignments"))
	if _, err := tx.ExecContext(ctx, query, contextID, userID); err != nil {
		return err
	}

	return tx.Commit()
}

func (h *MoodleHost) EnrolledUserIDs(ctx context.Context, courseID int64) ([]int64, error) {
	query := fmt.Sprintf(`SELECT ue.userid FROM %s ue JOIN %s e ON e.id = ue.enrolid
		WHERE e.courseid = ?`, h.table("user_enrolments"), h.table("enrol"))

	rows, err := h.db.QueryContext(ctx, query, courseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Groups ---

func (h *MoodleHost) AddToGroupByIDNumber(ctx context.Context, courseID int64, idNumber string, userID int64) error {
	var groupID int64
	query := fmt.Sprintf(`SELECT id FROM %s WHERE courseid = ? AND idnumber = ?`, h.table("groups"))
	err := h.db.QueryRowContext(ctx, query, courseID, idNumber).Scan(&groupID)
	if errors.Is(err, sql.ErrNoRows) {
		now := time.Now().Unix()
		query = fmt.Sprintf(`INSERT INTO %s (courseid, name, idnumber, timecreated, timemodified)
			VALUES (?, ?, ?, ?, ?)`, h.table("groups"))
		res, err := h.db.ExecContext(ctx, query, courseID, idNumber, idNumber, now, now)
		if err != nil {
			return fmt.Errorf("failed to create group: %w", err)
		}
		groupID, err = res.LastInsertId()
		if err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	query = fmt.Sprintf(`SELECT id FROM %s WHERE groupid = ? AND userid = ?`, h.table("groups_members"))
	var memberID int64
	err = h.db.QueryRowContext(ctx, query, groupID, userID).Scan(&memberID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	query = fmt.Sprintf(`INSERT INTO %s (groupid, userid, timeadded) VALUES (?, ?, ?)`,
		h.table("groups_members"))
	_, err = h.db.ExecContext(ctx, query, groupID, userID, time.Now().Unix())
	return err
}

func (h *MoodleHost) PurgeGroups(ctx context.Context, courseID int64) error {
	statements := []string{
		fmt.Sprintf(`DELETE gm FROM %s gm JOIN %s g ON g.id = gm.groupid WHERE g.courseid = ?`,
			h.table("groups_members"), h.table("groups")),
		fmt.Sprintf(`DELETE FROM %s WHERE courseid = ?`, h.table("groups")),
		fmt.Sprintf(`DELETE gg FROM %s gg JOIN %s gr ON gr.id = gg.groupingid WHERE gr.courseid = ?`,
			h.table("groupings_groups"), h.table("groupings")),
		fmt.Sprintf(`DELETE FROM %s WHERE courseid = ?`, h.table("groupings")),
	}
	for _, query := range statements {
		if _, err := h.db.ExecContext(ctx, query, courseID); err != nil {
			return fmt.Errorf("failed to purge groups: %w", err)
		}
	}
	return nil
}
