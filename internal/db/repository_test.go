package db

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rayhinton/moodle-local-ltiprovider/internal/model"
	pkgerrors "github.com/rayhinton/moodle-local-ltiprovider/pkg/errors"
)

func newMockRepo(t *testing.T) (Repository, sqlmock.Sqlmock) {
	t.Helper()
	database, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return NewRepository(database), mock
}

func toolRowColumns() []string {
	return []string{
		"id", "courseid", "contextid", "disabled", "secret", "sendgrades", "syncmembers",
		"syncmode", "syncperiod", "lastsync", "croleinst", "crolelearn", "aroleinst",
		"arolelearn", "enrolinst", "enrollearn", "enrolstartdate", "enrolenddate",
		"enrolperiod", "maxenrolled", "requirecompletion", "sendcompletion",
		"userprofileupdate", "addtogroup", "city", "country", "institution", "timezone",
		"maildisplay", "lang", "timecreated", "timemodified",
	}
}

func toolRow() *sqlmock.Rows {
	return sqlmock.NewRows(toolRowColumns()).AddRow(
		7, 42, 100, false, "s3cret", true, true, 1, 86400, 0, 3, 5, 3, 5,
		true, true, 0, 0, 0, 0, false, false, true, "", "", "", "", "99", 2, "en",
		1700000000, 1700000000)
}

func TestGetToolScansRow(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery("FROM ltiprovider_tools WHERE id = ?").
		WithArgs(int64(7)).
		WillReturnRows(toolRow())

	tool, err := repo.GetTool(context.Background(), 7)
	require.NoError(t, err)

	assert.Equal(t, int64(7), tool.ID)
	assert.Equal(t, int64(42), tool.CourseID)
	assert.Equal(t, int64(100), tool.ContextID)
	assert.Equal(t, "s3cret", tool.Secret)
	assert.Equal(t, model.SyncModeEnrolUnenrol, tool.SyncMode)

	// syncperiod is stored in seconds.
	assert.Equal(t, 24*time.Hour, tool.SyncPeriod)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetToolNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery("FROM ltiprovider_tools WHERE id = ?").
		WithArgs(int64(999)).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetTool(context.Background(), 999)
	assert.ErrorIs(t, err, pkgerrors.ErrToolNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetToolByContextNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery("FROM ltiprovider_tools WHERE contextid = ?").
		WithArgs(int64(300)).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetToolByContext(context.Background(), 300)
	assert.ErrorIs(t, err, pkgerrors.ErrToolNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetUserSyncStateSingleStatement(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(regexp.QuoteMeta(
		`UPDATE ltiprovider_users SET lastsync = ?, lastgrade = ? WHERE id = ?`)).
		WithArgs(int64(1700000000), int64(45), int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.SetUserSyncState(context.Background(), 3, 1700000000, 45)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetMembershipLastSyncUpserts(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec("INSERT INTO ltiprovider_membership_sync .+ ON DUPLICATE KEY UPDATE").
		WithArgs(int64(7), int64(1700000000)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.SetMembershipLastSync(context.Background(), 7, 1700000000)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMembershipLastSyncMissingRowIsZero(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery("SELECT lastsync FROM ltiprovider_membership_sync").
		WithArgs(int64(7)).
		WillReturnError(sql.ErrNoRows)

	last, err := repo.GetMembershipLastSync(context.Background(), 7)
	require.NoError(t, err)
	assert.Zero(t, last)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountToolUsers(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta(
		`SELECT COUNT(*) FROM ltiprovider_users WHERE toolid = ?`)).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(12))

	count, err := repo.CountToolUsers(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(12), count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteToolsByCourseRunsInOneTransaction(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM ltiprovider_users WHERE toolid IN").
		WithArgs(int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("DELETE FROM ltiprovider_tools WHERE courseid = ?").
		WithArgs(int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.DeleteToolsByCourse(context.Background(), 42)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNextRestorationEmptyQueue(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec("UPDATE ltiprovider_restorations SET claimedat = .+, workerid = .+").
		WillReturnResult(sqlmock.NewResult(0, 0))

	claimed, err := repo.ClaimNextRestoration(context.Background(), "worker-1", time.Hour)
	require.NoError(t, err)
	assert.Nil(t, claimed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNextRestorationLeasesRow(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec("UPDATE ltiprovider_restorations SET claimedat = .+, workerid = .+").
		WillReturnResult(sqlmock.NewResult(0, 1))

	claimedAt := time.Now().Unix()
	mock.ExpectQuery("FROM ltiprovider_restorations WHERE workerid = ?").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "sourcecourseid", "destcourseid", "destfullname", "destshortname",
			"destidnumber", "userid", "roles", "claimedat", "workerid", "timecreated",
		}).AddRow(77, 10, 20, "Copy", "CPY", "X-2", 7, "Instructor", claimedAt, "worker-1", 1700000000))

	claimed, err := repo.ClaimNextRestoration(context.Background(), "worker-1", time.Hour)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	assert.Equal(t, int64(77), claimed.ID)
	assert.Equal(t, int64(10), claimed.SourceCourseID)
	assert.Equal(t, int64(20), claimed.DestCourseID)
	require.NotNil(t, claimed.WorkerID)
	assert.Equal(t, "worker-1", *claimed.WorkerID)
	require.NotNil(t, claimed.ClaimedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNextRestorationSkipsLeasedRows(t *testing.T) {
	repo, mock := newMockRepo(t)

	// The claim UPDATE matched nothing: every remaining row is inside an
	// active lease, so no SELECT follows.
	mock.ExpectExec("UPDATE ltiprovider_restorations SET claimedat = .+, workerid = .+").
		WithArgs(sqlmock.AnyArg(), "worker-2", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	claimed, err := repo.ClaimNextRestoration(context.Background(), "worker-2", time.Hour)
	require.NoError(t, err)
	assert.Nil(t, claimed)
	assert.NoError(t, mock.ExpectationsWereMet())
}
