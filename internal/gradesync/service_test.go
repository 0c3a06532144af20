package gradesync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rayhinton/moodle-local-ltiprovider/internal/db"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/hook"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/model"
)

// -------- test fakes --------

type fakeRepo struct {
	db.Repository

	tools []model.Tool
	users []model.ProvisionedUser

	syncStateCalls []syncStateCall
	toolLastSync   map[int64]int64
}

type syncStateCall struct {
	id        int64
	lastSync  int64
	lastGrade int64
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{toolLastSync: make(map[int64]int64)}
}

func (f *fakeRepo) SetUserSyncState(ctx context.Context, id, lastSync, lastGrade int64) error {
	f.syncStateCalls = append(f.syncStateCalls, syncStateCall{id, lastSync, lastGrade})
	return nil
}

func (f *fakeRepo) SetToolLastSync(ctx context.Context, toolID, timestamp int64) error {
	f.toolLastSync[toolID] = timestamp
	return nil
}

func (f *fakeRepo) ListGradeSyncTools(ctx context.Context, courseID, toolID int64) ([]model.Tool, error) {
	return f.tools, nil
}

func (f *fakeRepo) ListToolUsersFiltered(ctx context.Context, toolID int64, userIDs []int64) ([]model.ProvisionedUser, error) {
	return f.users, nil
}

type fakeCourses struct {
	contexts map[int64]*model.Context
	modules  map[int64]*model.CourseModule
}

func (f *fakeCourses) GetContext(ctx context.Context, contextID int64) (*model.Context, error) {
	c, ok := f.contexts[contextID]
	if !ok {
		return nil, errors.New("context not found")
	}
	return c, nil
}

func (f *fakeCourses) GetCourseModule(ctx context.Context, cmID int64) (*model.CourseModule, error) {
	m, ok := f.modules[cmID]
	if !ok {
		return nil, errors.New("module not found")
	}
	return m, nil
}

func (f *fakeCourses) GetCourse(ctx context.Context, id int64) (*model.Course, error) {
	return nil, nil
}
func (f *fakeCourses) CourseExists(ctx context.Context, id int64) (bool, error) { return true, nil }
func (f *fakeCourses) UpdateCourseIdentity(ctx context.Context, course *model.Course) error {
	return nil
}
func (f *fakeCourses) GetCourseModuleByIDNumber(ctx context.Context, idNumber string) (*model.CourseModule, error) {
	return nil, nil
}
func (f *fakeCourses) SetCourseModuleIDNumber(ctx context.Context, cmID int64, idNumber string) error {
	return nil
}
func (f *fakeCourses) ModuleContextID(ctx context.Context, cmID int64) (int64, error) { return 0, nil }
func (f *fakeCourses) CourseContextID(ctx context.Context, courseID int64) (int64, error) {
	return 0, nil
}
func (f *fakeCourses) ReassignAuthoredContent(ctx context.Context, courseID, userID int64) error {
	return nil
}

type fakeGradebook struct {
	course   map[int64]model.GradeResult
	activity map[int64]model.GradeResult
}

func (f *fakeGradebook) CourseGrade(ctx context.Context, userID, courseID int64) (model.GradeResult, error) {
	return f.course[userID], nil
}

func (f *fakeGradebook) ActivityGrade(ctx context.Context, userID int64, cm *model.CourseModule) (model.GradeResult, error) {
	return f.activity[userID], nil
}

type fakeCompletion struct {
	courseComplete map[int64]bool
	activityState  map[int64]model.CompletionState
	err            error
}

func (f *fakeCompletion) IsCourseComplete(ctx context.Context, userID, courseID int64) (bool, error) {
	return f.courseComplete[userID], f.err
}

func (f *fakeCompletion) ActivityCompletion(ctx context.Context, userID, cmID int64) (model.CompletionState, error) {
	return f.activityState[userID], f.err
}

type fakeSender struct {
	bodies   []string
	response string
	err      error
}

func (f *fakeSender) PostXML(ctx context.Context, endpoint, consumerKey, consumerSecret, body string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.bodies = append(f.bodies, body)
	return f.response, nil
}

// -------- helpers --------

func courseTool() *model.Tool {
	return &model.Tool{
		ID:         7,
		CourseID:   42,
		ContextID:  100,
		SendGrades: true,
	}
}

func courseContexts() *fakeCourses {
	return &fakeCourses{
		contexts: map[int64]*model.Context{
			100: {ID: 100, Level: model.ContextCourse, InstanceID: 42},
		},
	}
}

func provisionedUser() model.ProvisionedUser {
	return model.ProvisionedUser{
		ID:         1,
		UserID:     501,
		ServiceURL: "https://consumer.example.com/grades",
		SourceID:   "abc",
		LastGrade:  -1,
	}
}

func newTestService(repo *fakeRepo, courses *fakeCourses, gradebook *fakeGradebook,
	completion *fakeCompletion, sender *fakeSender) *Service {
	return NewService(repo, courses, gradebook, completion, hook.NewRegistry(), sender)
}

// -------- tests --------

func TestSyncToolSendsCourseGrade(t *testing.T) {
	repo := newFakeRepo()
	sender := &fakeSender{response: "success"}
	gradebook := &fakeGradebook{course: map[int64]model.GradeResult{
		501: {Score: 45, Max: 50, Found: true},
	}}

	svc := newTestService(repo, courseContexts(), gradebook, &fakeCompletion{}, sender)

	now := time.Unix(1700000000, 0)
	report := svc.SyncTool(context.Background(), courseTool(),
		[]model.ProvisionedUser{provisionedUser()}, now, Options{})

	assert.Equal(t, 1, report.Attempted)
	assert.Equal(t, 1, report.Sent)
	assert.Equal(t, 0, report.Errored)

	require.Len(t, sender.bodies, 1)
	assert.Contains(t, sender.bodies[0], "<textString>0.9</textString>")
	assert.Contains(t, sender.bodies[0], "<sourcedId>abc</sourcedId>")

	// 45 truncates to 45 for the dedupe record, and tool lastsync moves.
	require.Len(t, repo.syncStateCalls, 1)
	assert.Equal(t, syncStateCall{id: 1, lastSync: now.Unix(), lastGrade: 45}, repo.syncStateCalls[0])
	assert.Equal(t, now.Unix(), repo.toolLastSync[7])
}

func TestSyncToolTruncatesFractionalGrade(t *testing.T) {
	repo := newFakeRepo()
	sender := &fakeSender{response: "success"}
	gradebook := &fakeGradebook{course: map[int64]model.GradeResult{
		501: {Score: 0.9, Max: 1, Found: true},
	}}

	svc := newTestService(repo, courseContexts(), gradebook, &fakeCompletion{}, sender)

	report := svc.SyncTool(context.Background(), courseTool(),
		[]model.ProvisionedUser{provisionedUser()}, time.Unix(1700000000, 0), Options{})

	assert.Equal(t, 1, report.Sent)

	// Sub-point scores truncate to zero in the dedupe record.
	require.Len(t, repo.syncStateCalls, 1)
	assert.Equal(t, int64(0), repo.syncStateCalls[0].lastGrade)
}

func TestSyncToolDedupesUnchangedGrade(t *testing.T) {
	repo := newFakeRepo()
	sender := &fakeSender{response: "success"}
	gradebook := &fakeGradebook{course: map[int64]model.GradeResult{
		501: {Score: 45, Max: 50, Found: true},
	}}

	user := provisionedUser()
	user.LastGrade = 45

	svc := newTestService(repo, courseContexts(), gradebook, &fakeCompletion{}, sender)

	report := svc.SyncTool(context.Background(), courseTool(),
		[]model.ProvisionedUser{user}, time.Now(), Options{})

	assert.Equal(t, 1, report.Attempted)
	assert.Equal(t, 0, report.Sent)
	assert.Equal(t, 0, report.Errored)
	assert.Empty(t, sender.bodies)
	assert.Empty(t, repo.toolLastSync)
}

func TestSyncToolSubstitutesZeroGradeMax(t *testing.T) {
	repo := newFakeRepo()
	sender := &fakeSender{response: "success"}
	gradebook := &fakeGradebook{course: map[int64]model.GradeResult{
		501: {Score: 50, Max: 0, Found: true},
	}}

	svc := newTestService(repo, courseContexts(), gradebook, &fakeCompletion{}, sender)

	report := svc.SyncTool(context.Background(), courseTool(),
		[]model.ProvisionedUser{provisionedUser()}, time.Now(), Options{})

	assert.Equal(t, 1, report.Sent)
	require.Len(t, sender.bodies, 1)
	assert.Contains(t, sender.bodies[0], "<textString>0.5</textString>")
}

func TestSyncToolRejectsOutOfRangeGrade(t *testing.T) {
	repo := newFakeRepo()
	sender := &fakeSender{response: "success"}
	gradebook := &fakeGradebook{course: map[int64]model.GradeResult{
		501: {Score: 150, Max: 100, Found: true},
	}}

	svc := newTestService(repo, courseContexts(), gradebook, &fakeCompletion{}, sender)

	report := svc.SyncTool(context.Background(), courseTool(),
		[]model.ProvisionedUser{provisionedUser()}, time.Now(), Options{})

	assert.Equal(t, 1, report.Attempted)
	assert.Equal(t, 0, report.Sent)
	assert.Equal(t, 1, report.Errored)
	assert.Empty(t, sender.bodies)
}

func TestSyncToolSkipsRecentlySynced(t *testing.T) {
	repo := newFakeRepo()
	sender := &fakeSender{response: "success"}
	gradebook := &fakeGradebook{course: map[int64]model.GradeResult{
		501: {Score: 45, Max: 50, Found: true},
	}}

	tool := courseTool()
	tool.LastSync = 1000
	user := provisionedUser()
	user.LastSync = 2000

	svc := newTestService(repo, courseContexts(), gradebook, &fakeCompletion{}, sender)

	report := svc.SyncTool(context.Background(), tool,
		[]model.ProvisionedUser{user}, time.Now(), Options{})
	assert.Equal(t, 0, report.Sent)
	assert.Empty(t, sender.bodies)

	// Force bypasses the guard.
	report = svc.SyncTool(context.Background(), tool,
		[]model.ProvisionedUser{user}, time.Now(), Options{Force: true})
	assert.Equal(t, 1, report.Sent)
}

func TestSyncToolSkipsEmptyCallbacks(t *testing.T) {
	repo := newFakeRepo()
	sender := &fakeSender{response: "success"}

	noURL := provisionedUser()
	noURL.ServiceURL = ""
	noSource := provisionedUser()
	noSource.ID = 2
	noSource.SourceID = ""

	svc := newTestService(repo, courseContexts(), &fakeGradebook{}, &fakeCompletion{}, sender)

	report := svc.SyncTool(context.Background(), courseTool(),
		[]model.ProvisionedUser{noURL, noSource}, time.Now(), Options{})

	assert.Equal(t, 2, report.Attempted)
	assert.Equal(t, 0, report.Sent)
	assert.Equal(t, 0, report.Errored)
	assert.Empty(t, sender.bodies)
}

func TestSyncToolCountsDeliveryFailure(t *testing.T) {
	repo := newFakeRepo()
	sender := &fakeSender{response: "failure"}
	gradebook := &fakeGradebook{course: map[int64]model.GradeResult{
		501: {Score: 45, Max: 50, Found: true},
	}}

	svc := newTestService(repo, courseContexts(), gradebook, &fakeCompletion{}, sender)

	report := svc.SyncTool(context.Background(), courseTool(),
		[]model.ProvisionedUser{provisionedUser()}, time.Now(), Options{})

	assert.Equal(t, 0, report.Sent)
	assert.Equal(t, 1, report.Errored)
	assert.Empty(t, repo.syncStateCalls)
	assert.Empty(t, repo.toolLastSync)
}

func TestSyncToolRequireCompletionGate(t *testing.T) {
	repo := newFakeRepo()
	sender := &fakeSender{response: "success"}
	gradebook := &fakeGradebook{course: map[int64]model.GradeResult{
		501: {Score: 45, Max: 50, Found: true},
	}}
	completion := &fakeCompletion{courseComplete: map[int64]bool{501: false}}

	tool := courseTool()
	tool.RequireCompletion = true

	svc := newTestService(repo, courseContexts(), gradebook, completion, sender)

	report := svc.SyncTool(context.Background(), tool,
		[]model.ProvisionedUser{provisionedUser()}, time.Now(), Options{})
	assert.Equal(t, 0, report.Sent)

	// OmitCompletion drops the gate for a forced run.
	report = svc.SyncTool(context.Background(), tool,
		[]model.ProvisionedUser{provisionedUser()}, time.Now(), Options{OmitCompletion: true})
	assert.Equal(t, 1, report.Sent)
}

func TestSyncToolIgnoresCompletionStoreWhenUnused(t *testing.T) {
	repo := newFakeRepo()
	sender := &fakeSender{response: "success"}
	gradebook := &fakeGradebook{course: map[int64]model.GradeResult{
		501: {Score: 45, Max: 50, Found: true},
	}}
	// The tool neither gates on completion nor transmits it, so a broken
	// completion store must not get in the way of the gradebook pass.
	completion := &fakeCompletion{err: errors.New("completion table locked")}

	svc := newTestService(repo, courseContexts(), gradebook, completion, sender)

	report := svc.SyncTool(context.Background(), courseTool(),
		[]model.ProvisionedUser{provisionedUser()}, time.Now(), Options{})

	assert.Equal(t, 1, report.Sent)
	assert.Equal(t, 0, report.Errored)
	require.Len(t, sender.bodies, 1)
	assert.Contains(t, sender.bodies[0], "<textString>0.9</textString>")
}

func TestSyncToolSendsCompletionAsGrade(t *testing.T) {
	repo := newFakeRepo()
	sender := &fakeSender{response: "success"}
	completion := &fakeCompletion{courseComplete: map[int64]bool{501: true}}

	tool := courseTool()
	tool.SendCompletion = true

	svc := newTestService(repo, courseContexts(), &fakeGradebook{}, completion, sender)

	report := svc.SyncTool(context.Background(), tool,
		[]model.ProvisionedUser{provisionedUser()}, time.Now(), Options{})

	assert.Equal(t, 1, report.Sent)
	require.Len(t, sender.bodies, 1)
	assert.Contains(t, sender.bodies[0], "<textString>1</textString>")
}

func TestSyncToolHookVeto(t *testing.T) {
	repo := newFakeRepo()
	sender := &fakeSender{response: "success"}
	gradebook := &fakeGradebook{course: map[int64]model.GradeResult{
		501: {Score: 45, Max: 50, Found: true},
	}}

	hooks := hook.NewRegistry()
	hooks.RegisterGradeSync(func(ctx context.Context, tool *model.Tool, user *model.ProvisionedUser) bool {
		return false
	})

	svc := NewService(repo, courseContexts(), gradebook, &fakeCompletion{}, hooks, sender)

	report := svc.SyncTool(context.Background(), courseTool(),
		[]model.ProvisionedUser{provisionedUser()}, time.Now(), Options{})

	// Vetoed users are not counted as attempts or errors.
	assert.Equal(t, 0, report.Attempted)
	assert.Equal(t, 0, report.Errored)
	assert.Empty(t, sender.bodies)
}

func TestForceSyncCombinesReports(t *testing.T) {
	repo := newFakeRepo()
	repo.tools = []model.Tool{*courseTool()}
	repo.users = []model.ProvisionedUser{provisionedUser()}
	sender := &fakeSender{response: "success"}
	gradebook := &fakeGradebook{course: map[int64]model.GradeResult{
		501: {Score: 45, Max: 50, Found: true},
	}}

	svc := newTestService(repo, courseContexts(), gradebook, &fakeCompletion{}, sender)

	report, err := svc.ForceSync(context.Background(), model.ForceSyncRequest{CourseID: 42})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)
	assert.NotEmpty(t, report.Lines)
}
