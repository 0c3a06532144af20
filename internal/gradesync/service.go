// Package gradesync delivers computed grades and completion state back to
// the consumers that launched each tool, one signed callback per user.
package gradesync

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/rayhinton/moodle-local-ltiprovider/internal/db"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/hook"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/host"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/logger"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/model"
	pkgerrors "github.com/rayhinton/moodle-local-ltiprovider/pkg/errors"
)

// Sender is the signed-transport slice this engine needs.
type Sender interface {
	PostXML(ctx context.Context, endpoint, consumerKey, consumerSecret, body string) (string, error)
}

type Service struct {
	repo       db.Repository
	courses    host.Courses
	gradebook  host.Gradebook
	completion host.Completion
	hooks      *hook.Registry
	sender     Sender
	log        zerolog.Logger
}

func NewService(repo db.Repository, courses host.Courses, gradebook host.Gradebook,
	completion host.Completion, hooks *hook.Registry, sender Sender) *Service {
	return &Service{
		repo:       repo,
		courses:    courses,
		gradebook:  gradebook,
		completion: completion,
		hooks:      hooks,
		sender:     sender,
		log:        logger.Get(),
	}
}

// Options tune one sync pass. Force bypasses the recent-sync guard;
// OmitCompletion drops the tool's completion requirement for this run.
type Options struct {
	Force          bool
	OmitCompletion bool
}

// SyncTool attempts grade delivery for every given user of one tool and
// returns the ordered report. Per-user failures never abort the pass.
func (s *Service) SyncTool(ctx context.Context, tool *model.Tool, users []model.ProvisionedUser,
	now time.Time, opts Options) *model.SyncReport {

	report := &model.SyncReport{}
	report.Logf(" Starting sync tool for grades id %d course id %d", tool.ID, tool.CourseID)

	requireCompletion := tool.RequireCompletion && !opts.OmitCompletion
	if requireCompletion {
		report.Logf("  Grades require activity or course completion")
	}

	updateToolLastSync := false

	for i := range users {
		user := &users[i]

		if !s.hooks.AllowGradeSync(ctx, tool, user) {
			report.Logf(" Extensions return invalid result for %d and tool %d", user.ID, tool.ContextID)
			continue
		}

		report.Attempted++

		if user.ServiceURL == "" {
			report.Logf("   Empty serviceurl")
			continue
		}
		if user.SourceID == "" {
			report.Logf("   Empty sourceid")
			continue
		}
		if !opts.Force && user.LastSync > tool.LastSync {
			report.Logf("   Skipping user %d due to recent sync", user.ID)
			continue
		}

		toolContext, err := s.courses.GetContext(ctx, tool.ContextID)
		if err != nil {
			report.Logf(" Invalid context: contextid = %d", tool.ContextID)
			continue
		}

		grade, skip := s.resolveGrade(ctx, tool, user, toolContext, requireCompletion, report)
		if skip {
			continue
		}
		if !grade.Found {
			report.Logf("   Invalid grade for user %d", user.UserID)
			report.Errored++
			continue
		}

		// No need to be dividing by zero.
		if grade.Max == 0 {
			grade.Max = 100
		}

		// Don't double send. lastgrade is stored integer-truncated, so
		// sub-point changes do not trigger a resend; changing that needs
		// a storage migration, not a code fix.
		if int64(grade.Score) == user.LastGrade {
			report.Logf("   Skipping, last grade send is equal to current grade")
			continue
		}

		if grade.Score < 0 || grade.Score > grade.Max {
			report.Logf(" User grade for user %d out of range: grade = %v", user.UserID, grade.Score)
			report.Errored++
			continue
		}

		floatGrade := grade.Score / grade.Max
		body := BuildReplaceResult(user.SourceID, floatGrade, now)

		response, err := s.sender.PostXML(ctx, user.ServiceURL, user.ConsumerKey, user.ConsumerSecret, body)
		if err != nil {
			s.log.Warn().Err(err).Int64("user_id", user.UserID).Int64("tool_id", tool.ID).
				Msg("Grade passback request failed")
			report.Logf(" %v", err)
			report.Errored++
			continue
		}

		if !IsSuccess(response) {
			report.Logf(" User grade send failed. userid: %d grade: %v: %s", user.UserID, floatGrade, response)
			report.Errored++
			continue
		}

		if err := s.repo.SetUserSyncState(ctx, user.ID, now.Unix(), int64(grade.Score)); err != nil {
			s.log.Error().Err(err).Int64("user_id", user.UserID).Msg("Failed to persist sync state")
			report.Logf(" Failed to persist sync state for user %d: %v", user.UserID, err)
			report.Errored++
			continue
		}

		updateToolLastSync = true
		report.Sent++
		report.Logf(" User grade sent to remote system. userid: %d grade: %v", user.UserID, floatGrade)
	}

	report.Logf(" Completed sync tool id %d course id %d users=%d sent=%d errors=%d",
		tool.ID, tool.CourseID, report.Attempted, report.Sent, report.Errored)

	if updateToolLastSync {
		if err := s.repo.SetToolLastSync(ctx, tool.ID, now.Unix()); err != nil {
			s.log.Error().Err(err).Int64("tool_id", tool.ID).Msg("Failed to update tool lastsync")
		}
	}

	return report
}

// resolveGrade computes the grade to transmit for one user. The bool
// result reports an expected skip (completion gate not met) that was
// already logged.
func (s *Service) resolveGrade(ctx context.Context, tool *model.Tool, user *model.ProvisionedUser,
	toolContext *model.Context, requireCompletion bool, report *model.SyncReport) (model.GradeResult, bool) {

	// Completion state is consulted only when a tool gates on it or
	// transmits it, so a completion store failure cannot block a plain
	// gradebook pass.
	needCompletion := requireCompletion || tool.SendCompletion

	switch toolContext.Level {
	case model.ContextCourse:
		if needCompletion {
			complete, err := s.completion.IsCourseComplete(ctx, user.UserID, tool.CourseID)
			if err != nil {
				report.Logf("   Failed to read completion for user %d: %v", user.UserID, err)
				report.Errored++
				return model.GradeResult{}, true
			}
			if requireCompletion && !complete {
				report.Logf("   Skipping user %d since they didn't complete the course", user.UserID)
				return model.GradeResult{}, true
			}
			if tool.SendCompletion {
				return model.Completed(complete), false
			}
		}

		grade, err := s.gradebook.CourseGrade(ctx, user.UserID, tool.CourseID)
		if err != nil {
			report.Logf("   Failed to read course grade for user %d: %v", user.UserID, err)
			report.Errored++
			return model.GradeResult{}, true
		}
		return grade, false

	case model.ContextModule:
		cm, err := s.courses.GetCourseModule(ctx, toolContext.InstanceID)
		if err != nil {
			report.Logf(" Invalid context: contextid = %d", tool.ContextID)
			report.Errored++
			return model.GradeResult{}, true
		}

		if needCompletion {
			state, err := s.completion.ActivityCompletion(ctx, user.UserID, cm.ID)
			if err != nil {
				report.Logf("   Failed to read completion for user %d: %v", user.UserID, err)
				report.Errored++
				return model.GradeResult{}, true
			}
			if requireCompletion && state != model.CompletionComplete && state != model.CompletionCompletePass {
				report.Logf("   Skipping user %d since they didn't complete the activity", user.UserID)
				return model.GradeResult{}, true
			}
			if tool.SendCompletion {
				done := state == model.CompletionComplete ||
					state == model.CompletionCompletePass ||
					state == model.CompletionCompleteFail
				return model.Completed(done), false
			}
		}

		grade, err := s.gradebook.ActivityGrade(ctx, user.UserID, cm)
		if err != nil {
			report.Logf("   Failed to read activity grade for user %d: %v", user.UserID, err)
			report.Errored++
			return model.GradeResult{}, true
		}
		return grade, false
	}

	report.Logf(" Invalid context: contextid = %d", tool.ContextID)
	return model.GradeResult{}, true
}

// ForceSync runs a manual pass over all tools matching the request,
// bypassing the recent-sync guard, and concatenates the reports.
func (s *Service) ForceSync(ctx context.Context, req model.ForceSyncRequest) (*model.SyncReport, error) {
	tools, err := s.repo.ListGradeSyncTools(ctx, req.CourseID, req.ToolID)
	if err != nil {
		return nil, err
	}
	if len(tools) == 0 && req.ToolID != 0 {
		return nil, pkgerrors.ErrToolNotFound
	}

	combined := &model.SyncReport{}
	now := time.Now()

	for i := range tools {
		tool := &tools[i]
		users, err := s.repo.ListToolUsersFiltered(ctx, tool.ID, req.UserIDs)
		if err != nil {
			return nil, err
		}

		report := s.SyncTool(ctx, tool, users, now, Options{
			Force:          true,
			OmitCompletion: req.OmitCompletion,
		})
		combined.Lines = append(combined.Lines, report.Lines...)
		combined.Attempted += report.Attempted
		combined.Sent += report.Sent
		combined.Errored += report.Errored
	}

	return combined, nil
}
