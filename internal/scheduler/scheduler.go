// Package scheduler drives the periodic engines: grade sync, membership
// reconciliation, missing-course cleanup and restoration draining, each on
// its own cadence. Passes run sequentially on one goroutine so no two jobs
// ever overlap.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/rayhinton/moodle-local-ltiprovider/internal/cleanup"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/config"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/db"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/duplicate"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/gradesync"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/logger"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/membership"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/model"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/queue"
)

type Scheduler struct {
	cfg        *config.Config
	repo       db.Repository
	grades     *gradesync.Service
	members    *membership.Service
	cleaner    *cleanup.Service
	duplicator *duplicate.Service
	producer   *queue.Producer
	log        zerolog.Logger
}

func NewScheduler(cfg *config.Config, repo db.Repository, grades *gradesync.Service,
	members *membership.Service, cleaner *cleanup.Service, duplicator *duplicate.Service,
	producer *queue.Producer) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		repo:       repo,
		grades:     grades,
		members:    members,
		cleaner:    cleaner,
		duplicator: duplicator,
		producer:   producer,
		log:        logger.Get(),
	}
}

// Run blocks until ctx ends, firing each job on its ticker. All four jobs
// share this goroutine; a slow pass delays the others rather than racing
// them.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info().
		Dur("grades_interval", s.cfg.Sync.GradesInterval).
		Dur("membership_interval", s.cfg.Sync.MembershipInterval).
		Dur("cleanup_interval", s.cfg.Sync.CleanupInterval).
		Dur("restore_interval", s.cfg.Sync.RestoreInterval).
		Msg("Starting scheduler")

	gradesTicker := time.NewTicker(s.cfg.Sync.GradesInterval)
	defer gradesTicker.Stop()
	membershipTicker := time.NewTicker(s.cfg.Sync.MembershipInterval)
	defer membershipTicker.Stop()
	cleanupTicker := time.NewTicker(s.cfg.Sync.CleanupInterval)
	defer cleanupTicker.Stop()
	restoreTicker := time.NewTicker(s.cfg.Sync.RestoreInterval)
	defer restoreTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Scheduler context cancelled")
			return ctx.Err()
		case <-gradesTicker.C:
			s.runPass(ctx, "grade sync", s.runGradePass)
		case <-membershipTicker.C:
			s.runPass(ctx, "membership sync", s.runMembershipPass)
		case <-cleanupTicker.C:
			s.runPass(ctx, "missing course cleanup", s.cleaner.Run)
		case <-restoreTicker.C:
			s.runPass(ctx, "restoration drain", s.runRestorationPass)
		}
	}
}

func (s *Scheduler) runPass(ctx context.Context, name string, job func(context.Context) error) {
	if s.cfg.Sync.PassTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Sync.PassTimeout)
		defer cancel()
	}

	start := time.Now()
	s.log.Info().Str("job", name).Msg("Starting scheduled pass")
	if err := job(ctx); err != nil {
		s.log.Error().Err(err).Str("job", name).Msg("Scheduled pass failed")
		return
	}
	s.log.Info().Str("job", name).Dur("duration", time.Since(start)).Msg("Scheduled pass completed")
}

func (s *Scheduler) runGradePass(ctx context.Context) error {
	now := time.Now()

	tools, err := s.repo.ListGradeSyncTools(ctx, 0, 0)
	if err != nil {
		return err
	}

	for i := range tools {
		tool := &tools[i]

		users, err := s.repo.ListToolUsers(ctx, tool.ID)
		if err != nil {
			s.log.Error().Err(err).Int64("tool_id", tool.ID).Msg("failed to list tool users")
			continue
		}

		report := s.grades.SyncTool(ctx, tool, users, now, gradesync.Options{})
		for _, line := range report.Lines {
			s.log.Info().Msg(line)
		}
	}
	return nil
}

func (s *Scheduler) runMembershipPass(ctx context.Context) error {
	now := time.Now()
	state := membership.NewPassState()

	tools, err := s.repo.ListMembershipSyncTools(ctx)
	if err != nil {
		return err
	}

	for i := range tools {
		tool := &tools[i]

		// Each tool also carries its own minimum re-sync interval.
		if tool.SyncPeriod > 0 {
			last, err := s.repo.GetMembershipLastSync(ctx, tool.ID)
			if err != nil {
				s.log.Error().Err(err).Int64("tool_id", tool.ID).Msg("failed to read membership last sync")
				continue
			}
			if last > 0 && now.Before(time.Unix(last, 0).Add(tool.SyncPeriod)) {
				s.log.Debug().Int64("tool_id", tool.ID).Msg("skipping tool, sync period not elapsed")
				continue
			}
		}

		if err := s.members.SyncTool(ctx, tool, now, state); err != nil {
			s.log.Error().Err(err).Int64("tool_id", tool.ID).Msg("membership sync failed")
		}
	}

	s.enqueuePhotos(ctx, state)
	return nil
}

// enqueuePhotos pushes the pass's accumulated photo URLs to the download
// queue in one batch, after all tools are done.
func (s *Scheduler) enqueuePhotos(ctx context.Context, state *membership.PassState) {
	queued := 0
	for userID, url := range state.Photos {
		if url == "" {
			continue
		}
		job := model.PhotoJob{UserID: userID, URL: url}
		if err := s.producer.EnqueuePhotoJob(ctx, job); err != nil {
			s.log.Error().Err(err).Int64("user_id", userID).Msg("failed to enqueue photo job")
			continue
		}
		queued++
	}
	if queued > 0 {
		s.log.Info().Int("queued", queued).Msg("profile photo downloads queued")
	}
}

func (s *Scheduler) runRestorationPass(ctx context.Context) error {
	return s.duplicator.DrainRestorations(ctx, time.Now())
}
