// Package cleanup removes tool registrations whose backing course no
// longer exists, together with every user provisioned under them.
package cleanup

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/rayhinton/moodle-local-ltiprovider/internal/db"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/host"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/logger"
)

type Service struct {
	repo    db.Repository
	courses host.Courses
	log     zerolog.Logger
}

func NewService(repo db.Repository, courses host.Courses) *Service {
	return &Service{
		repo:    repo,
		courses: courses,
		log:     logger.Get(),
	}
}

// Run checks every registered tool and deletes those whose course is gone.
// Idempotent and purely local; a second pass over the same state deletes
// nothing.
func (s *Service) Run(ctx context.Context) error {
	tools, err := s.repo.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tools: %w", err)
	}

	removed := 0
	for i := range tools {
		tool := &tools[i]

		exists, err := s.courses.CourseExists(ctx, tool.CourseID)
		if err != nil {
			return fmt.Errorf("failed to check course %d: %w", tool.CourseID, err)
		}
		if exists {
			continue
		}

		if err := s.repo.DeleteToolsByCourse(ctx, tool.CourseID); err != nil {
			return fmt.Errorf("failed to delete tools for course %d: %w", tool.CourseID, err)
		}
		removed++
		s.log.Info().Int64("tool_id", tool.ID).Int64("course_id", tool.CourseID).
			Msg("removed tool for missing course")
	}

	s.log.Info().Int("removed", removed).Msg("missing course cleanup finished")
	return nil
}
