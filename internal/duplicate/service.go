// Package duplicate clones course content (whole courses or single
// activities) into pre-existing destinations through the host's
// backup/restore capability, inline at launch time or deferred through the
// restoration queue.
package duplicate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rayhinton/moodle-local-ltiprovider/internal/config"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/db"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/host"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/logger"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/model"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/storage"
	pkgerrors "github.com/rayhinton/moodle-local-ltiprovider/pkg/errors"
)

// backupDefaults is the fixed allow-list of plan toggles callers may
// override, with the values applied when they do not.
var backupDefaults = host.BackupOptions{
	"activities":       true,
	"blocks":           true,
	"filters":          true,
	"users":            false,
	"role_assignments": false,
	"comments":         false,
	"userscompletion":  false,
	"logs":             false,
	"grade_histories":  false,
}

// Enroller enrols one user under a tool's policy. *membership.Service
// satisfies it.
type Enroller interface {
	EnrolUser(ctx context.Context, tool *model.Tool, userID int64, instructor bool, now time.Time) error
}

type Service struct {
	repo       db.Repository
	courses    host.Courses
	enrolments host.Enrolments
	groups     host.Groups
	backup     host.BackupRestore
	archives   storage.ArchiveStore
	enroller   Enroller
	provider   config.ProviderConfig
	lease      time.Duration
	log        zerolog.Logger
}

func NewService(repo db.Repository, courses host.Courses, enrolments host.Enrolments,
	groups host.Groups, backup host.BackupRestore, archives storage.ArchiveStore,
	enroller Enroller, provider config.ProviderConfig, lease time.Duration) *Service {
	return &Service{
		repo:       repo,
		courses:    courses,
		enrolments: enrolments,
		groups:     groups,
		backup:     backup,
		archives:   archives,
		enroller:   enroller,
		provider:   provider,
		lease:      lease,
		log:        logger.Get(),
	}
}

// resolveOptions validates requested toggles against the allow-list and
// merges them over the defaults. Unknown keys reject the whole request
// before any destructive step runs.
func resolveOptions(requested map[string]bool) (host.BackupOptions, error) {
	opts := make(host.BackupOptions, len(backupDefaults))
	for name, value := range backupDefaults {
		opts[name] = value
	}
	for name, value := range requested {
		if _, ok := backupDefaults[name]; !ok {
			return nil, fmt.Errorf("%w: %q", pkgerrors.ErrInvalidBackupOption, name)
		}
		opts[name] = value
	}
	return opts, nil
}

// DuplicateCourse clones sourceCourseID into the pre-existing dest course.
// The destination's identity fields always win over what the archive
// carries. When the site policy strips non-initiating users, userID and
// roles describe the launch that initiated the clone.
func (s *Service) DuplicateCourse(ctx context.Context, sourceCourseID int64, dest *model.Course,
	opts map[string]bool, userID int64, roles string) (*model.Course, error) {

	resolved, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	exists, err := s.courses.CourseExists(ctx, sourceCourseID)
	if err != nil {
		return nil, fmt.Errorf("failed to check source course: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %d", pkgerrors.ErrCourseNotFound, sourceCourseID)
	}

	if err := s.backup.RemoveCourseContents(ctx, dest.ID); err != nil {
		return nil, fmt.Errorf("failed to remove destination contents: %w", err)
	}

	dir, cleanup, err := s.tempDir()
	if err != nil {
		return nil, err
	}
	defer cleanup()

	archive, err := s.backup.BackupCourse(ctx, sourceCourseID, resolved, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to back up course %d: %w", sourceCourseID, err)
	}

	if err := s.restoreCourse(ctx, archive, dest.ID, resolved); err != nil {
		return nil, err
	}

	course, err := s.applyIdentity(ctx, dest)
	if err != nil {
		return nil, err
	}

	if s.provider.DuplicateCoursesWithoutUsers && userID > 0 {
		if err := s.stripOtherUsers(ctx, dest.ID, userID, roles, time.Now()); err != nil {
			return nil, err
		}
	}

	return course, nil
}

func (s *Service) restoreCourse(ctx context.Context, archive string, destCourseID int64,
	opts host.BackupOptions) error {

	result, err := s.backup.RestoreCourse(ctx, archive, destCourseID, opts)
	if err != nil {
		return fmt.Errorf("failed to restore into course %d: %w", destCourseID, err)
	}
	if len(result.PrecheckErrors) > 0 {
		return pkgerrors.PrecheckError{
			Errors:   result.PrecheckErrors,
			Warnings: result.PrecheckWarnings,
		}
	}
	return nil
}

// applyIdentity forces the caller-supplied identity back onto the
// destination; the restore imports the source's otherwise.
func (s *Service) applyIdentity(ctx context.Context, dest *model.Course) (*model.Course, error) {
	course, err := s.courses.GetCourse(ctx, dest.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload destination course: %w", err)
	}
	course.Visible = dest.Visible
	course.FullName = dest.FullName
	course.ShortName = dest.ShortName
	course.IDNumber = dest.IDNumber
	if err := s.courses.UpdateCourseIdentity(ctx, course); err != nil {
		return nil, fmt.Errorf("failed to restore course identity: %w", err)
	}
	return course, nil
}

// stripOtherUsers applies the site-wide "duplicate courses without users"
// policy: authored content moves to the initiating user, that user gets
// enrolled per the course tool's policy, everyone else is unenrolled and
// the groups are purged.
func (s *Service) stripOtherUsers(ctx context.Context, courseID, userID int64,
	roles string, now time.Time) error {

	if err := s.courses.ReassignAuthoredContent(ctx, courseID, userID); err != nil {
		return fmt.Errorf("failed to reassign authored content: %w", err)
	}

	contextID, err := s.courses.CourseContextID(ctx, courseID)
	if err != nil {
		return fmt.Errorf("failed to resolve course context: %w", err)
	}
	tool, err := s.repo.GetToolByContext(ctx, contextID)
	if err != nil && !errors.Is(err, pkgerrors.ErrToolNotFound) {
		return fmt.Errorf("failed to look up course tool: %w", err)
	}
	if tool != nil {
		lower := strings.ToLower(roles)
		instructor := strings.Contains(lower, "instructor") || strings.Contains(lower, "administrator")
		if err := s.enroller.EnrolUser(ctx, tool, userID, instructor, now); err != nil {
			s.log.Warn().Err(err).Int64("user_id", userID).Msg("failed to enrol initiating user")
		}
	}

	enrolled, err := s.enrolments.EnrolledUserIDs(ctx, courseID)
	if err != nil {
		return fmt.Errorf("failed to list enrolled users: %w", err)
	}
	for _, id := range enrolled {
		if id == userID {
			continue
		}
		if err := s.enrolments.Unenrol(ctx, courseID, id); err != nil {
			s.log.Warn().Err(err).Int64("user_id", id).Msg("failed to unenrol user")
		}
	}

	if err := s.groups.PurgeGroups(ctx, courseID); err != nil {
		return fmt.Errorf("failed to purge groups: %w", err)
	}
	return nil
}

// DuplicateModule clones one activity into destCourseID and returns the new
// course module id. The tool bound to the source activity's context is
// re-registered against the new module; when none exists a fresh
// registration with creation defaults is made.
func (s *Service) DuplicateModule(ctx context.Context, cmID, destCourseID int64,
	newIDNumber string) (int64, error) {

	exists, err := s.courses.CourseExists(ctx, destCourseID)
	if err != nil {
		return 0, fmt.Errorf("failed to check destination course: %w", err)
	}
	if !exists {
		return 0, fmt.Errorf("%w: %d", pkgerrors.ErrCourseNotFound, destCourseID)
	}

	oldContextID, err := s.courses.ModuleContextID(ctx, cmID)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve module context: %w", err)
	}

	dir, cleanup, err := s.tempDir()
	if err != nil {
		return 0, err
	}
	defer cleanup()

	archive, err := s.backup.BackupActivity(ctx, cmID, dir)
	if err != nil {
		return 0, fmt.Errorf("failed to back up activity %d: %w", cmID, err)
	}

	result, err := s.backup.RestoreActivity(ctx, archive, destCourseID)
	if err != nil {
		return 0, fmt.Errorf("failed to restore activity into course %d: %w", destCourseID, err)
	}
	if len(result.PrecheckErrors) > 0 {
		return 0, pkgerrors.PrecheckError{
			Errors:   result.PrecheckErrors,
			Warnings: result.PrecheckWarnings,
		}
	}

	var newCmID int64
	for _, task := range result.Tasks {
		if task.OldContextID == oldContextID {
			newCmID = task.ModuleID
			break
		}
	}
	if newCmID == 0 {
		return 0, fmt.Errorf("restore finished but no task matched context %d", oldContextID)
	}

	// When some other module already carries the target idnumber we keep
	// it and hand back the fresh module as-is.
	existing, err := s.courses.GetCourseModuleByIDNumber(ctx, newIDNumber)
	if err != nil {
		return 0, fmt.Errorf("failed to check idnumber collision: %w", err)
	}
	if existing != nil {
		return newCmID, nil
	}
	if err := s.courses.SetCourseModuleIDNumber(ctx, newCmID, newIDNumber); err != nil {
		return 0, fmt.Errorf("failed to set module idnumber: %w", err)
	}

	newContextID, err := s.courses.ModuleContextID(ctx, newCmID)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve new module context: %w", err)
	}

	tool, err := s.repo.GetToolByContext(ctx, oldContextID)
	if err != nil && !errors.Is(err, pkgerrors.ErrToolNotFound) {
		return 0, fmt.Errorf("failed to look up source tool: %w", err)
	}
	if tool != nil {
		relocated := *tool
		relocated.ID = 0
		relocated.CourseID = destCourseID
		relocated.ContextID = newContextID
		if _, err := s.repo.InsertTool(ctx, &relocated); err != nil {
			return 0, fmt.Errorf("failed to relocate tool: %w", err)
		}
	} else {
		created := model.NewTool(destCourseID, newContextID, uuid.NewString(),
			s.provider.DefaultLang, false, "")
		if _, err := s.repo.InsertTool(ctx, created); err != nil {
			return 0, fmt.Errorf("failed to create tool: %w", err)
		}
	}

	return newCmID, nil
}

// EnqueueCourseClone defers a full-course duplication to the hourly drain
// pass.
func (s *Service) EnqueueCourseClone(ctx context.Context, r *model.PendingRestoration) (int64, error) {
	r.TimeCreated = time.Now().Unix()
	id, err := s.repo.EnqueueRestoration(ctx, r)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue restoration: %w", err)
	}
	s.log.Info().Int64("restoration_id", id).Int64("source_course_id", r.SourceCourseID).
		Int64("dest_course_id", r.DestCourseID).Msg("course clone queued")
	return id, nil
}

// DrainRestorations claims and processes queued clones until no claimable
// row remains. A failed restoration keeps its claim so this pass cannot
// pick it up again; the retry happens once the lease expires, and its
// staged archive survives so the retry skips the backup step.
func (s *Service) DrainRestorations(ctx context.Context, now time.Time) error {
	workerID := uuid.NewString()
	for {
		r, err := s.repo.ClaimNextRestoration(ctx, workerID, s.lease)
		if err != nil {
			return fmt.Errorf("failed to claim restoration: %w", err)
		}
		if r == nil {
			return nil
		}

		if err := s.processRestoration(ctx, r, now); err != nil {
			s.log.Error().Err(err).Int64("restoration_id", r.ID).Msg("restoration failed")
			continue
		}

		if err := s.archives.Delete(ctx, storage.RestorationKey(r.ID)); err != nil {
			s.log.Warn().Err(err).Int64("restoration_id", r.ID).Msg("failed to delete staged archive")
		}
		if err := s.repo.DeleteRestoration(ctx, r.ID); err != nil {
			return fmt.Errorf("failed to delete restoration %d: %w", r.ID, err)
		}
		s.log.Info().Int64("restoration_id", r.ID).Msg("restoration completed")
	}
}

func (s *Service) processRestoration(ctx context.Context, r *model.PendingRestoration, now time.Time) error {
	exists, err := s.courses.CourseExists(ctx, r.SourceCourseID)
	if err != nil {
		return fmt.Errorf("failed to check source course: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: %d", pkgerrors.ErrCourseNotFound, r.SourceCourseID)
	}

	if err := s.backup.RemoveCourseContents(ctx, r.DestCourseID); err != nil {
		return fmt.Errorf("failed to remove destination contents: %w", err)
	}

	dir, cleanup, err := s.tempDir()
	if err != nil {
		return err
	}
	defer cleanup()

	archive, err := s.stageArchive(ctx, r, dir)
	if err != nil {
		return err
	}

	if err := s.restoreCourse(ctx, archive, r.DestCourseID, backupDefaults); err != nil {
		return err
	}

	dest := &model.Course{
		ID:        r.DestCourseID,
		FullName:  r.DestFullName,
		ShortName: r.DestShortName,
		IDNumber:  r.DestIDNumber,
		Visible:   true,
	}
	if _, err := s.applyIdentity(ctx, dest); err != nil {
		return err
	}

	if s.provider.DuplicateCoursesWithoutUsers && r.UserID > 0 {
		if err := s.stripOtherUsers(ctx, r.DestCourseID, r.UserID, r.Roles, now); err != nil {
			return err
		}
	}
	return nil
}

// stageArchive reuses the archive staged by a previous attempt of this
// restoration, or backs the source up fresh and stages it before the
// destructive restore begins.
func (s *Service) stageArchive(ctx context.Context, r *model.PendingRestoration, dir string) (string, error) {
	key := storage.RestorationKey(r.ID)

	staged, err := s.archives.Exists(ctx, key)
	if err != nil {
		return "", fmt.Errorf("failed to check staged archive: %w", err)
	}
	if staged {
		path := filepath.Join(dir, filepath.Base(key))
		if err := s.downloadArchive(ctx, key, path); err != nil {
			return "", err
		}
		s.log.Info().Int64("restoration_id", r.ID).Msg("reusing staged archive")
		return path, nil
	}

	archive, err := s.backup.BackupCourse(ctx, r.SourceCourseID, backupDefaults, dir)
	if err != nil {
		return "", fmt.Errorf("failed to back up course %d: %w", r.SourceCourseID, err)
	}
	if err := s.uploadArchive(ctx, key, archive); err != nil {
		return "", err
	}
	return archive, nil
}

func (s *Service) downloadArchive(ctx context.Context, key, path string) error {
	body, err := s.archives.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to fetch staged archive: %w", err)
	}
	defer body.Close()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, body); err != nil {
		return fmt.Errorf("failed to write archive file: %w", err)
	}
	return nil
}

func (s *Service) uploadArchive(ctx context.Context, key, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	if err := s.archives.Put(ctx, key, f); err != nil {
		return fmt.Errorf("failed to stage archive: %w", err)
	}
	return nil
}

// tempDir creates the per-operation scratch directory. The returned cleanup
// runs on every exit path unless the site keeps temp directories for
// debugging.
func (s *Service) tempDir() (string, func(), error) {
	dir, err := os.MkdirTemp("", "ltiprovider-backup-")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	cleanup := func() {
		if s.provider.KeepTempDirectoriesOnBackup {
			return
		}
		if err := os.RemoveAll(dir); err != nil {
			s.log.Warn().Err(err).Str("dir", dir).Msg("failed to remove temp dir")
		}
	}
	return dir, cleanup, nil
}
