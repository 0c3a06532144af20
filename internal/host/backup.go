package host

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/rayhinton/moodle-local-ltiprovider/internal/config"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/logger"
	pkgerrors "github.com/rayhinton/moodle-local-ltiprovider/pkg/errors"
)

// BackupClient drives the host's backup/restore service over HTTP. The
// service runs non-interactive backup and restore plans and streams the
// resulting archive back; its internals are opaque to this side.
type BackupClient struct {
	cfg        config.BackupServiceConfig
	httpClient *http.Client
	log        zerolog.Logger
}

func NewBackupClient(cfg config.BackupServiceConfig) *BackupClient {
	return &BackupClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		log: logger.Get(),
	}
}

type backupRequest struct {
	Type     string          `json:"type"`
	SourceID int64           `json:"source_id"`
	Settings map[string]bool `json:"settings,omitempty"`
}

type restoreRequest struct {
	Target       string          `json:"target"`
	DestCourseID int64           `json:"dest_course_id"`
	Settings     map[string]bool `json:"settings,omitempty"`
}

func (c *BackupClient) postJSON(ctx context.Context, path string, payload interface{}) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, pkgerrors.NewRetryableError(err, "backup service request failed")
	}
	return resp, nil
}

func (c *BackupClient) backup(ctx context.Context, req backupRequest, dir string) (string, error) {
	start := time.Now()
	resp, err := c.postJSON(ctx, "/backup", req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("backup service returned status %d: %s", resp.StatusCode, string(body))
	}

	archivePath := filepath.Join(dir, fmt.Sprintf("backup-%s-%d.mbz", req.Type, req.SourceID))
	out, err := os.Create(archivePath)
	if err != nil {
		return "", fmt.Errorf("failed to create archive file: %w", err)
	}
	defer out.Close()

	written, err := io.Copy(out, resp.Body)
	if err != nil {
		os.Remove(archivePath)
		return "", fmt.Errorf("failed to write archive: %w", err)
	}

	c.log.Debug().
		Str("archive", archivePath).
		Int64("bytes", written).
		Dur("duration", time.Since(start)).
		Msg("Backup archive downloaded")

	return archivePath, nil
}

func (c *BackupClient) BackupCourse(ctx context.Context, courseID int64, opts BackupOptions, dir string) (string, error) {
	return c.backup(ctx, backupRequest{Type: "course", SourceID: courseID, Settings: opts}, dir)
}

func (c *BackupClient) BackupActivity(ctx context.Context, cmID int64, dir string) (string, error) {
	return c.backup(ctx, backupRequest{Type: "activity", SourceID: cmID}, dir)
}

func (c *BackupClient) restore(ctx context.Context, archivePath string, req restoreRequest) (*RestoreResult, error) {
	archive, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer archive.Close()

	meta, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal restore request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/restore", archive)
	if err != nil {
		return nil, fmt.Errorf("failed to create restore request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/vnd.moodle.backup")
	httpReq.Header.Set("X-Restore-Options", string(meta))
	if c.cfg.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, pkgerrors.NewRetryableError(err, "restore request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusUnprocessableEntity {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("restore service returned status %d: %s", resp.StatusCode, string(body))
	}

	var result RestoreResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode restore result: %w", err)
	}
	return &result, nil
}

// RestoreCourse replays a course archive into the destination in
// replace-current-deleting target mode.
func (c *BackupClient) RestoreCourse(ctx context.Context, archivePath string, destCourseID int64, opts BackupOptions) (*RestoreResult, error) {
	return c.restore(ctx, archivePath, restoreRequest{
		Target:       "current_deleting",
		DestCourseID: destCourseID,
		Settings:     opts,
	})
}

// RestoreActivity imports a single-activity archive into the destination
// course without touching its existing content.
func (c *BackupClient) RestoreActivity(ctx context.Context, archivePath string, destCourseID int64) (*RestoreResult, error) {
	return c.restore(ctx, archivePath, restoreRequest{
		Target:       "current_adding",
		DestCourseID: destCourseID,
	})
}

// RemoveCourseContents empties the destination before a restore while
// keeping its role assignments, enrolments, groups and groupings.
func (c *BackupClient) RemoveCourseContents(ctx context.Context, courseID int64) error {
	payload := map[string]interface{}{
		"course_id":                 courseID,
		"keep_roles_and_enrolments": true,
		"keep_groups_and_groupings": true,
	}
	resp, err := c.postJSON(ctx, "/remove-contents", payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("remove contents returned status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}
