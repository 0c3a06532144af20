package host

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/rayhinton/moodle-local-ltiprovider/internal/config"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/logger"
	pkgerrors "github.com/rayhinton/moodle-local-ltiprovider/pkg/errors"
)

// ProfileImageClient installs user pictures through the host's service
// API; icon resizing and file-area bookkeeping stay on the host side.
type ProfileImageClient struct {
	cfg        config.BackupServiceConfig
	httpClient *http.Client
	log        zerolog.Logger
}

func NewProfileImageClient(cfg config.BackupServiceConfig) *ProfileImageClient {
	return &ProfileImageClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		log: logger.Get(),
	}
}

func (c *ProfileImageClient) Install(ctx context.Context, userID int64, image io.Reader) error {
	url := fmt.Sprintf("%s/users/%d/picture", c.cfg.BaseURL, userID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, image)
	if err != nil {
		return fmt.Errorf("failed to create picture request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return pkgerrors.NewRetryableError(err, "picture upload failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("picture upload returned status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}
