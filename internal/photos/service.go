// Package photos downloads consumer-hosted profile images and installs
// them as local user pictures. Downloads run decoupled from membership
// reconciliation so a dead image host never blocks an enrolment pass.
package photos

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/rayhinton/moodle-local-ltiprovider/internal/host"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/logger"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/model"
)

// maxImageSize bounds one profile image download.
const maxImageSize = 10 << 20

type Service struct {
	httpClient *http.Client
	images     host.ProfileImages
	log        zerolog.Logger
}

// NewService builds the downloader. timeout bounds both the connect and the
// whole transfer, kept short so one slow host cannot back up the queue.
func NewService(images host.ProfileImages, timeout time.Duration) *Service {
	return &Service{
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: timeout,
				}).DialContext,
			},
		},
		images: images,
		log:    logger.Get(),
	}
}

// Install downloads one image and hands it to the host's profile image
// sink.
func (s *Service) Install(ctx context.Context, job model.PhotoJob) error {
	if job.URL == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, job.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to build image request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download profile image from %s: %w", job.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to download profile image from %s: status %d", job.URL, resp.StatusCode)
	}

	if err := s.images.Install(ctx, job.UserID, io.LimitReader(resp.Body, maxImageSize)); err != nil {
		return fmt.Errorf("failed to install profile image for user %d: %w", job.UserID, err)
	}

	s.log.Info().Int64("user_id", job.UserID).Str("url", job.URL).
		Msg("profile image downloaded and installed")
	return nil
}
