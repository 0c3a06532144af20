// Package transport performs the OAuth-signed POST requests the LTI
// callbacks require, carrying either form parameters or an XML body.
package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rayhinton/moodle-local-ltiprovider/internal/logger"
	pkgerrors "github.com/rayhinton/moodle-local-ltiprovider/pkg/errors"
)

const maxResponseBytes = 1 << 20

type Client struct {
	httpClient *http.Client
	log        zerolog.Logger
}

// NewClient builds a signed-request client. The timeout bounds every
// outbound call so one unresponsive consumer cannot stall a whole
// scheduled pass.
func NewClient(timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: logger.Get(),
	}
}

// PostForm sends a signed form-encoded POST and returns the raw response
// body text.
func (c *Client) PostForm(ctx context.Context, endpoint, consumerKey, consumerSecret string, form map[string]string) (string, error) {
	values := SignForm(endpoint, consumerKey, consumerSecret, form)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(values.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return c.do(req)
}

// PostXML sends a signed POST with an XML body, the signature travelling
// in the Authorization header with an oauth_body_hash.
func (c *Client) PostXML(ctx context.Context, endpoint, consumerKey, consumerSecret, body string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/xml")
	req.Header.Set("Authorization", SignBody(endpoint, consumerKey, consumerSecret, body))

	return c.do(req)
}

func (c *Client) do(req *http.Request) (string, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", pkgerrors.NewRetryableError(err, "signed request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	c.log.Debug().
		Str("url", req.URL.String()).
		Int("status", resp.StatusCode).
		Int("response_bytes", len(body)).
		Msg("Signed POST completed")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return string(body), fmt.Errorf("remote returned status %d", resp.StatusCode)
	}
	return string(body), nil
}
