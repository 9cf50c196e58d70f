// Package cloudinary lists recently uploaded images through the Cloudinary Admin API.
package cloudinary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"linkedin-autoposter/pkg/autopost"
)

// DefaultBaseURL is the Cloudinary API endpoint.
const DefaultBaseURL = "https://api.cloudinary.com"

// Client talks to the Admin API of one Cloudinary cloud.
type Client struct {
	client    *http.Client
	logger    *slog.Logger
	baseURL   string
	cloudName string
	apiKey    string
	apiSecret string
	attempts  uint
}

// Config holds client configuration.
type Config struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
	BaseURL    string
	CloudName  string
	APIKey     string
	APISecret  string
	Attempts   uint
}

// New creates a new Cloudinary client.
func New(cfg *Config) (*Client, error) {
	if cfg.CloudName == "" || cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, errors.New("cloud name, api key and api secret are required")
	}
	c := &Client{
		client:    cfg.HTTPClient,
		logger:    cfg.Logger,
		baseURL:   cfg.BaseURL,
		cloudName: cfg.CloudName,
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		attempts:  cfg.Attempts,
	}
	if c.client == nil {
		c.client = http.DefaultClient
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.attempts == 0 {
		c.attempts = 3
	}
	return c, nil
}

type resource struct {
	PublicID  string `json:"public_id"`
	SecureURL string `json:"secure_url"`
	Format    string `json:"format"`
	CreatedAt string `json:"created_at"`
	Bytes     int64  `json:"bytes"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

type resourcesResponse struct {
	Resources  []resource `json:"resources"`
	NextCursor string     `json:"next_cursor"`
}

// List returns up to maxResults uploaded images, most recent first.
func (c *Client) List(ctx context.Context, maxResults int) ([]autopost.Asset, error) {
	endpoint := fmt.Sprintf("%s/v1_1/%s/resources/image/upload?%s",
		c.baseURL,
		url.PathEscape(c.cloudName),
		url.Values{
			"max_results": {strconv.Itoa(maxResults)},
			"direction":   {"desc"},
		}.Encode())

	var out resourcesResponse
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.SetBasicAuth(c.apiKey, c.apiSecret)
			req.Header.Set("Accept", "application/json")

			startTime := time.Now()
			resp, err := c.client.Do(req)
			duration := time.Since(startTime)
			if err != nil {
				c.logger.Warn("Cloudinary request failed, will retry",
					"cloud", c.cloudName,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					c.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			c.logger.Info("Cloudinary request completed",
				"cloud", c.cloudName,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds())

			switch {
			case resp.StatusCode == http.StatusUnauthorized,
				resp.StatusCode == http.StatusForbidden,
				resp.StatusCode == http.StatusNotFound:
				return retry.Unrecoverable(fmt.Errorf("HTTP %d", resp.StatusCode))
			case resp.StatusCode != http.StatusOK:
				return fmt.Errorf("HTTP %d", resp.StatusCode)
			}

			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				return retry.Unrecoverable(fmt.Errorf("decode resources: %w", err))
			}
			return nil
		},
		retry.Attempts(c.attempts),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying Cloudinary listing after error", "attempt", n, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}

	assets := make([]autopost.Asset, 0, len(out.Resources))
	for _, r := range out.Resources {
		if r.SecureURL == "" {
			c.logger.Warn("Skipping resource without secure_url", "public_id", r.PublicID)
			continue
		}
		created, _ := time.Parse(time.RFC3339, r.CreatedAt) // zero when absent
		assets = append(assets, autopost.Asset{
			ID:        r.PublicID,
			URL:       r.SecureURL,
			Format:    r.Format,
			Bytes:     r.Bytes,
			Width:     r.Width,
			Height:    r.Height,
			CreatedAt: created,
		})
	}
	if len(assets) > maxResults {
		assets = assets[:maxResults]
	}
	return assets, nil
}
