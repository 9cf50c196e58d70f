// Package linkedin publishes image posts through the LinkedIn assets and UGC posts APIs.
package linkedin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"linkedin-autoposter/pkg/autopost"
)

// DefaultBaseURL is the LinkedIn REST endpoint.
const DefaultBaseURL = "https://api.linkedin.com"

const (
	protocolVersion   = "2.0.0"
	uploadMechanism   = "com.linkedin.digitalmedia.uploading.MediaUploadHttpRequest"
	feedshareRecipe   = "urn:li:digitalmediaRecipe:feedshare-image"
	ugcIdentifier     = "urn:li:userGeneratedContent"
	shareContentKey   = "com.linkedin.ugc.ShareContent"
	visibilityKey     = "com.linkedin.ugc.MemberNetworkVisibility"
	maxErrorBodyBytes = 2048
)

// Publish protocol steps.
const (
	StepRegister = "register"
	StepUpload   = "upload"
	StepCreate   = "create"
)

// StepError reports which step of the publish protocol failed.
type StepError struct {
	Err        error
	Step       string
	Body       string
	StatusCode int
}

func (e *StepError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: HTTP %d: %s", e.Step, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// FailedStep returns the protocol step recorded in err, or "" if none.
func FailedStep(err error) string {
	var serr *StepError
	if errors.As(err, &serr) {
		return serr.Step
	}
	return ""
}

// OwnerURN turns a member id into a person URN. Values that already are URNs pass through.
func OwnerURN(id string) string {
	if strings.HasPrefix(id, "urn:li:") {
		return id
	}
	return "urn:li:person:" + id
}

// Client publishes posts on behalf of one owner.
type Client struct {
	client   *http.Client
	logger   *slog.Logger
	baseURL  string
	token    string
	owner    string
	attempts uint
}

// Config holds client configuration.
type Config struct {
	HTTPClient  *http.Client
	Logger      *slog.Logger
	BaseURL     string
	AccessToken string
	OwnerID     string // Member id or full owner URN
	Attempts    uint   // Attempts per request (default 1)
}

// New creates a new LinkedIn client.
func New(cfg *Config) (*Client, error) {
	if cfg.AccessToken == "" {
		return nil, errors.New("access token is required")
	}
	if cfg.OwnerID == "" {
		return nil, errors.New("owner id is required")
	}
	c := &Client{
		client:   cfg.HTTPClient,
		logger:   cfg.Logger,
		baseURL:  strings.TrimSuffix(cfg.BaseURL, "/"),
		token:    cfg.AccessToken,
		owner:    OwnerURN(cfg.OwnerID),
		attempts: cfg.Attempts,
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
		c.attempts = 1
	}
	return c, nil
}

type registerUploadRequest struct {
	RegisterUploadRequest registerUploadBody `json:"registerUploadRequest"`
}

type registerUploadBody struct {
	Owner                string                `json:"owner"`
	Recipes              []string              `json:"recipes"`
	ServiceRelationships []serviceRelationship `json:"serviceRelationships"`
}

type serviceRelationship struct {
	RelationshipType string `json:"relationshipType"`
	Identifier       string `json:"identifier"`
}

type registerUploadResponse struct {
	Value struct {
		UploadMechanism map[string]struct {
			UploadURL string `json:"uploadUrl"`
		} `json:"uploadMechanism"`
		Asset string `json:"asset"`
	} `json:"value"`
}

type ugcPost struct {
	Author          string                  `json:"author"`
	LifecycleState  string                  `json:"lifecycleState"`
	SpecificContent map[string]shareContent `json:"specificContent"`
	Visibility      map[string]string       `json:"visibility"`
}

type shareContent struct {
	ShareCommentary    shareCommentary `json:"shareCommentary"`
	ShareMediaCategory string          `json:"shareMediaCategory"`
	Media              []shareMedia    `json:"media"`
}

type shareCommentary struct {
	Text string `json:"text"`
}

type shareMedia struct {
	Status string `json:"status"`
	Media  string `json:"media"`
}

type ugcPostResponse struct {
	ID string `json:"id"`
}

// Publish registers an upload slot, uploads the payload and creates a public post.
func (c *Client) Publish(ctx context.Context, item *autopost.PostItem) (*autopost.Receipt, error) {
	uploadURL, asset, err := c.RegisterUpload(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.Upload(ctx, uploadURL, item.Payload); err != nil {
		return nil, err
	}
	postURN, err := c.CreatePost(ctx, asset, item.Caption)
	if err != nil {
		return nil, err
	}

	c.logger.Info("Posted to LinkedIn",
		"caption", item.Caption,
		"asset", asset,
		"post", postURN)
	return &autopost.Receipt{AssetURN: asset, PostURN: postURN}, nil
}

// RegisterUpload obtains a one-time upload URL and the asset URN it will populate.
func (c *Client) RegisterUpload(ctx context.Context) (uploadURL, asset string, err error) {
	body, err := json.Marshal(registerUploadRequest{
		RegisterUploadRequest: registerUploadBody{
			Owner:   c.owner,
			Recipes: []string{feedshareRecipe},
			ServiceRelationships: []serviceRelationship{{
				RelationshipType: "OWNER",
				Identifier:       ugcIdentifier,
			}},
		},
	})
	if err != nil {
		return "", "", &StepError{Step: StepRegister, Err: fmt.Errorf("marshal request: %w", err)}
	}

	var out registerUploadResponse
	_, err = c.do(ctx, StepRegister, http.MethodPost, c.baseURL+"/v2/assets?action=registerUpload",
		"application/json", body, &out)
	if err != nil {
		return "", "", err
	}

	uploadURL = out.Value.UploadMechanism[uploadMechanism].UploadURL
	if uploadURL == "" || out.Value.Asset == "" {
		return "", "", &StepError{Step: StepRegister, Err: errors.New("response missing uploadUrl or asset")}
	}
	return uploadURL, out.Value.Asset, nil
}

// Upload transfers the raw image bytes to uploadURL.
func (c *Client) Upload(ctx context.Context, uploadURL string, payload []byte) error {
	_, err := c.do(ctx, StepUpload, http.MethodPut, uploadURL, "image/jpeg", payload, nil)
	return err
}

// CreatePost publishes a public image post referencing asset. It returns the post URN when reported.
func (c *Client) CreatePost(ctx context.Context, asset, caption string) (string, error) {
	body, err := json.Marshal(ugcPost{
		Author:         c.owner,
		LifecycleState: "PUBLISHED",
		SpecificContent: map[string]shareContent{
			shareContentKey: {
				ShareCommentary:    shareCommentary{Text: caption},
				ShareMediaCategory: "IMAGE",
				Media:              []shareMedia{{Status: "READY", Media: asset}},
			},
		},
		Visibility: map[string]string{visibilityKey: "PUBLIC"},
	})
	if err != nil {
		return "", &StepError{Step: StepCreate, Err: fmt.Errorf("marshal request: %w", err)}
	}

	var out ugcPostResponse
	header, err := c.do(ctx, StepCreate, http.MethodPost, c.baseURL+"/v2/ugcPosts", "application/json", body, &out)
	if err != nil {
		return "", err
	}
	if id := header.Get("X-RestLi-Id"); id != "" {
		return id, nil
	}
	return out.ID, nil
}

// do sends one request and decodes a JSON response into out when non-nil.
func (c *Client) do(ctx context.Context, step, method, endpoint, contentType string, body []byte, out any) (http.Header, error) {
	var header http.Header
	var statusCode int
	var respBody string

	err := retry.Do(
		func() error {
			statusCode, respBody = 0, ""

			req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("Authorization", "Bearer "+c.token)
			req.Header.Set("X-Restli-Protocol-Version", protocolVersion)
			req.Header.Set("Content-Type", contentType)

			c.logger.Info("LinkedIn API request starting", "method", method, "step", step)

			startTime := time.Now()
			resp, err := c.client.Do(req)
			duration := time.Since(startTime)
			if err != nil {
				c.logger.Warn("LinkedIn API request failed",
					"step", step,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					c.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			statusCode = resp.StatusCode
			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
				respBody = strings.TrimSpace(string(data))
				c.logger.Warn("LinkedIn API returned non-2xx status",
					"step", step,
					"status_code", resp.StatusCode,
					"duration_ms", duration.Milliseconds(),
					"body", respBody)
				herr := fmt.Errorf("HTTP %d", resp.StatusCode)
				if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
					return retry.Unrecoverable(herr)
				}
				return herr
			}

			if out != nil {
				if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
					return retry.Unrecoverable(fmt.Errorf("decode response: %w", err))
				}
			}
			header = resp.Header

			c.logger.Info("LinkedIn API request completed",
				"step", step,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds())
			return nil
		},
		retry.Attempts(c.attempts),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying LinkedIn request after error", "step", step, "attempt", n, "error", err)
		}),
	)
	if err != nil {
		return nil, &StepError{Step: step, StatusCode: statusCode, Body: respBody, Err: err}
	}
	return header, nil
}
