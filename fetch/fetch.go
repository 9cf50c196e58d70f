// Package fetch retrieves a batch of images from an asset store and turns them into queued posts.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/sync/errgroup"

	"linkedin-autoposter/pkg/autopost"
)

// dateLayout matches the US short date used in captions, e.g. 10/16/2026.
const dateLayout = "1/2/2006"

// Source lists candidate images, most recent first.
type Source interface {
	List(ctx context.Context, maxResults int) ([]autopost.Asset, error)
}

// HTTPError reports a non-2xx download response.
type HTTPError struct {
	URL        string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.URL)
}

// Fetcher builds post items from a Source.
type Fetcher struct {
	source   Source
	client   *http.Client
	logger   *slog.Logger
	location *time.Location
	now      func() time.Time
	attempts uint
}

// Config holds fetcher configuration.
type Config struct {
	Source   Source
	Client   *http.Client
	Logger   *slog.Logger
	Location *time.Location   // Time zone for caption dates (default UTC)
	Now      func() time.Time // Clock override for tests
	Attempts uint             // Download attempts per asset (default 3)
}

// New creates a new fetcher.
func New(cfg *Config) *Fetcher {
	f := &Fetcher{
		source:   cfg.Source,
		client:   cfg.Client,
		logger:   cfg.Logger,
		location: cfg.Location,
		now:      cfg.Now,
		attempts: cfg.Attempts,
	}
	if f.client == nil {
		f.client = http.DefaultClient
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	if f.location == nil {
		f.location = time.UTC
	}
	if f.now == nil {
		f.now = time.Now
	}
	if f.attempts == 0 {
		f.attempts = 3
	}
	return f
}

// Caption builds the fixed caption for the ordinal-th item of a batch of total.
func Caption(ordinal, total int, date time.Time) string {
	return fmt.Sprintf("Daily post %d/%d - %s", ordinal, total, date.Format(dateLayout))
}

// FetchBatch lists up to maxResults assets and downloads all of them concurrently.
// Any listing or download failure fails the whole batch.
func (f *Fetcher) FetchBatch(ctx context.Context, maxResults int) ([]*autopost.PostItem, error) {
	if maxResults < 1 {
		return nil, fmt.Errorf("invalid batch size %d", maxResults)
	}

	assets, err := f.source.List(ctx, maxResults)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	if len(assets) > maxResults {
		assets = assets[:maxResults]
	}

	ids := make([]string, len(assets))
	for i, a := range assets {
		ids[i] = a.ID
	}
	f.logger.Info("Images found in asset store", "count", len(assets), "ids", ids)

	date := f.now().In(f.location)
	items := make([]*autopost.PostItem, len(assets))

	g, gctx := errgroup.WithContext(ctx)
	for i, asset := range assets {
		g.Go(func() error {
			payload, err := f.download(gctx, asset.URL)
			if err != nil {
				return fmt.Errorf("download %s: %w", asset.ID, err)
			}
			items[i] = &autopost.PostItem{
				SourceURL: asset.URL,
				AssetID:   asset.ID,
				Payload:   payload,
				Caption:   Caption(i+1, len(assets), date),
				Ordinal:   i + 1,
				Total:     len(assets),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	f.logger.Info("Fetched images", "count", len(items))
	return items, nil
}

func (f *Fetcher) download(ctx context.Context, url string) ([]byte, error) {
	var data []byte

	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}

			startTime := time.Now()
			resp, err := f.client.Do(req)
			duration := time.Since(startTime)
			if err != nil {
				f.logger.Warn("Image download failed", "url", url, "duration_ms", duration.Milliseconds(), "error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					f.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				herr := &HTTPError{URL: url, StatusCode: resp.StatusCode}
				if resp.StatusCode >= 400 && resp.StatusCode < 500 {
					return retry.Unrecoverable(herr)
				}
				return herr
			}

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("read body: %w", err)
			}
			data = body

			f.logger.Debug("Image downloaded",
				"url", url,
				"bytes", len(body),
				"duration_ms", duration.Milliseconds())
			return nil
		},
		retry.Attempts(f.attempts),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			f.logger.Info("Retrying image download after error", "attempt", n, "url", url, "error", err)
		}),
	)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// IsHTTPError reports whether err wraps a download status error.
func IsHTTPError(err error) bool {
	var herr *HTTPError
	return errors.As(err, &herr)
}
