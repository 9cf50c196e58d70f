// Package gallery lists images published on an HTML page.
package gallery

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"

	"linkedin-autoposter/pkg/autopost"
)

// Source scrapes img tags from a single page.
type Source struct {
	client   *http.Client
	logger   *slog.Logger
	pageURL  string
	attempts uint
}

// New creates a new gallery source for pageURL.
func New(client *http.Client, pageURL string, attempts uint, logger *slog.Logger) *Source {
	if client == nil {
		client = http.DefaultClient
	}
	if attempts == 0 {
		attempts = 3
	}
	return &Source{
		client:   client,
		logger:   logger,
		pageURL:  pageURL,
		attempts: attempts,
	}
}

// List returns the first maxResults distinct images on the page in document order.
func (s *Source) List(ctx context.Context, maxResults int) ([]autopost.Asset, error) {
	var assets []autopost.Asset

	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.pageURL, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("Accept", "text/html,application/xhtml+xml")

			startTime := time.Now()
			resp, err := s.client.Do(req)
			duration := time.Since(startTime)
			if err != nil {
				s.logger.Warn("Gallery request failed, will retry",
					"url", s.pageURL,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					s.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			s.logger.Info("Gallery page fetched",
				"url", s.pageURL,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds())

			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return retry.Unrecoverable(fmt.Errorf("HTTP %d", resp.StatusCode))
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("HTTP %d", resp.StatusCode)
			}

			assets, err = parsePage(resp.Body, s.pageURL, maxResults)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			return nil
		},
		retry.Attempts(s.attempts),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying gallery fetch after error", "attempt", n, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("fetch gallery: %w", err)
	}
	return assets, nil
}

func parsePage(body io.Reader, pageURL string, maxResults int) ([]autopost.Asset, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse page url: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var assets []autopost.Asset
	doc.Find("img[src]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if len(assets) >= maxResults {
			return false
		}
		src, _ := sel.Attr("src")
		src = strings.TrimSpace(src)
		if src == "" || strings.HasPrefix(src, "data:") {
			return true
		}
		ref, err := url.Parse(src)
		if err != nil {
			return true
		}
		abs := base.ResolveReference(ref)
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return true
		}
		key := abs.String()
		if seen[key] {
			return true
		}
		seen[key] = true

		id := strings.TrimSuffix(path.Base(abs.Path), path.Ext(abs.Path))
		if alt, ok := sel.Attr("data-id"); ok && alt != "" {
			id = alt
		}
		assets = append(assets, autopost.Asset{
			ID:     id,
			URL:    key,
			Format: strings.TrimPrefix(path.Ext(abs.Path), "."),
		})
		return true
	})

	return assets, nil
}
