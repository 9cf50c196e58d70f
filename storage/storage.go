// Package storage persists the delivery journal.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/iterator"

	"linkedin-autoposter/pkg/autopost"
)

const keyPrefix = "delivery-"

// Journal stores one JSON object per delivery attempt in Cloud Storage or a local directory.
type Journal struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
}

// New creates a new journal. A non-empty localPath takes precedence over the bucket.
func New(client *storage.Client, bucket string, localPath string, logger *slog.Logger) *Journal {
	return &Journal{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
	}
}

// DeliveryKey returns the object name for d. Keys sort by attempt time, then batch ordinal.
func DeliveryKey(d *autopost.Delivery) string {
	return fmt.Sprintf("%s%s-%04d-%s.json", keyPrefix, d.AttemptedAt.UTC().Format("20060102T150405.000Z"), d.Ordinal, d.ID)
}

// Record saves a delivery.
func (j *Journal) Record(ctx context.Context, d *autopost.Delivery) error {
	if d.ID == "" {
		return errors.New("delivery has no id")
	}
	key := DeliveryKey(d)

	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal delivery: %w", err)
	}

	// Local filesystem storage
	if j.localPath != "" {
		filePath := filepath.Join(j.localPath, key)
		if err := os.WriteFile(filePath, data, 0o600); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		j.logger.Info("Delivery recorded to local storage", "path", filePath, "status", d.Status)
		return nil
	}

	err = retry.Do(
		func() error {
			w := j.client.Bucket(j.bucket).Object(key).NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					j.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			j.logger.Info("Retrying journal write after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("record after retries: %w", err)
	}

	j.logger.Info("Delivery recorded", "bucket", j.bucket, "key", key, "status", d.Status)
	return nil
}

// List returns all recorded deliveries, oldest first.
func (j *Journal) List(ctx context.Context) ([]*autopost.Delivery, error) {
	keys, err := j.keys(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)

	deliveries := make([]*autopost.Delivery, 0, len(keys))
	for _, key := range keys {
		d, err := j.load(ctx, key)
		if err != nil {
			j.logger.Warn("Failed to load delivery", "key", key, "error", err)
			continue
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, nil
}

func (j *Journal) keys(ctx context.Context) ([]string, error) {
	var keys []string

	if j.localPath != "" {
		entries, err := os.ReadDir(j.localPath)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasPrefix(entry.Name(), keyPrefix) || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			keys = append(keys, entry.Name())
		}
		return keys, nil
	}

	it := j.client.Bucket(j.bucket).Objects(ctx, &storage.Query{Prefix: keyPrefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}

func (j *Journal) load(ctx context.Context, key string) (*autopost.Delivery, error) {
	var data []byte

	if j.localPath != "" {
		var err error
		data, err = os.ReadFile(filepath.Join(j.localPath, key))
		if err != nil {
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
	} else {
		r, err := j.client.Bucket(j.bucket).Object(key).NewReader(ctx)
		if err != nil {
			return nil, fmt.Errorf("open storage reader: %w", err)
		}
		defer func() {
			if closeErr := r.Close(); closeErr != nil {
				j.logger.Warn("Failed to close storage reader", "error", closeErr)
			}
		}()
		data, err = io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("read from storage: %w", err)
		}
	}

	var d autopost.Delivery
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("unmarshal delivery: %w", err)
	}
	return &d, nil
}
