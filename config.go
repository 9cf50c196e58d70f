package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"linkedin-autoposter/schedule"
)

// Asset sources.
const (
	sourceCloudinary = "cloudinary"
	sourceGallery    = "gallery"
)

// Config is read from the environment, optionally seeded from a .env file.
type Config struct {
	CloudinaryCloudName string `env:"CLOUDINARY_CLOUD_NAME"`
	CloudinaryAPIKey    string `env:"CLOUDINARY_API_KEY"`
	CloudinaryAPISecret string `env:"CLOUDINARY_API_SECRET"`
	CloudinaryURL       string `env:"CLOUDINARY_API_URL" envDefault:"https://api.cloudinary.com"`
	AssetSource         string `env:"ASSET_SOURCE" envDefault:"cloudinary"`
	GalleryURL          string `env:"GALLERY_URL"`

	LinkedInToken  string `env:"LINKEDIN_ACCESS_TOKEN"`
	LinkedInUserID string `env:"LINKEDIN_USER_ID"`
	LinkedInURL    string `env:"LINKEDIN_API_URL" envDefault:"https://api.linkedin.com"`
	DryRun         bool   `env:"DRY_RUN"`

	Trigger         string        `env:"POST_SCHEDULE" envDefault:"* * * * *"`
	TimeZone        string        `env:"POST_TIMEZONE" envDefault:"America/New_York"`
	BatchSize       int           `env:"BATCH_SIZE" envDefault:"4"`
	FetchAttempts   uint          `env:"FETCH_ATTEMPTS" envDefault:"3"`
	PublishAttempts uint          `env:"PUBLISH_ATTEMPTS" envDefault:"1"`
	HTTPTimeout     time.Duration `env:"HTTP_TIMEOUT" envDefault:"0s"` // 0 means no timeout

	StorageBucket   string `env:"STORAGE_BUCKET"`
	LocalStorage    string `env:"LOCAL_STORAGE"`
	GoogleCredsJSON string `env:"GOOGLE_CREDENTIALS_JSON"`

	StatusServer bool   `env:"STATUS_SERVER" envDefault:"true"`
	Port         string `env:"PORT" envDefault:"8080"`
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
}

// parseConfig reads configuration from environ, or from the process environment when nil.
func parseConfig(environ map[string]string) (*Config, error) {
	var cfg Config
	opts := env.Options{}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	var errs []error

	if c.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("BATCH_SIZE must be positive, got %d", c.BatchSize))
	}
	if _, err := time.LoadLocation(c.TimeZone); err != nil {
		errs = append(errs, fmt.Errorf("POST_TIMEZONE: %w", err))
	}
	if _, err := schedule.ParseTrigger(c.Trigger); err != nil {
		errs = append(errs, fmt.Errorf("POST_SCHEDULE: %w", err))
	}
	if _, err := c.logLevel(); err != nil {
		errs = append(errs, err)
	}

	switch c.AssetSource {
	case sourceCloudinary:
		if c.CloudinaryCloudName == "" || c.CloudinaryAPIKey == "" || c.CloudinaryAPISecret == "" {
			errs = append(errs, errors.New("CLOUDINARY_CLOUD_NAME, CLOUDINARY_API_KEY and CLOUDINARY_API_SECRET are required"))
		}
	case sourceGallery:
		if c.GalleryURL == "" {
			errs = append(errs, errors.New("GALLERY_URL is required for the gallery source"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown ASSET_SOURCE %q", c.AssetSource))
	}

	if !c.DryRun && (c.LinkedInToken == "" || c.LinkedInUserID == "") {
		errs = append(errs, errors.New("LINKEDIN_ACCESS_TOKEN and LINKEDIN_USER_ID are required unless DRY_RUN is set"))
	}

	return errors.Join(errs...)
}

func (c *Config) logLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return level, nil
}
