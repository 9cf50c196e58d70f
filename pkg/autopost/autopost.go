// Package autopost contains the core domain types for the LinkedIn image autoposter.
package autopost

import "time"

// Asset is one image returned by an asset store listing.
type Asset struct {
	CreatedAt time.Time
	ID        string // Store-specific stable identifier (Cloudinary public_id)
	URL       string // Retrievable secure URL
	Format    string
	Bytes     int64
	Width     int
	Height    int
}

// PostItem is a single queued post. Payload and Caption are fixed at fetch time.
type PostItem struct {
	SourceURL string
	AssetID   string
	Caption   string
	Payload   []byte
	Ordinal   int // 1-based position in the fetched batch
	Total     int // Size of the fetched batch
}

// Receipt identifies what the platform created for a published item.
type Receipt struct {
	AssetURN string `json:"asset_urn"`
	PostURN  string `json:"post_urn"`
}

// Delivery statuses.
const (
	StatusPublished = "published"
	StatusFailed    = "failed"
)

// Delivery records the outcome of one delivery attempt.
type Delivery struct {
	AttemptedAt time.Time `json:"attempted_at"`
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	Caption     string    `json:"caption"`
	SourceURL   string    `json:"source_url"`
	AssetID     string    `json:"asset_id"`
	Step        string    `json:"step,omitempty"`  // Failed protocol step
	Error       string    `json:"error,omitempty"` // Failure detail
	AssetURN    string    `json:"asset_urn,omitempty"`
	PostURN     string    `json:"post_urn,omitempty"`
	Ordinal     int       `json:"ordinal"`
	Total       int       `json:"total"`
	Remaining   int       `json:"remaining"` // Queue length after the attempt
	DurationMS  int64     `json:"duration_ms"`
}

// State is a scheduler lifecycle state.
type State string

// Scheduler states.
const (
	StateUninitialized State = "uninitialized"
	StateArmed         State = "armed"
	StatePosting       State = "posting"
	StateDrained       State = "drained"
	StateFailed        State = "failed"
)

// Terminal reports whether no further work will be scheduled.
func (s State) Terminal() bool {
	return s == StateDrained || s == StateFailed
}
