package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Feeds    FeedsConfig    `json:"feeds"`
	Notifier NotifierConfig `json:"notifier,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the subscription store backend.
//
// Driver values:
//   - "file": JSON document, atomic rewrite (default)
//   - "sqlite": SQLite database file
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// FeedsConfig controls feed fetching and the check routine.
//
// FirstCheck selects what the very first successful check of a new
// subscription does:
//   - "notify" (default): deliver the current latest item immediately
//   - "seed": record the marker silently, notify from the next new item on
type FeedsConfig struct {
	// HTTPTimeout bounds every feed fetch (Go duration string, default "10s").
	HTTPTimeout string `json:"http_timeout,omitempty"`
	UserAgent   string `json:"user_agent,omitempty"`
	FirstCheck  string `json:"first_check,omitempty"`
	// MaxPerUser caps subscriptions per chat (0 = unlimited).
	MaxPerUser int `json:"max_per_user,omitempty"`
}

// NotifierConfig controls outbound delivery pacing.
type NotifierConfig struct {
	RatePerSec int `json:"rate_per_sec,omitempty"`
}
