package types

import (
	"slices"
	"time"

	"github.com/uptrace/bun"
)

// GlobalScopeID is the reserved scope that aggregates counters across all scopes.
const GlobalScopeID = "global"

// Threshold bounds and the value new scopes start with.
const (
	MinThreshold     = 0.0
	MaxThreshold     = 1.0
	DefaultThreshold = 0.5
)

// MaxTimeoutMinutes is the longest member timeout the platform accepts, 28 days.
const MaxTimeoutMinutes = 28 * 24 * 60

// ScopeConfig stores the moderation settings of a single scope (a guild).
type ScopeConfig struct {
	bun.BaseModel `bun:"table:scope_configs"`

	ScopeID             string     `bun:",pk"                             json:"scopeId"`
	ModerationEnabled   bool       `bun:",notnull"                        json:"moderationEnabled"`
	Threshold           float64    `bun:",notnull"                        json:"threshold"`
	TimeoutMinutes      int        `bun:",notnull"                        json:"timeoutMinutes"`
	LogChannelID        string     `bun:",notnull,default:''"             json:"logChannelId"`
	DeleteOnViolation   bool       `bun:",notnull"                        json:"deleteOnViolation"`
	WhitelistedChannels []string   `bun:",array,notnull,default:'{}'"     json:"whitelistedChannels"`
	Debug               bool       `bun:",notnull"                        json:"debug"`
	APIKey              string     `bun:"api_key,notnull,default:''"      json:"apiKey"`
	LastVoteTime        *time.Time `bun:",nullzero"                       json:"lastVoteTime,omitempty"`
	VotesTooWeak        int64      `bun:",notnull"                        json:"votesTooWeak"`
	VotesTooStrict      int64      `bun:",notnull"                        json:"votesTooStrict"`
	VotesJustRight      int64      `bun:",notnull"                        json:"votesJustRight"`
	UpdatedAt           time.Time  `bun:",notnull,default:current_timestamp" json:"updatedAt"`
}

// NewScopeConfig returns the configuration a scope starts with
// the first time one of its events is seen.
func NewScopeConfig(scopeID string) *ScopeConfig {
	return &ScopeConfig{
		ScopeID:             scopeID,
		ModerationEnabled:   false,
		Threshold:           DefaultThreshold,
		TimeoutMinutes:      0,
		LogChannelID:        "",
		DeleteOnViolation:   false,
		WhitelistedChannels: []string{},
		Debug:               false,
		APIKey:              "",
		LastVoteTime:        nil,
	}
}

// ClampThreshold restricts a threshold to [MinThreshold, MaxThreshold].
func ClampThreshold(v float64) float64 {
	return min(max(v, MinThreshold), MaxThreshold)
}

// IsWhitelisted reports whether moderation is skipped in the given channel.
func (c *ScopeConfig) IsWhitelisted(channelID string) bool {
	return slices.Contains(c.WhitelistedChannels, channelID)
}

// HasLogChannel reports whether reports should be sent anywhere.
func (c *ScopeConfig) HasLogChannel() bool {
	return c.LogChannelID != ""
}

// Normalize restores the invariants of a config loaded from storage.
func (c *ScopeConfig) Normalize() {
	c.Threshold = ClampThreshold(c.Threshold)
	c.TimeoutMinutes = min(max(c.TimeoutMinutes, 0), MaxTimeoutMinutes)
	if c.WhitelistedChannels == nil {
		c.WhitelistedChannels = []string{}
	}
}

// Clone returns a deep copy so callers can mutate it freely.
func (c *ScopeConfig) Clone() *ScopeConfig {
	clone := *c
	clone.WhitelistedChannels = slices.Clone(c.WhitelistedChannels)
	if c.LastVoteTime != nil {
		t := *c.LastVoteTime
		clone.LastVoteTime = &t
	}
	return &clone
}
