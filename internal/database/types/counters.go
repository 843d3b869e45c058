package types

import (
	"maps"

	"github.com/uptrace/bun"
)

// Counters holds the usage telemetry of a scope. Every field only grows
// until an explicit reset.
type Counters struct {
	MessagesSeen        int64            `json:"messagesSeen"`
	MessagesFlagged     int64            `json:"messagesFlagged"`
	ImagesSeen          int64            `json:"imagesSeen"`
	ImagesFlagged       int64            `json:"imagesFlagged"`
	TimeoutsIssued      int64            `json:"timeoutsIssued"`
	TimeoutMinutesTotal int64            `json:"timeoutMinutesTotal"`
	ModeratedUsers      map[string]int64 `json:"moderatedUsers"`
	CategoryHits        map[string]int64 `json:"categoryHits"`
}

// NewCounters returns zeroed counters with initialized maps.
func NewCounters() *Counters {
	return &Counters{
		ModeratedUsers: make(map[string]int64),
		CategoryHits:   make(map[string]int64),
	}
}

// Add folds other into c.
func (c *Counters) Add(other *Counters) {
	if other == nil {
		return
	}

	c.MessagesSeen += other.MessagesSeen
	c.MessagesFlagged += other.MessagesFlagged
	c.ImagesSeen += other.ImagesSeen
	c.ImagesFlagged += other.ImagesFlagged
	c.TimeoutsIssued += other.TimeoutsIssued
	c.TimeoutMinutesTotal += other.TimeoutMinutesTotal

	if c.ModeratedUsers == nil {
		c.ModeratedUsers = make(map[string]int64)
	}
	for userID, n := range other.ModeratedUsers {
		c.ModeratedUsers[userID] += n
	}

	if c.CategoryHits == nil {
		c.CategoryHits = make(map[string]int64)
	}
	for category, n := range other.CategoryHits {
		c.CategoryHits[category] += n
	}
}

// Subtract removes other from c, dropping map entries that reach zero.
// It is used to retire a delta once it has been persisted.
func (c *Counters) Subtract(other *Counters) {
	if other == nil {
		return
	}

	c.MessagesSeen -= other.MessagesSeen
	c.MessagesFlagged -= other.MessagesFlagged
	c.ImagesSeen -= other.ImagesSeen
	c.ImagesFlagged -= other.ImagesFlagged
	c.TimeoutsIssued -= other.TimeoutsIssued
	c.TimeoutMinutesTotal -= other.TimeoutMinutesTotal

	c.ModeratedUsers = subtractCounts(c.ModeratedUsers, other.ModeratedUsers)
	c.CategoryHits = subtractCounts(c.CategoryHits, other.CategoryHits)
}

// subtractCounts removes sub from m and drops entries that reach zero.
func subtractCounts(m, sub map[string]int64) map[string]int64 {
	if m == nil {
		m = make(map[string]int64)
	}

	for key, n := range sub {
		m[key] -= n
		if m[key] == 0 {
			delete(m, key)
		}
	}

	return m
}

// IsZero reports whether c carries no counts at all.
func (c *Counters) IsZero() bool {
	if c == nil {
		return true
	}

	return c.MessagesSeen == 0 &&
		c.MessagesFlagged == 0 &&
		c.ImagesSeen == 0 &&
		c.ImagesFlagged == 0 &&
		c.TimeoutsIssued == 0 &&
		c.TimeoutMinutesTotal == 0 &&
		len(c.ModeratedUsers) == 0 &&
		len(c.CategoryHits) == 0
}

// Clone returns a deep copy of c.
func (c *Counters) Clone() *Counters {
	clone := *c
	clone.ModeratedUsers = maps.Clone(c.ModeratedUsers)
	clone.CategoryHits = maps.Clone(c.CategoryHits)
	if clone.ModeratedUsers == nil {
		clone.ModeratedUsers = make(map[string]int64)
	}
	if clone.CategoryHits == nil {
		clone.CategoryHits = make(map[string]int64)
	}
	return &clone
}

// ScopeCounters is the persisted row of scalar counters for one scope.
type ScopeCounters struct {
	bun.BaseModel `bun:"table:scope_counters"`

	ScopeID             string `bun:",pk"`
	MessagesSeen        int64  `bun:",notnull"`
	MessagesFlagged     int64  `bun:",notnull"`
	ImagesSeen          int64  `bun:",notnull"`
	ImagesFlagged       int64  `bun:",notnull"`
	TimeoutsIssued      int64  `bun:",notnull"`
	TimeoutMinutesTotal int64  `bun:",notnull"`
}

// ScopeUserHit counts how often a user was moderated within a scope.
type ScopeUserHit struct {
	bun.BaseModel `bun:"table:scope_user_hits"`

	ScopeID string `bun:",pk"`
	UserID  string `bun:",pk"`
	Count   int64  `bun:",notnull"`
}

// ScopeCategoryHit counts how often a category crossed the threshold within a scope.
type ScopeCategoryHit struct {
	bun.BaseModel `bun:"table:scope_category_hits"`

	ScopeID  string `bun:",pk"`
	Category string `bun:",pk"`
	Count    int64  `bun:",notnull"`
}
