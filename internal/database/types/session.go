package types

import "time"

// FeedbackSession is an open invitation for one user to vote on a scope's threshold.
type FeedbackSession struct {
	ID          string    `json:"id"`
	ScopeID     string    `json:"scopeId"`
	RequesterID string    `json:"requesterId"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Expired reports whether the session can no longer be voted on.
func (s *FeedbackSession) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
