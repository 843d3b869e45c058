package moderation

import (
	"time"

	"github.com/robalyx/modguard/internal/classifier"
)

// Event is a created or edited message delivered by the chat platform.
type Event struct {
	ScopeID     string
	ChannelID   string
	MessageID   string
	AuthorID    string
	AuthorIsBot bool
	Content     string
	Attachments []classifier.Attachment
	// JumpURL links back to the message when the platform supports it.
	JumpURL    string
	Edited     bool
	ReceivedAt time.Time
}

// Outcome describes what happened to a processed event.
type Outcome string

const (
	OutcomeIgnored     Outcome = "ignored"
	OutcomeDisabled    Outcome = "disabled"
	OutcomeWhitelisted Outcome = "whitelisted"
	OutcomeEmpty       Outcome = "empty"
	OutcomeUnavailable Outcome = "unavailable"
	OutcomeClean       Outcome = "clean"
	OutcomeFlagged     Outcome = "flagged"
	// OutcomeDropped is reported for events Submit turned away.
	OutcomeDropped Outcome = "dropped"
)

// Counted reports whether events with this outcome are recorded in the counters.
func (o Outcome) Counted() bool {
	switch o {
	case OutcomeUnavailable, OutcomeClean, OutcomeFlagged:
		return true
	case OutcomeIgnored, OutcomeDisabled, OutcomeWhitelisted, OutcomeEmpty, OutcomeDropped:
		return false
	}
	return false
}
