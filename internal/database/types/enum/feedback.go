package enum

// Feedback is a moderator's verdict on how sensitive automated moderation is.
// Values are stored as-is, so they must never be renamed.
type Feedback string

const (
	// FeedbackTooWeak means violations are slipping through and the threshold should drop.
	FeedbackTooWeak Feedback = "too_weak"
	// FeedbackTooStrict means harmless messages are flagged and the threshold should rise.
	FeedbackTooStrict Feedback = "too_strict"
	// FeedbackJustRight records approval without changing the threshold.
	FeedbackJustRight Feedback = "just_right"
)

// Valid reports whether f is one of the known feedback kinds.
func (f Feedback) Valid() bool {
	switch f {
	case FeedbackTooWeak, FeedbackTooStrict, FeedbackJustRight:
		return true
	default:
		return false
	}
}

// Label returns a human readable name for the feedback kind.
func (f Feedback) Label() string {
	switch f {
	case FeedbackTooWeak:
		return "Too weak"
	case FeedbackTooStrict:
		return "Too strict"
	case FeedbackJustRight:
		return "Just right"
	default:
		return string(f)
	}
}
