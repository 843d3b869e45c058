package redis

import "fmt"

const (
	keyPrefix = "modguard"

	// scopesKey is the set of scopes that have a stored config.
	scopesKey = keyPrefix + ":scopes"
	// counterScopesKey is the set of scopes that have stored counters.
	counterScopesKey = keyPrefix + ":counter_scopes"
)

// Hash fields of the scalar counters record.
const (
	fieldMessagesSeen        = "messages_seen"
	fieldMessagesFlagged     = "messages_flagged"
	fieldImagesSeen          = "images_seen"
	fieldImagesFlagged       = "images_flagged"
	fieldTimeoutsIssued      = "timeouts_issued"
	fieldTimeoutMinutesTotal = "timeout_minutes_total"
)

func configKey(scopeID string) string {
	return fmt.Sprintf("%s:config:%s", keyPrefix, scopeID)
}

func countersKey(scopeID string) string {
	return fmt.Sprintf("%s:counters:%s", keyPrefix, scopeID)
}

func usersKey(scopeID string) string {
	return fmt.Sprintf("%s:users:%s", keyPrefix, scopeID)
}

func categoriesKey(scopeID string) string {
	return fmt.Sprintf("%s:categories:%s", keyPrefix, scopeID)
}

func feedbackKey(sessionID string) string {
	return fmt.Sprintf("%s:feedback:%s", keyPrefix, sessionID)
}
