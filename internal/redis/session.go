package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/rueidis"
	"github.com/robalyx/modguard/internal/database/types"
	"go.uber.org/zap"
)

// SessionStore keeps feedback sessions as expiring JSON records.
type SessionStore struct {
	client rueidis.Client
	logger *zap.Logger
}

// NewSessionStore creates a SessionStore on the given client.
func NewSessionStore(client rueidis.Client, logger *zap.Logger) *SessionStore {
	return &SessionStore{
		client: client,
		logger: logger.Named("feedback_sessions"),
	}
}

// SaveSession stores a session until its expiry time.
func (s *SessionStore) SaveSession(ctx context.Context, session *types.FeedbackSession) error {
	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("session %s already expired", session.ID)
	}

	data, err := sonic.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	err = s.client.Do(ctx,
		s.client.B().Set().Key(feedbackKey(session.ID)).Value(rueidis.BinaryString(data)).Ex(ttl).Build(),
	).Error()
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	return nil
}

// LoadSession returns a stored session or types.ErrSessionNotFound.
func (s *SessionStore) LoadSession(ctx context.Context, sessionID string) (*types.FeedbackSession, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(feedbackKey(sessionID)).Build()).AsBytes()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, types.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	var session types.FeedbackSession
	if err := sonic.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}

	return &session, nil
}

// ConsumeSession deletes a session. Only the first caller succeeds,
// later callers get types.ErrSessionNotFound.
func (s *SessionStore) ConsumeSession(ctx context.Context, sessionID string) error {
	deleted, err := s.client.Do(ctx, s.client.B().Del().Key(feedbackKey(sessionID)).Build()).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to consume session: %w", err)
	}

	if deleted == 0 {
		return types.ErrSessionNotFound
	}

	s.logger.Debug("Consumed feedback session", zap.String("sessionID", sessionID))

	return nil
}
