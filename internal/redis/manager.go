package redis

import (
	"fmt"
	"sync"

	"github.com/redis/rueidis"
	"github.com/robalyx/modguard/internal/setup/config"
	"go.uber.org/zap"
)

const (
	// StoreDBIndex holds scope configs and persisted counters
	// when redis is the configured storage backend.
	StoreDBIndex = 0

	// SessionDBIndex uses database 3 for feedback sessions
	// so expiring keys never mix with durable data.
	SessionDBIndex = 3
)

// Manager hands out one rueidis client per database index.
type Manager struct {
	clients map[int]rueidis.Client
	config  *config.Redis
	logger  *zap.Logger
	mu      sync.Mutex
}

// NewManager returns a manager that connects lazily.
func NewManager(config *config.Redis, logger *zap.Logger) *Manager {
	return &Manager{
		clients: make(map[int]rueidis.Client),
		config:  config,
		logger:  logger.Named("redis"),
	}
}

// GetClient returns the client for dbIndex, connecting on first use.
func (m *Manager) GetClient(dbIndex int) (rueidis.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if client, exists := m.clients[dbIndex]; exists {
		return client, nil
	}

	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress: []string{fmt.Sprintf("%s:%d", m.config.Host, m.config.Port)},
		Username:    m.config.Username,
		Password:    m.config.Password,
		SelectDB:    dbIndex,
		ClientName:  clientName(dbIndex),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Redis client for DB %d: %w", dbIndex, err)
	}

	m.clients[dbIndex] = client
	m.logger.Info("Created new Redis client", zap.Int("dbIndex", dbIndex))

	return client, nil
}

// Close closes every client. Calling it twice is a no-op.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for dbIndex, client := range m.clients {
		client.Close()
		delete(m.clients, dbIndex)
		m.logger.Info("Closed Redis client", zap.Int("dbIndex", dbIndex))
	}
}

func clientName(dbIndex int) string {
	switch dbIndex {
	case StoreDBIndex:
		return "modguard-store"
	case SessionDBIndex:
		return "modguard-sessions"
	default:
		return fmt.Sprintf("modguard-db%d", dbIndex)
	}
}
