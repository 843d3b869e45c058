package telemetry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robalyx/modguard/internal/setup/config"
	"github.com/robalyx/modguard/internal/setup/telemetry/logger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ServiceType identifies the binary mode a log session belongs to.
type ServiceType int

const (
	ServiceBot ServiceType = iota
	ServiceCLI
)

// String returns the component name used in log paths.
func (s ServiceType) String() string {
	switch s {
	case ServiceBot:
		return "bot"
	case ServiceCLI:
		return "cli"
	default:
		return "unknown"
	}
}

// sessionLayout names session directories.
const sessionLayout = "2006-01-02_15-04-05"

// Manager creates a timestamped session directory per run and
// the loggers writing into it.
type Manager struct {
	instanceID    string
	serviceType   ServiceType
	logDir        string
	sessionDir    string
	level         string
	maxLogsToKeep int
	maxLogLines   int

	mu       sync.Mutex
	rotators []*logger.Rotator
}

// NewManager creates a Manager writing below logDir.
func NewManager(serviceType ServiceType, logDir string, debugCfg *config.Debug) *Manager {
	return &Manager{
		instanceID:    uuid.NewString(),
		serviceType:   serviceType,
		logDir:        logDir,
		level:         debugCfg.LogLevel,
		maxLogsToKeep: debugCfg.MaxLogsToKeep,
		maxLogLines:   debugCfg.MaxLogLines,
	}
}

// GetLoggers prepares the session directory and returns the main and database loggers.
func (lm *Manager) GetLoggers() (*zap.Logger, *zap.Logger, error) {
	if err := lm.setupLogDirectories(); err != nil {
		return nil, nil, err
	}

	mainLogger, err := lm.newLogger(filepath.Join(lm.sessionDir, "main.log"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize main logger: %w", err)
	}

	dbLogger, err := lm.newLogger(filepath.Join(lm.sessionDir, "database.log"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database logger: %w", err)
	}

	fields := []zap.Field{
		zap.String("instanceID", lm.instanceID),
		zap.String("component", lm.serviceType.String()),
	}

	return mainLogger.With(fields...), dbLogger.With(fields...), nil
}

// SessionDir returns the directory of the current run.
func (lm *Manager) SessionDir() string {
	return lm.sessionDir
}

// InstanceID returns the identifier of this run.
func (lm *Manager) InstanceID() string {
	return lm.instanceID
}

// Close syncs and closes every log file.
func (lm *Manager) Close() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	var errs []error
	for _, rotator := range lm.rotators {
		if err := rotator.Sync(); err != nil {
			errs = append(errs, err)
		}
		if err := rotator.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	lm.rotators = nil

	return errors.Join(errs...)
}

// setupLogDirectories removes old sessions and creates the new one.
func (lm *Manager) setupLogDirectories() error {
	if err := os.MkdirAll(lm.logDir, os.ModePerm); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	if err := lm.rotateLogSessions(); err != nil {
		return fmt.Errorf("failed to rotate log sessions: %w", err)
	}

	name := fmt.Sprintf("%s_%s", time.Now().Format(sessionLayout), lm.serviceType)

	lm.sessionDir = filepath.Join(lm.logDir, name)
	if err := os.MkdirAll(lm.sessionDir, os.ModePerm); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	return nil
}

// newLogger creates a console encoded logger writing to path.
func (lm *Manager) newLogger(path string) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(lm.level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	rotator, err := logger.NewRotator(path, lm.maxLogLines)
	if err != nil {
		return nil, err
	}

	lm.mu.Lock()
	lm.rotators = append(lm.rotators, rotator)
	lm.mu.Unlock()

	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(rotator),
		level,
	)

	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

// rotateLogSessions keeps the newest maxLogsToKeep-1 sessions so the
// new one brings the total to maxLogsToKeep.
func (lm *Manager) rotateLogSessions() error {
	if lm.maxLogsToKeep <= 0 {
		return nil
	}

	entries, err := os.ReadDir(lm.logDir)
	if err != nil {
		return err
	}

	type session struct {
		path    string
		modTime time.Time
	}

	sessions := make([]session, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		sessions = append(sessions, session{
			path:    filepath.Join(lm.logDir, entry.Name()),
			modTime: info.ModTime(),
		})
	}

	keep := lm.maxLogsToKeep - 1
	if len(sessions) <= keep {
		return nil
	}

	slices.SortFunc(sessions, func(a, b session) int {
		return a.modTime.Compare(b.modTime)
	})

	for _, s := range sessions[:len(sessions)-keep] {
		if err := os.RemoveAll(s.path); err != nil {
			return err
		}
	}

	return nil
}
