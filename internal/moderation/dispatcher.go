package moderation

import (
	"context"
	"errors"
	"time"

	"github.com/robalyx/modguard/internal/database/types"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned by Actions when the target no longer exists.
	ErrNotFound = errors.New("target not found")
	// ErrForbidden is returned by Actions when the bot lacks permission.
	ErrForbidden = errors.New("missing permission")
)

// reportedScores is how many scores are listed in reports and timeout reasons.
const reportedScores = 3

// Actions performs enforcement on the chat platform.
// Errors should wrap ErrNotFound or ErrForbidden where applicable.
type Actions interface {
	DeleteMessage(ctx context.Context, channelID, messageID string) error
	TimeoutMember(ctx context.Context, scopeID, userID string, duration time.Duration, reason string) error
}

// LogSink delivers violation reports to a scope's log channel.
type LogSink interface {
	SendReport(ctx context.Context, channelID string, report *Report) error
}

// ActionStatus is the result of one enforcement action.
type ActionStatus string

const (
	StatusSkipped        ActionStatus = "skipped"
	StatusSucceeded      ActionStatus = "succeeded"
	StatusAlreadyDeleted ActionStatus = "already_deleted"
	StatusForbidden      ActionStatus = "forbidden"
	StatusFailed         ActionStatus = "failed"
)

// Succeeded reports whether the action reached its goal.
func (s ActionStatus) Succeeded() bool {
	return s == StatusSucceeded || s == StatusAlreadyDeleted
}

// Report summarizes the actions taken for a flagged event.
type Report struct {
	ScopeID        string
	ChannelID      string
	MessageID      string
	AuthorID       string
	JumpURL        string
	Delete         ActionStatus
	Timeout        ActionStatus
	TimeoutMinutes int
	Reason         string
	TopScores      []CategoryScore
	LogSent        bool
	CreatedAt      time.Time
}

// Dispatcher runs the configured actions for flagged events.
// Every action is attempted regardless of how the others went.
type Dispatcher struct {
	actions       Actions
	sink          LogSink
	actionTimeout time.Duration
	metrics       Metrics
	logger        *zap.Logger
}

// NewDispatcher creates a Dispatcher. A nil sink disables reports.
func NewDispatcher(actions Actions, sink LogSink, actionTimeout time.Duration, metrics Metrics, logger *zap.Logger) *Dispatcher {
	if metrics == nil {
		metrics = NopMetrics{}
	}

	return &Dispatcher{
		actions:       actions,
		sink:          sink,
		actionTimeout: actionTimeout,
		metrics:       metrics,
		logger:        logger.Named("dispatcher"),
	}
}

// Dispatch deletes the message and times out the author as configured,
// then sends a report to the log channel. It never fails.
func (d *Dispatcher) Dispatch(ctx context.Context, cfg *types.ScopeConfig, evt *Event, decision Decision) *Report {
	report := &Report{
		ScopeID:   evt.ScopeID,
		ChannelID: evt.ChannelID,
		MessageID: evt.MessageID,
		AuthorID:  evt.AuthorID,
		JumpURL:   evt.JumpURL,
		Delete:    StatusSkipped,
		Timeout:   StatusSkipped,
		Reason:    TimeoutReason(decision),
		TopScores: decision.Top(reportedScores),
		CreatedAt: time.Now().UTC(),
	}

	logger := d.logger.With(
		zap.String("scopeID", evt.ScopeID),
		zap.String("messageID", evt.MessageID),
		zap.String("authorID", evt.AuthorID))

	if cfg.DeleteOnViolation {
		err := d.withTimeout(ctx, func(ctx context.Context) error {
			return d.actions.DeleteMessage(ctx, evt.ChannelID, evt.MessageID)
		})
		report.Delete = statusFor(err, StatusAlreadyDeleted)
		d.metrics.ActionObserved("delete", string(report.Delete))

		if !report.Delete.Succeeded() {
			logger.Warn("Failed to delete message", zap.String("status", string(report.Delete)), zap.Error(err))
		}
	}

	// Configs stored before the range check may exceed the platform limit
	if minutes := min(cfg.TimeoutMinutes, types.MaxTimeoutMinutes); minutes > 0 {
		duration := time.Duration(minutes) * time.Minute
		err := d.withTimeout(ctx, func(ctx context.Context) error {
			return d.actions.TimeoutMember(ctx, evt.ScopeID, evt.AuthorID, duration, report.Reason)
		})
		report.Timeout = statusFor(err, StatusFailed)
		d.metrics.ActionObserved("timeout", string(report.Timeout))

		if report.Timeout.Succeeded() {
			report.TimeoutMinutes = minutes
		} else {
			logger.Warn("Failed to time out member", zap.String("status", string(report.Timeout)), zap.Error(err))
		}
	}

	if cfg.HasLogChannel() && d.sink != nil {
		err := d.withTimeout(ctx, func(ctx context.Context) error {
			return d.sink.SendReport(ctx, cfg.LogChannelID, report)
		})
		report.LogSent = err == nil
		d.metrics.ActionObserved("log", string(statusFor(err, StatusFailed)))

		if err != nil {
			logger.Warn("Failed to send report", zap.String("channelID", cfg.LogChannelID), zap.Error(err))
		}
	}

	return report
}

// TimeoutReason renders the audit reason for a timeout from the top violations.
func TimeoutReason(decision Decision) string {
	return "Automated moderation: " + FormatScores(decision.TopViolations(reportedScores))
}

func (d *Dispatcher) withTimeout(ctx context.Context, fn func(ctx context.Context) error) error {
	if d.actionTimeout <= 0 {
		return fn(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, d.actionTimeout)
	defer cancel()

	return fn(ctx)
}

// statusFor maps an action error to a status. notFound is the status used for ErrNotFound.
func statusFor(err error, notFound ActionStatus) ActionStatus {
	switch {
	case err == nil:
		return StatusSucceeded
	case errors.Is(err, ErrNotFound):
		return notFound
	case errors.Is(err, ErrForbidden):
		return StatusForbidden
	default:
		return StatusFailed
	}
}
