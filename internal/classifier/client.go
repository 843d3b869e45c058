package classifier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cenkalti/backoff/v4"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/robalyx/modguard/internal/setup/config"
	"github.com/robalyx/modguard/pkg/utils"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// maxErrorBody bounds how much of an error message is kept for logging.
const maxErrorBody = 512

// Client calls an OpenAI compatible moderation endpoint.
type Client struct {
	api            openai.Client
	httpClient     *http.Client
	endpoint       string
	model          string
	apiKey         string
	requestTimeout time.Duration
	retryOptions   utils.RetryOptions
	breaker        *gobreaker.CircuitBreaker
	semaphore      *semaphore.Weighted
	logger         *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client used for requests.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithRetryOptions replaces the retry policy for transient errors.
func WithRetryOptions(opts utils.RetryOptions) Option {
	return func(c *Client) {
		c.retryOptions = opts
	}
}

// NewClient creates a Client from the moderation config.
func NewClient(cfg *config.Moderation, logger *zap.Logger, opts ...Option) *Client {
	logger = logger.Named("classifier")

	retryOptions := utils.GetClassifierRetryOptions()
	if cfg.Retry.Delay > 0 {
		retryOptions.InitialInterval = time.Duration(cfg.Retry.Delay) * time.Millisecond
	}
	if cfg.Retry.MaxDelay > 0 {
		retryOptions.MaxInterval = time.Duration(cfg.Retry.MaxDelay) * time.Millisecond
	}
	if cfg.Retry.MaxRetries > 0 {
		retryOptions.MaxRetries = cfg.Retry.MaxRetries
	}

	maxFailures := max(cfg.CircuitBreaker.MaxFailures, 1)
	settings := gobreaker.Settings{
		Name:        "moderation",
		MaxRequests: max(cfg.CircuitBreaker.MaxRequests, 1),
		Interval:    time.Duration(cfg.CircuitBreaker.Interval) * time.Second,
		Timeout:     time.Duration(cfg.CircuitBreaker.Timeout) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		// Rejected requests are the caller's problem, not an outage
		IsSuccessful: func(err error) bool {
			var statusErr *StatusError
			return err == nil || errors.As(err, &statusErr) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(_ string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}

	c := &Client{
		httpClient:     &http.Client{},
		endpoint:       cfg.Endpoint,
		model:          cfg.Model,
		apiKey:         cfg.APIKey,
		requestTimeout: time.Duration(cfg.RequestTimeout) * time.Second,
		retryOptions:   retryOptions,
		breaker:        gobreaker.NewCircuitBreaker(settings),
		semaphore:      semaphore.NewWeighted(max(cfg.MaxConcurrent, 1)),
		logger:         logger,
	}

	for _, opt := range opts {
		opt(c)
	}

	// Retries happen in Classify, never inside the SDK
	c.api = openai.NewClient(
		option.WithBaseURL(c.endpoint),
		option.WithHTTPClient(c.httpClient),
		option.WithMaxRetries(0),
	)

	return c
}

// Classify scores the items. apiKey overrides the process-wide key when set.
//
// 5xx responses are retried with exponential backoff. Once retries are
// exhausted, or on any other non-200 response, the error wraps ErrUnavailable.
// A missing credential returns ErrNoCredential without any request.
func (c *Client) Classify(ctx context.Context, apiKey string, items []Item) (Scores, error) {
	if apiKey == "" {
		apiKey = c.apiKey
	}
	if apiKey == "" {
		return Scores{}, ErrNoCredential
	}

	if len(items) == 0 {
		return Scores{}, nil
	}

	params := openai.ModerationNewParams{
		Model: c.model,
		Input: openai.ModerationNewParamsInputUnion{OfModerationMultiModalArray: toInputs(items)},
	}

	if err := c.semaphore.Acquire(ctx, 1); err != nil {
		return Scores{}, fmt.Errorf("%w: failed to acquire semaphore: %w", ErrUnavailable, err)
	}
	defer c.semaphore.Release(1)

	result, err := c.breaker.Execute(func() (any, error) {
		return utils.WithRetry(ctx, func() (Scores, error) {
			scores, err := c.do(ctx, apiKey, params)
			if err != nil {
				var transient *TransientError
				if errors.As(err, &transient) {
					c.logger.Warn("Transient classifier error, retrying", zap.Int("status", transient.StatusCode))
					return nil, err
				}
				return nil, backoff.Permanent(err)
			}
			return scores, nil
		}, c.retryOptions)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Scores{}, fmt.Errorf("%w: circuit breaker is open: %w", ErrUnavailable, err)
		}

		c.logger.Warn("Classification failed", zap.Error(err))
		return Scores{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	return result.(Scores), nil
}

// do performs a single bounded attempt.
func (c *Client) do(ctx context.Context, apiKey string, params openai.ModerationNewParams) (Scores, error) {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if c.requestTimeout > 0 {
		opts = append(opts, option.WithRequestTimeout(c.requestTimeout))
	}

	resp, err := c.api.Moderations.New(ctx, params, opts...)
	if err != nil {
		return nil, classifyError(ctx, err)
	}

	if len(resp.Results) == 0 {
		return Scores{}, nil
	}

	return parseScores(resp.Results[0].CategoryScores.RawJSON())
}

// classifyError sorts a failed attempt into retryable and permanent errors.
func classifyError(ctx context.Context, err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode >= http.StatusInternalServerError {
			return &TransientError{StatusCode: apiErr.StatusCode}
		}
		return &StatusError{StatusCode: apiErr.StatusCode, Body: truncate(apiErr.Message, maxErrorBody)}
	}

	// The caller is gone, retrying cannot help
	if ctx.Err() != nil {
		return fmt.Errorf("request cancelled: %w", err)
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", &TransientError{StatusCode: 0}, err)
	}

	return fmt.Errorf("failed to read moderation response: %w", err)
}

// parseScores reads every category score, including ones this client has no field for.
func parseScores(raw string) (Scores, error) {
	if raw == "" || raw == "null" {
		return Scores{}, nil
	}

	scores := Scores{}
	if err := sonic.UnmarshalString(raw, &scores); err != nil {
		return nil, fmt.Errorf("failed to decode category scores: %w", err)
	}

	return scores, nil
}

func toInputs(items []Item) []openai.ModerationMultiModalInputUnionParam {
	inputs := make([]openai.ModerationMultiModalInputUnionParam, 0, len(items))
	for _, item := range items {
		switch item.Type {
		case ItemTypeText:
			inputs = append(inputs, openai.ModerationMultiModalInputParamOfText(item.Text))
		case ItemTypeImageURL:
			if item.ImageURL == nil {
				continue
			}
			inputs = append(inputs, openai.ModerationMultiModalInputParamOfImageURL(
				openai.ModerationImageURLInputImageURLParam{URL: item.ImageURL.URL},
			))
		}
	}
	return inputs
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
