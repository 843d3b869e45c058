package classifier_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/robalyx/modguard/internal/classifier"
	"github.com/robalyx/modguard/internal/setup/config"
	"github.com/robalyx/modguard/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var fastRetry = utils.RetryOptions{
	MaxElapsedTime:  time.Second,
	InitialInterval: time.Millisecond,
	MaxInterval:     5 * time.Millisecond,
	MaxRetries:      3,
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func newTestClient(t *testing.T, handler http.HandlerFunc, apiKey string) (*classifier.Client, *atomic.Int32) {
	t.Helper()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(server.Close)

	cfg := &config.Moderation{
		Endpoint:       server.URL + "/v1/",
		Model:          "omni-moderation-latest",
		APIKey:         apiKey,
		RequestTimeout: 5,
		MaxConcurrent:  4,
		CircuitBreaker: config.CircuitBreaker{MaxRequests: 1, Timeout: 60, MaxFailures: 100},
	}

	client := classifier.NewClient(cfg, zap.NewNop(),
		classifier.WithHTTPClient(server.Client()),
		classifier.WithRetryOptions(fastRetry),
	)

	return client, &calls
}

func TestClassifySuccess(t *testing.T) {
	t.Parallel()

	var gotBody map[string]any
	var gotAuth, gotPath string

	client, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		data, _ := io.ReadAll(r.Body)
		_ = sonic.Unmarshal(data, &gotBody)

		writeJSON(w, http.StatusOK, `{"id":"modr-1","model":"omni-moderation-latest",`+
			`"results":[{"flagged":true,"category_scores":{"harassment":0.73,"hate":0.1}}]}`)
	}, "process-key")

	items := []classifier.Item{
		classifier.TextItem("you are awful"),
		classifier.ImageItem("https://cdn.example/a.png"),
	}

	scores, err := client.Classify(t.Context(), "", items)
	require.NoError(t, err)
	assert.InDelta(t, 0.73, scores["harassment"], 1e-9)
	assert.InDelta(t, 0.1, scores["hate"], 1e-9)
	assert.Equal(t, int32(1), calls.Load())

	assert.Equal(t, "Bearer process-key", gotAuth)
	assert.Equal(t, "/v1/moderations", gotPath)
	assert.Equal(t, "omni-moderation-latest", gotBody["model"])

	input, ok := gotBody["input"].([]any)
	require.True(t, ok)
	require.Len(t, input, 2)
	assert.Equal(t, map[string]any{"type": "text", "text": "you are awful"}, input[0])
	assert.Equal(t, map[string]any{
		"type":      "image_url",
		"image_url": map[string]any{"url": "https://cdn.example/a.png"},
	}, input[1])
}

func TestClassifyScopeKeyOverridesProcessKey(t *testing.T) {
	t.Parallel()

	var gotAuth string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		writeJSON(w, http.StatusOK, `{"results":[]}`)
	}, "process-key")

	scores, err := client.Classify(t.Context(), "scope-key", []classifier.Item{classifier.TextItem("hi")})
	require.NoError(t, err)
	assert.Empty(t, scores)
	assert.Equal(t, "Bearer scope-key", gotAuth)
}

func TestClassifyNoCredential(t *testing.T) {
	t.Parallel()

	client, calls := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}, "")

	scores, err := client.Classify(t.Context(), "", []classifier.Item{classifier.TextItem("hi")})
	require.ErrorIs(t, err, classifier.ErrNoCredential)
	assert.Empty(t, scores)
	assert.Zero(t, calls.Load())
}

func TestClassifyRetriesServerErrors(t *testing.T) {
	t.Parallel()

	t.Run("recovers", func(t *testing.T) {
		t.Parallel()

		var attempts atomic.Int32
		client, calls := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
			if attempts.Add(1) < 3 {
				writeJSON(w, http.StatusInternalServerError, `{"error":{"message":"overloaded"}}`)
				return
			}
			writeJSON(w, http.StatusOK, `{"results":[{"category_scores":{"violence":0.2}}]}`)
		}, "key")

		scores, err := client.Classify(t.Context(), "", []classifier.Item{classifier.TextItem("hi")})
		require.NoError(t, err)
		assert.InDelta(t, 0.2, scores["violence"], 1e-9)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("gives up", func(t *testing.T) {
		t.Parallel()

		client, calls := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusBadGateway, `{"error":{"message":"bad gateway"}}`)
		}, "key")

		scores, err := client.Classify(t.Context(), "", []classifier.Item{classifier.TextItem("hi")})
		require.ErrorIs(t, err, classifier.ErrUnavailable)

		var transient *classifier.TransientError
		require.ErrorAs(t, err, &transient)
		assert.Equal(t, http.StatusBadGateway, transient.StatusCode)
		assert.Empty(t, scores)
		// One attempt plus MaxRetries
		assert.Equal(t, int32(4), calls.Load())
	})
}

func TestClassifyNeverRetriesClientErrors(t *testing.T) {
	t.Parallel()

	for _, status := range []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusTooManyRequests} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			t.Parallel()

			client, calls := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, status, `{"error":{"message":"nope","type":"invalid_request_error"}}`)
			}, "key")

			scores, err := client.Classify(t.Context(), "", []classifier.Item{classifier.TextItem("hi")})
			require.ErrorIs(t, err, classifier.ErrUnavailable)

			var statusErr *classifier.StatusError
			require.ErrorAs(t, err, &statusErr)
			assert.Equal(t, status, statusErr.StatusCode)
			assert.Empty(t, scores)
			assert.Equal(t, int32(1), calls.Load())
		})
	}
}

func TestClassifyEmptyItems(t *testing.T) {
	t.Parallel()

	client, calls := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}, "key")

	scores, err := client.Classify(t.Context(), "", nil)
	require.NoError(t, err)
	assert.Empty(t, scores)
	assert.Zero(t, calls.Load())
}

func TestClassifyCircuitBreakerOpens(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, `{"error":{"message":"unavailable"}}`)
	}))
	t.Cleanup(server.Close)

	cfg := &config.Moderation{
		Endpoint:       server.URL,
		APIKey:         "key",
		RequestTimeout: 5,
		MaxConcurrent:  1,
		CircuitBreaker: config.CircuitBreaker{MaxRequests: 1, Timeout: 60, MaxFailures: 1},
	}
	client := classifier.NewClient(cfg, zap.NewNop(),
		classifier.WithHTTPClient(server.Client()),
		classifier.WithRetryOptions(utils.RetryOptions{
			MaxElapsedTime:  time.Second,
			InitialInterval: time.Millisecond,
			MaxInterval:     time.Millisecond,
			MaxRetries:      0,
		}),
	)

	items := []classifier.Item{classifier.TextItem("hi")}

	_, err := client.Classify(t.Context(), "", items)
	require.ErrorIs(t, err, classifier.ErrUnavailable)

	_, err = client.Classify(t.Context(), "", items)
	require.ErrorIs(t, err, classifier.ErrUnavailable)
	assert.Contains(t, err.Error(), "circuit breaker is open")
}

func TestClassifyKeepsUnknownCategories(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, `{"results":[{"category_scores":{"self-harm/intent":0.4,"custom/spam":0.9}}]}`)
	}, "key")

	scores, err := client.Classify(t.Context(), "", []classifier.Item{classifier.TextItem("hi")})
	require.NoError(t, err)
	assert.Equal(t, classifier.Scores{"self-harm/intent": 0.4, "custom/spam": 0.9}, scores)
}

func TestClassifyUnreachableEndpointIsTransient(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.NotFoundHandler())
	endpoint := server.URL
	server.Close()

	client := classifier.NewClient(&config.Moderation{
		Endpoint:       endpoint,
		APIKey:         "key",
		RequestTimeout: 1,
		MaxConcurrent:  1,
		CircuitBreaker: config.CircuitBreaker{MaxRequests: 1, Timeout: 60, MaxFailures: 100},
	}, zap.NewNop(), classifier.WithRetryOptions(fastRetry))

	_, err := client.Classify(t.Context(), "", []classifier.Item{classifier.TextItem("hi")})
	require.ErrorIs(t, err, classifier.ErrUnavailable)

	var transient *classifier.TransientError
	require.ErrorAs(t, err, &transient)
	assert.Zero(t, transient.StatusCode)
}
