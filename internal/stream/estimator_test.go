package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pierviz/pierviz/internal/errors"
)

func writeImage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "12.png")
	require.NoError(t, os.WriteFile(path, []byte("png-bytes"), 0644))
	return path
}

func chatAnswer(content string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{{"message": map[string]any{"role": "assistant", "content": content}}},
	})
	return string(b)
}

func TestChatEstimator_Estimate(t *testing.T) {
	var got chatRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(chatAnswer(`{"conditions": "green tint, 14 ft piling sharp", "visibility_ft": 20}`)))
	}))
	defer srv.Close()

	e := NewChatEstimator(srv.URL, "vision-model", "sk-test", 5*time.Second)
	est, err := e.Estimate(context.Background(), writeImage(t))
	require.NoError(t, err)
	require.NotNil(t, est.VisibilityFt)
	require.InDelta(t, 20, *est.VisibilityFt, 1e-9)
	require.Equal(t, "green tint, 14 ft piling sharp", est.Conditions)

	require.Equal(t, "Bearer sk-test", auth)
	require.Equal(t, "vision-model", got.Model)
	require.Len(t, got.Messages, 2)
	require.Equal(t, "system", got.Messages[0].Role)
	parts, _ := json.Marshal(got.Messages[1].Content)
	require.Contains(t, string(parts), "data:image/png;base64,")
}

func TestChatEstimator_RetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(chatAnswer(`{"conditions": "dark", "visibility_ft": "nan"}`)))
	}))
	defer srv.Close()

	e := NewChatEstimator(srv.URL, "m", "", 5*time.Second)
	e.Backoff = func(int) time.Duration { return time.Millisecond }

	est, err := e.Estimate(context.Background(), writeImage(t))
	require.NoError(t, err)
	require.Nil(t, est.VisibilityFt)
	require.Equal(t, "dark", est.Conditions)
	require.Equal(t, int32(3), calls.Load())
}

func TestChatEstimator_Failures(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		message string
	}{
		{name: "server error", status: 500, body: `boom`, message: "unexpected status"},
		{name: "retries exhausted", status: 429, body: ``, message: "rate limited"},
		{name: "no choices", status: 200, body: `{"choices": []}`, message: "no choices"},
		{name: "prose answer", status: 200, body: chatAnswer("about twenty feet"), message: "not JSON"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			e := NewChatEstimator(srv.URL, "m", "", 5*time.Second)
			e.MaxRetries = 1
			e.Backoff = func(int) time.Duration { return time.Millisecond }

			_, err := e.Estimate(context.Background(), writeImage(t))
			require.Error(t, err)
			require.True(t, errors.Is(err, errors.ErrEstimateFailed), "got %v", err)
			require.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestChatEstimator_MissingFrame(t *testing.T) {
	e := NewChatEstimator("http://127.0.0.1:1", "m", "", time.Second)
	_, err := e.Estimate(context.Background(), filepath.Join(t.TempDir(), "missing.png"))
	require.Error(t, err)
	require.True(t, errors.Is(err, errors.ErrEstimateFailed))
}

func TestParseEstimate(t *testing.T) {
	tests := []struct {
		name       string
		answer     string
		want       float64
		unknown    bool
		conditions string
	}{
		{name: "number", answer: `{"visibility_ft": 25, "conditions": "clear"}`, want: 25, conditions: "clear"},
		{name: "numeric string", answer: `{"visibility_ft": "12.5"}`, want: 12.5},
		{name: "nan", answer: `{"visibility_ft": "NaN", "conditions": "offline page"}`, unknown: true, conditions: "offline page"},
		{name: "missing", answer: `{"conditions": "lens blocked"}`, unknown: true, conditions: "lens blocked"},
		{name: "negative", answer: `{"visibility_ft": -4}`, unknown: true},
		{name: "analysis field", answer: `{"analysis": "hazy", "visibility_ft": 15}`, want: 15, conditions: "hazy"},
		{name: "fenced", answer: "```json\n{\"visibility_ft\": 30}\n```", want: 30},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			est, err := ParseEstimate(tt.answer)
			require.NoError(t, err)
			require.Equal(t, tt.conditions, est.Conditions)
			if tt.unknown {
				require.Nil(t, est.VisibilityFt)
				return
			}
			require.NotNil(t, est.VisibilityFt)
			require.InDelta(t, tt.want, *est.VisibilityFt, 1e-9)
		})
	}
}

func TestParseEstimate_Invalid(t *testing.T) {
	for _, answer := range []string{"", "twenty", `{"visibility_ft": "lots"}`, `{"visibility_ft": true}`} {
		_, err := ParseEstimate(answer)
		require.Error(t, err, answer)
	}
}
