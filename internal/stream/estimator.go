package stream

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pierviz/pierviz/internal/errors"
)

// Estimate is a visibility reading for one frame. VisibilityFt is nil when
// the frame gave no reliable reading (offline page, black frame, blocked lens).
type Estimate struct {
	VisibilityFt *float64 `json:"visibility_ft,omitempty"`
	Conditions   string   `json:"conditions,omitempty"`
}

// Estimator reads underwater visibility off a saved frame.
type Estimator interface {
	Estimate(ctx context.Context, framePath string) (*Estimate, error)
}

// EstimatorSystemPrompt calibrates the model against the pier pilings.
const EstimatorSystemPrompt = `You estimate underwater visibility for a fixed camera about 4 m (13 ft) deep under a pier, looking through the pilings. The pilings are distance markers: the closest (right edge) is about 4 ft away, the mid-right one about 11 ft, the back-left one about 14 ft and the farthest visible (center-left) about 30 ft.

Use the full range:
- 30 ft pilings sharp with texture and the sandy bottom visible: 35
- 30 ft pilings mostly visible but softer: 30
- 30 ft pilings only as faint silhouettes: 25
- 14 ft piling sharp with texture: 20
- 14 ft piling hazy: 15
- only the 11 ft piling visible: 10
- only the closest piling clear: 5
- barely anything visible: below 5

If the image is not a usable underwater frame (error or offline page, black frame, camera fault, an animal over the lens), set visibility_ft to "nan".`

// EstimatorUserPrompt asks for the machine-readable answer.
const EstimatorUserPrompt = `Estimate the visibility in feet for this frame. Reply with JSON only, no code fences:
{"conditions": "<brief description>", "visibility_ft": <number or "nan">}`

// ChatEstimator asks an OpenAI-compatible chat completions endpoint to read
// the frame. Rate-limited calls are retried with exponential backoff.
type ChatEstimator struct {
	URL    string
	Model  string
	APIKey string
	Client *http.Client
	// MaxRetries bounds the retries after a 429 answer.
	MaxRetries int
	// Backoff returns the wait before retry n (0-based). Nil means 2^n+1 seconds.
	Backoff func(n int) time.Duration
}

// NewChatEstimator creates an estimator with a client bounded by timeout (0 = none).
func NewChatEstimator(url, model, apiKey string, timeout time.Duration) *ChatEstimator {
	return &ChatEstimator{
		URL:        url,
		Model:      model,
		APIKey:     apiKey,
		Client:     &http.Client{Timeout: timeout},
		MaxRetries: 5,
	}
}

type chatRequest struct {
	Model               string        `json:"model"`
	Messages            []chatMessage `json:"messages"`
	MaxCompletionTokens int           `json:"max_completion_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type chatPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *chatImageURL `json:"image_url,omitempty"`
}

type chatImageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

const maxAnswerBytes = 1 << 20

// Estimate implements Estimator.
func (e *ChatEstimator) Estimate(ctx context.Context, framePath string) (*Estimate, error) {
	image, err := os.ReadFile(framePath)
	if err != nil {
		return nil, errors.NewEstimateFailed(framePath, err)
	}

	body, err := json.Marshal(chatRequest{
		Model: e.Model,
		Messages: []chatMessage{
			{Role: "system", Content: EstimatorSystemPrompt},
			{Role: "user", Content: []chatPart{
				{Type: "text", Text: EstimatorUserPrompt},
				{Type: "image_url", ImageURL: &chatImageURL{URL: dataURL(framePath, image)}},
			}},
		},
		MaxCompletionTokens: 5000,
	})
	if err != nil {
		return nil, errors.NewEstimateFailed(framePath, err)
	}

	for attempt := 0; ; attempt++ {
		answer, retry, err := e.post(ctx, body)
		if err == nil {
			est, err := ParseEstimate(answer)
			if err != nil {
				return nil, errors.NewEstimateFailed(framePath, err)
			}
			return est, nil
		}
		if !retry || attempt >= e.MaxRetries {
			return nil, errors.NewEstimateFailed(framePath, err)
		}

		select {
		case <-ctx.Done():
			return nil, errors.NewEstimateFailed(framePath, ctx.Err())
		case <-time.After(e.backoff(attempt)):
		}
	}
}

// post sends one completion request. retry reports a rate-limited answer.
func (e *ChatEstimator) post(ctx context.Context, body []byte) (answer string, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL, bytes.NewReader(body))
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.APIKey)
	}

	client := e.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", true, fmt.Errorf("rate limited: %s", resp.Status)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", false, fmt.Errorf("unexpected status %s", resp.Status)
	}

	var out chatResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxAnswerBytes)).Decode(&out); err != nil {
		return "", false, fmt.Errorf("decode answer: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", false, fmt.Errorf("answer has no choices")
	}
	return out.Choices[0].Message.Content, false, nil
}

func (e *ChatEstimator) backoff(n int) time.Duration {
	if e.Backoff != nil {
		return e.Backoff(n)
	}
	return time.Duration(1<<n+1) * time.Second
}

func dataURL(path string, data []byte) string {
	media := "image/jpeg"
	if strings.EqualFold(filepath.Ext(path), ".png") {
		media = "image/png"
	}
	return "data:" + media + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// ParseEstimate decodes the model's JSON answer, tolerating a surrounding
// code fence. visibility_ft may be a number, a numeric string or "nan";
// "nan" and negative or infinite values leave the visibility unknown.
// An "analysis" field is accepted in place of "conditions".
func ParseEstimate(answer string) (*Estimate, error) {
	raw := strings.TrimSpace(answer)
	if strings.HasPrefix(raw, "```") {
		if i := strings.IndexByte(raw, '\n'); i >= 0 {
			raw = raw[i+1:]
		}
		raw = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(raw), "```"))
	}

	var fields struct {
		VisibilityFt json.RawMessage `json:"visibility_ft"`
		Conditions   string          `json:"conditions"`
		Analysis     string          `json:"analysis"`
	}
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, fmt.Errorf("answer is not JSON: %w", err)
	}

	est := &Estimate{Conditions: strings.TrimSpace(fields.Conditions)}
	if est.Conditions == "" {
		est.Conditions = strings.TrimSpace(fields.Analysis)
	}

	v, err := parseFeet(fields.VisibilityFt)
	if err != nil {
		return nil, err
	}
	if !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0 {
		est.VisibilityFt = &v
	}
	return est, nil
}

func parseFeet(raw json.RawMessage) (float64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return math.NaN(), nil
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("visibility_ft is neither a number nor a string")
	}
	if strings.EqualFold(strings.TrimSpace(s), "nan") {
		return math.NaN(), nil
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid visibility_ft %q", s)
	}
	return n, nil
}
