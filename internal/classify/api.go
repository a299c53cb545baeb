package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const systemPrompt = `You categorize memory entries for a multi-agent system.
Reply with a single JSON object: {"category": "<one of: factual, procedural,
episodic, semantic, organizational, architectural, temporal>", "importance":
<0.0-1.0>}. No other text.`

// APIClassifier implements Classifier over an OpenAI-compatible chat
// completions API. The model is prompted to answer with a bare JSON object.
type APIClassifier struct {
	endpoint string
	model    string
	apiKey   string
	client   *http.Client
}

// NewAPIClassifier creates an APIClassifier from the given Config.
func NewAPIClassifier(cfg Config) *APIClassifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &APIClassifier{
		endpoint: cfg.Endpoint,
		model:    cfg.Model,
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Classify sends the text to the model and parses its JSON verdict.
func (c *APIClassifier) Classify(ctx context.Context, text string) (Result, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: text},
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: marshal request: %v", ErrCategorizationFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("%w: create request: %v", ErrCategorizationFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: send request: %v", ErrCategorizationFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return Result{}, fmt.Errorf("%w: API returned status %d: %s", ErrCategorizationFailed, resp.StatusCode, string(respBody))
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return Result{}, fmt.Errorf("%w: decode response: %v", ErrCategorizationFailed, err)
	}
	if len(cr.Choices) == 0 {
		return Result{}, fmt.Errorf("%w: empty response", ErrCategorizationFailed)
	}

	return parseVerdict(cr.Choices[0].Message.Content)
}

// parseVerdict extracts the JSON object from the model reply, tolerating
// surrounding prose or code fences.
func parseVerdict(reply string) (Result, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return Result{}, fmt.Errorf("%w: no JSON object in reply %q", ErrCategorizationFailed, reply)
	}
	var r Result
	if err := json.Unmarshal([]byte(reply[start:end+1]), &r); err != nil {
		return Result{}, fmt.Errorf("%w: parse reply: %v", ErrCategorizationFailed, err)
	}
	if r.Category == "" {
		return Result{}, fmt.Errorf("%w: reply missing category", ErrCategorizationFailed)
	}
	if r.Importance < 0 {
		r.Importance = 0
	}
	if r.Importance > 1 {
		r.Importance = 1
	}
	return r, nil
}
