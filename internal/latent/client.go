package latent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultBaseURL = "http://localhost:11434"
	defaultModel   = "deepseek-r1:latest"
	defaultTimeout = 120 * time.Second

	// promptPrefix frames each probe for latent-space reasoning rather than
	// direct task execution.
	promptPrefix = "Reason in latent space about: "
)

type Config struct {
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client talks to the reasoning subject, an Ollama-compatible generate
// endpoint. It implements probe.ExecutionAdapter via Execute.
type Client struct {
	baseURL string
	model   string
	client  *http.Client
}

func NewClient(cfg Config) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: baseURL,
		model:   model,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *Client) Model() string {
	return c.model
}

// Generate sends one non-streaming completion request and returns the
// subject's text response.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	payload, err := json.Marshal(GenerateRequest{
		Model:  c.model,
		Prompt: prompt,
		Stream: false,
	})
	if err != nil {
		return "", fmt.Errorf("marshal generate request: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := c.client.Do(request)
	if err != nil {
		return "", fmt.Errorf("http request failed: %w", err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return "", fmt.Errorf("read response body: %w", err)
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		message, ok := parseAPIErrorEnvelope(body)
		if !ok {
			return "", fmt.Errorf("subject status %d: %s", response.StatusCode, string(body))
		}
		return "", &APIError{StatusCode: response.StatusCode, Message: message, Body: body}
	}

	var decoded GenerateResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", fmt.Errorf("decode generate response: %w", err)
	}
	return decoded.Response, nil
}

// Execute runs one probe against the subject and composes the execution log
// the downstream parser reads: a header line, the subject's response, and a
// trailing result marker.
func (c *Client) Execute(ctx context.Context, probeText string) (string, error) {
	response, err := c.Generate(ctx, promptPrefix+probeText)
	if err != nil {
		return "", fmt.Errorf("execute probe: %w", err)
	}

	var log strings.Builder
	fmt.Fprintf(&log, "Executing in latent mode with %s: %s\n", c.model, probeText)
	log.WriteString(response)
	if !strings.HasSuffix(response, "\n") {
		log.WriteString("\n")
	}
	log.WriteString("Latent Execution Result:")
	return log.String(), nil
}

func IsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
