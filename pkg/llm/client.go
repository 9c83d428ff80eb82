// Package llm manages the local model runtime: an Ollama-compatible HTTP
// client, binary discovery, subprocess spawning with process-group
// semantics, health monitoring, and model downloads with progress events.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kadirpekel/herald/pkg/httpclient"
	"github.com/kadirpekel/herald/pkg/models"
)

// Client talks to the runtime's HTTP API. It deliberately runs without
// retries: liveness must be observed by the manager, not papered over.
type Client struct {
	baseURL    string
	httpClient *httpclient.Client
}

// NewClient creates a runtime client for the given base URL.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	return &Client{
		baseURL: baseURL,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{}),
			httpclient.WithRetryStrategy(func(int) httpclient.RetryStrategy {
				return httpclient.NoRetry
			}),
		),
	}
}

// BaseURL returns the runtime base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// tagsResponse is the GET /api/tags payload.
type tagsResponse struct {
	Models []models.ModelRecord `json:"models"`
}

// Tags lists the models installed in the runtime.
func (c *Client) Tags(ctx context.Context) ([]models.ModelRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if resp != nil {
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return nil, fmt.Errorf("tags request failed with status %d: %s", resp.StatusCode, string(body))
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to reach model server: %w", err)
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("failed to decode tags response: %w", err)
	}
	return tags.Models, nil
}

// pullRecord is one line of the POST /api/pull NDJSON stream.
type pullRecord struct {
	Status    string `json:"status"`
	Completed uint64 `json:"completed"`
	Total     uint64 `json:"total"`
	Error     string `json:"error,omitempty"`
}

// Pull downloads a model, invoking onProgress for every normalized progress
// record. The stream terminates on a "success" status.
func (c *Client) Pull(ctx context.Context, id models.ModelIdentifier, onProgress func(models.DownloadProgress)) error {
	payload := map[string]any{"name": id.String()}
	resp, err := c.post(ctx, "/api/pull", payload)
	if resp != nil {
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return models.Errorf(models.KindModelPullFailed, "llm.pull",
				"pull failed with status %d: %s", resp.StatusCode, string(body))
		}
	} else if err != nil {
		return models.WrapError(models.KindModelPullFailed, "llm.pull", err)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var rec pullRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		if rec.Error != "" {
			return models.NewError(models.KindModelPullFailed, "llm.pull", rec.Error)
		}

		if onProgress != nil {
			onProgress(models.NewDownloadProgress(rec.Status, rec.Completed, rec.Total))
		}
		if rec.Status == "success" {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return models.WrapError(models.KindModelPullFailed, "llm.pull", err)
	}
	return models.NewError(models.KindModelPullFailed, "llm.pull",
		"pull stream ended without success status")
}

// GenerateRequest is one inference request against /api/generate.
type GenerateRequest struct {
	Model       models.ModelIdentifier
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// GenerateResponse is the complete result of a blocking generation.
type GenerateResponse struct {
	Text     string
	Duration time.Duration
}

// GenerateChunk is one unit of a streaming generation.
type GenerateChunk struct {
	Content string
	Done    bool
	Err     error
}

type generateOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type generatePayload struct {
	Model   string           `json:"model"`
	System  string           `json:"system,omitempty"`
	Prompt  string           `json:"prompt"`
	Options *generateOptions `json:"options,omitempty"`
	Stream  bool             `json:"stream"`
}

type generateLine struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

func buildPayload(req GenerateRequest, stream bool) generatePayload {
	p := generatePayload{
		Model:  req.Model.String(),
		System: req.System,
		Prompt: req.Prompt,
		Stream: stream,
	}
	if req.Temperature > 0 || req.MaxTokens > 0 {
		p.Options = &generateOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
		}
	}
	return p
}

// Generate runs one blocking generation.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	start := time.Now()

	resp, err := c.post(ctx, "/api/generate", buildPayload(req, false))
	if resp == nil {
		return nil, fmt.Errorf("could not reach model server: %w", err)
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return nil, fmt.Errorf("failed to read generate response: %w", readErr)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("generate failed with status %d: %s", resp.StatusCode, string(body))
	}

	var line generateLine
	if err := json.Unmarshal(body, &line); err != nil {
		return nil, fmt.Errorf("failed to decode generate response: %w", err)
	}
	if line.Error != "" {
		return nil, fmt.Errorf("model server error: %s", line.Error)
	}

	return &GenerateResponse{Text: line.Response, Duration: time.Since(start)}, nil
}

// GenerateStream runs one streaming generation. The returned channel closes
// after the Done chunk or a terminal error chunk.
func (c *Client) GenerateStream(ctx context.Context, req GenerateRequest) (<-chan GenerateChunk, error) {
	resp, err := c.post(ctx, "/api/generate", buildPayload(req, true))
	if resp == nil {
		return nil, fmt.Errorf("could not reach model server: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("generate failed with status %d: %s", resp.StatusCode, string(body))
	}

	out := make(chan GenerateChunk, 100)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadBytes('\n')
			if len(bytes.TrimSpace(line)) > 0 {
				var rec generateLine
				if jsonErr := json.Unmarshal(bytes.TrimSpace(line), &rec); jsonErr == nil {
					if rec.Error != "" {
						out <- GenerateChunk{Err: fmt.Errorf("model server error: %s", rec.Error)}
						return
					}
					if rec.Response != "" {
						out <- GenerateChunk{Content: rec.Response}
					}
					if rec.Done {
						out <- GenerateChunk{Done: true}
						return
					}
				}
			}
			if err != nil {
				if err != io.EOF {
					out <- GenerateChunk{Err: fmt.Errorf("stream read failed: %w", err)}
				}
				return
			}
		}
	}()

	return out, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any) (*http.Response, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.httpClient.Do(req)
}
