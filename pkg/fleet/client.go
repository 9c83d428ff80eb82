// Package fleet is the client for the external fleet-management HTTP API.
// Approved requests are executed here, with retry, TLS, and the configured
// authentication mode handled below the approval layer.
package fleet

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/kadirpekel/herald/pkg/config"
	"github.com/kadirpekel/herald/pkg/httpclient"
	"github.com/kadirpekel/herald/pkg/logger"
	"github.com/kadirpekel/herald/pkg/models"
	"github.com/kadirpekel/herald/pkg/observability"
)

// Client talks to the fleet service. Server errors are retried with the
// configured backoff; 4xx responses are surfaced immediately.
type Client struct {
	cfg  config.FleetConfig
	http *httpclient.Client
	auth authProvider
	log  *slog.Logger
}

// NewClient builds a fleet client from configuration.
func NewClient(cfg config.FleetConfig) (*Client, error) {
	cfg.SetDefaults()
	log := logger.Component("fleet")

	// The cookie jar carries the session for cookie-mode auth; it is
	// harmless for the other modes.
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, models.WrapError(models.KindInternal, "fleet.new", err)
	}
	base := &http.Client{Timeout: cfg.Timeout, Jar: jar}

	opts := []httpclient.Option{
		httpclient.WithHTTPClient(base),
		httpclient.WithMaxRetries(cfg.MaxRetries),
		httpclient.WithBaseDelay(cfg.RetryBackoff),
		httpclient.WithLogger(log),
	}
	if cfg.VerifySSL != nil && !*cfg.VerifySSL {
		log.Warn("TLS certificate verification disabled for fleet API")
		opts = append(opts, httpclient.WithTLSConfig(&httpclient.TLSConfig{InsecureSkipVerify: true}))
	}

	c := &Client{
		cfg:  cfg,
		http: httpclient.New(opts...),
		log:  log,
	}
	auth, err := newAuthProvider(cfg, base)
	if err != nil {
		return nil, err
	}
	c.auth = auth
	return c, nil
}

// Execute performs one request and discards the response body. It is the
// approval manager's executor.
func (c *Client) Execute(ctx context.Context, method, endpoint string, body map[string]any) error {
	_, err := c.Do(ctx, method, endpoint, body)
	return err
}

// Do performs one request and returns the response body. GET and DELETE
// requests never carry a body.
func (c *Client) Do(ctx context.Context, method, endpoint string, body map[string]any) ([]byte, error) {
	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")

	var payload io.Reader
	if body != nil && method != http.MethodGet && method != http.MethodDelete {
		data, err := json.Marshal(stripMeta(body))
		if err != nil {
			return nil, models.WrapError(models.KindInternal, "fleet.do", err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, payload)
	if err != nil {
		return nil, models.WrapError(models.KindInternal, "fleet.do", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	if err := c.auth.apply(ctx, req); err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	observability.GetGlobalMetrics().RecordHTTPRequest(ctx, method, endpoint, status, time.Since(start))

	if resp != nil {
		defer resp.Body.Close()
		data, readErr := io.ReadAll(resp.Body)
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if readErr != nil {
				return nil, models.WrapError(models.KindInternal, "fleet.do", readErr)
			}
			return data, nil
		}
		return nil, models.Errorf(models.KindInternal, "fleet.do",
			"%s %s returned %d: %s", method, endpoint, resp.StatusCode, bodySnippet(data))
	}
	if err != nil {
		return nil, models.WrapError(models.KindInternal, "fleet.do", err)
	}
	return nil, models.NewError(models.KindInternal, "fleet.do", "no response")
}

// stripMeta removes the _meta provenance subobject before the request
// leaves the process.
func stripMeta(body map[string]any) map[string]any {
	if _, ok := body["_meta"]; !ok {
		return body
	}
	out := make(map[string]any, len(body))
	for k, v := range body {
		if k == "_meta" {
			continue
		}
		out[k] = v
	}
	return out
}

const maxSnippet = 256

func bodySnippet(data []byte) string {
	s := strings.TrimSpace(string(data))
	if len(s) > maxSnippet {
		s = s[:maxSnippet] + "..."
	}
	if s == "" {
		return "(empty body)"
	}
	return s
}

// Healthy probes the fleet service root.
func (c *Client) Healthy(ctx context.Context) bool {
	_, err := c.Do(ctx, http.MethodGet, "/health", nil)
	return err == nil
}

