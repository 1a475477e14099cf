package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"localai-backend/internal/models"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	DefaultHost = "http://localhost:11434"
	// MaxCatalogTimeout bounds the model catalog lookup.
	MaxCatalogTimeout = 5 * time.Second
)

// CatalogPolicy decides what ListModels returns when the catalog is unavailable.
type CatalogPolicy string

const (
	// CatalogFallbackEmpty returns an empty list.
	CatalogFallbackEmpty CatalogPolicy = "empty"
	// CatalogFallbackDefault returns a single configured default model name.
	CatalogFallbackDefault CatalogPolicy = "default"
)

// ParseCatalogPolicy maps a configuration value to a policy.
func ParseCatalogPolicy(v string) (CatalogPolicy, error) {
	switch CatalogPolicy(strings.ToLower(strings.TrimSpace(v))) {
	case CatalogFallbackEmpty:
		return CatalogFallbackEmpty, nil
	case CatalogFallbackDefault, "":
		return CatalogFallbackDefault, nil
	}
	return "", fmt.Errorf("ollama: unknown catalog fallback policy %q (want %q or %q)", v, CatalogFallbackEmpty, CatalogFallbackDefault)
}

// chatRequest is the payload sent to /api/chat.
type chatRequest struct {
	Model    string               `json:"model"`
	Messages []models.ChatMessage `json:"messages"`
	Stream   bool                 `json:"stream"`
}

// Client is a focused client for the Ollama chat and catalog endpoints.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	catalogTimeout time.Duration
	catalogPolicy  CatalogPolicy
	defaultModel   string
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithCatalogTimeout sets the catalog lookup timeout, capped at MaxCatalogTimeout.
func WithCatalogTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 && d <= MaxCatalogTimeout {
			c.catalogTimeout = d
		}
	}
}

// WithCatalogFallback sets the policy applied when the catalog cannot be read.
func WithCatalogFallback(policy CatalogPolicy, defaultModel string) Option {
	return func(c *Client) {
		c.catalogPolicy = policy
		c.defaultModel = strings.TrimSpace(defaultModel)
	}
}

// NewClient creates a Client for the inference engine at host.
// Chat calls carry no client-side timeout; they are bounded only by the caller's context.
func NewClient(host string, opts ...Option) *Client {
	host = strings.TrimRight(strings.TrimSpace(host), "/")
	if host == "" {
		host = DefaultHost
	}
	c := &Client{
		baseURL:        host,
		httpClient:     &http.Client{},
		catalogTimeout: MaxCatalogTimeout,
		catalogPolicy:  CatalogFallbackDefault,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Complete sends a blocking chat request and returns the normalized reply.
func (c *Client) Complete(ctx context.Context, req models.ChatRequest) (*models.ChatResponse, error) {
	body, err := c.postChat(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("ollama: read chat response: %w", classifyTransportErr(err))
	}
	resp, err := normalizeReply(raw)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// CompleteStream sends a streaming chat request. The returned stream must be closed by the caller.
func (c *Client) CompleteStream(ctx context.Context, req models.ChatRequest) (models.FragmentStream, error) {
	body, err := c.postChat(ctx, req, true)
	if err != nil {
		return nil, err
	}
	return NewStream(body), nil
}

func (c *Client) postChat(ctx context.Context, req models.ChatRequest, stream bool) (io.ReadCloser, error) {
	payload, err := json.Marshal(chatRequest{
		Model:    req.Model,
		Messages: req.Messages,
		Stream:   stream,
	})
	if err != nil {
		return nil, fmt.Errorf("ollama: marshal chat request: %w", err)
	}

	url := c.baseURL + "/api/chat"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("ollama: build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		log.Printf("ERROR [OllamaClient] POST %s (model=%s, stream=%t): %v", url, req.Model, stream, err)
		return nil, classifyTransportErr(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		detail := gjson.GetBytes(raw, "error").String()
		if detail == "" {
			detail = strings.TrimSpace(string(raw))
		}
		return nil, &HTTPStatusError{StatusCode: resp.StatusCode, URL: url, Body: detail}
	}

	return resp.Body, nil
}

// ListModels returns the model names from the engine's catalog, in catalog
// order. It never fails: on timeout, connection error, non-200, malformed or
// empty catalog it returns the configured fallback.
func (c *Client) ListModels(ctx context.Context) []string {
	ctx, cancel := context.WithTimeout(ctx, c.catalogTimeout)
	defer cancel()

	names, err := c.fetchCatalog(ctx)
	if err != nil {
		log.Printf("WARN [OllamaClient] Model catalog unavailable, applying %q fallback: %v", c.catalogPolicy, err)
		return c.catalogFallback()
	}
	if len(names) == 0 {
		log.Printf("WARN [OllamaClient] Model catalog is empty, applying %q fallback", c.catalogPolicy)
		return c.catalogFallback()
	}
	return names
}

func (c *Client) fetchCatalog(ctx context.Context) ([]string, error) {
	url := c.baseURL + "/api/tags"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPStatusError{StatusCode: resp.StatusCode, URL: url, Body: strings.TrimSpace(string(raw))}
	}
	if !gjson.ValidBytes(raw) {
		return nil, errMalformedReply
	}

	names := []string{}
	for _, name := range gjson.GetBytes(raw, "models.#.name").Array() {
		if n := strings.TrimSpace(name.String()); n != "" {
			names = append(names, n)
		}
	}
	return names, nil
}

func (c *Client) catalogFallback() []string {
	if c.catalogPolicy == CatalogFallbackDefault && c.defaultModel != "" {
		return []string{c.defaultModel}
	}
	return []string{}
}
