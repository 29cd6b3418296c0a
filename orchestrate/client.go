// Copyright 2025 TripFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestrate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultTokenURL is the IBM IAM token endpoint
	DefaultTokenURL = "https://iam.cloud.ibm.com/identity/token"

	// GrantTypeAPIKey is the IAM grant type for API key exchange
	GrantTypeAPIKey = "urn:ibm:params:oauth:grant-type:apikey"

	// DefaultTimeout is the end-to-end budget for run submission and
	// status calls. Token issuance uses the much shorter DefaultTokenTimeout.
	DefaultTimeout        = 60 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	DefaultReadTimeout    = 50 * time.Second
	DefaultTokenTimeout   = 5 * time.Second

	// tokenExpiryBuffer is subtracted from the token lifetime so a cached
	// token is never handed out moments before upstream rejects it.
	tokenExpiryBuffer = 60 * time.Second

	// placeholderRunID is what the frontend sends before a run exists
	placeholderRunID = "null"
)

// Run status values the relay cares about. Upstream may emit others;
// they are passed through verbatim.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
)

var (
	// ErrNoAPIKey indicates the client was constructed without an API key.
	// It is a configuration problem, not an upstream auth failure.
	ErrNoAPIKey = errors.New("orchestrate API key is not configured")

	// ErrInvalidRunID indicates a run id that is empty or the literal
	// "null" placeholder. No upstream call is made for these.
	ErrInvalidRunID = errors.New("invalid run id")
)

// threadIDPattern is a pragmatic shape check for a UUID-like thread id.
// Non-matching ids are silently dropped from the submission, not rejected.
var threadIDPattern = regexp.MustCompile(`^[0-9a-fA-F-]{36}$`)

// HTTPClient is an interface for HTTP client operations (enables testing)
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config contains configuration for the Orchestrate client
type Config struct {
	APIKey       string        // Required for calls: IBM Cloud API key
	BaseURL      string        // Required: Orchestrate API base URL
	InstanceID   string        // Required: Orchestrate instance identifier
	AgentID      string        // Required: agent to run queries against
	TokenURL     string        // Optional: IAM token endpoint (default: DefaultTokenURL)
	Timeout      time.Duration // Optional: run call timeout (default: 60s)
	TokenTimeout time.Duration // Optional: token call timeout (default: 5s)
	TokenStore   TokenStore    // Optional: token cache (default: in-process)
}

// Client talks to a watsonx Orchestrate instance. A single Client owns one
// pooled HTTP connection and is safe for concurrent use; create it once at
// process start and share it.
type Client struct {
	cfg     Config
	client  HTTPClient
	tokens  TokenStore
	healthy bool
	mu      sync.RWMutex
}

// AuthError is a non-2xx response from the IAM token endpoint.
type AuthError struct {
	StatusCode int
	Body       string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("orchestrate token request failed (status %d): %s", e.StatusCode, e.Body)
}

// APIError is a non-2xx response from a run endpoint. Status code and body
// are preserved so the caller can relay them verbatim.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("orchestrate API error (status %d): %s", e.StatusCode, e.Body)
}

// IsAuthError returns true if upstream rejected the bearer token
func (e *APIError) IsAuthError() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// IsRateLimitError returns true if upstream throttled the call
func (e *APIError) IsRateLimitError() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// RunHandle identifies a submitted run. RunID may be empty when upstream
// answered 2xx in a shape none of the extractors recognize; callers surface
// that as a null id rather than an error.
type RunHandle struct {
	RunID    string
	ThreadID string
}

// NewClient creates a new Orchestrate client with a pooled transport.
// Credentials are not validated here: a missing API key surfaces as
// ErrNoAPIKey on the first call, mirroring the per-call configuration
// check the relay exposes to its clients.
func NewClient(cfg Config) *Client {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")

	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	if cfg.TokenTimeout == 0 {
		cfg.TokenTimeout = DefaultTokenTimeout
	}

	tokens := cfg.TokenStore
	if tokens == nil {
		tokens = NewMemoryTokenStore()
	}

	return &Client{
		cfg:    cfg,
		tokens: tokens,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: DefaultConnectTimeout,
				}).DialContext,
				ResponseHeaderTimeout: DefaultReadTimeout,
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   100,
				IdleConnTimeout:       90 * time.Second,
			},
		},
		healthy: true,
	}
}

// IsConfigured checks if the credentials required for upstream calls are set
func (c *Client) IsConfigured() bool {
	return c.cfg.APIKey != "" && c.cfg.BaseURL != "" && c.cfg.InstanceID != "" && c.cfg.AgentID != ""
}

// IsHealthy returns whether the last upstream interaction succeeded
func (c *Client) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.healthy && c.cfg.APIKey != ""
}

func (c *Client) setHealthy(healthy bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.healthy = healthy
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// AccessToken returns a bearer token for the configured API key, reusing a
// cached token while it remains valid. Token issuance runs under the short
// TokenTimeout deadline since IAM is expected to answer fast.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	if c.cfg.APIKey == "" {
		return "", ErrNoAPIKey
	}

	if token, ok := c.tokens.Get(ctx); ok {
		return token, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.TokenTimeout)
	defer cancel()

	form := url.Values{}
	form.Set("grant_type", GrantTypeAPIKey)
	form.Set("apikey", c.cfg.APIKey)

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.setHealthy(false)
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("Error closing response body: %v", err)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return "", &AuthError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var tokenResp tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}

	c.setHealthy(true)

	// An absent access_token field yields an empty token here. Callers
	// must treat that as an error, never as a usable credential.
	if tokenResp.AccessToken != "" {
		if ttl := tokenLifetime(tokenResp.AccessToken, tokenResp.ExpiresIn); ttl > 0 {
			c.tokens.Put(ctx, tokenResp.AccessToken, ttl)
		}
	}

	return tokenResp.AccessToken, nil
}

// tokenLifetime derives a cache TTL for a token. IAM tokens are JWTs, so
// the exp claim (parsed without signature verification; we only need the
// timestamp) is preferred over the expires_in field.
func tokenLifetime(token string, expiresIn int) time.Duration {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return time.Until(exp.Time) - tokenExpiryBuffer
		}
	}

	if expiresIn > 0 {
		return time.Duration(expiresIn)*time.Second - tokenExpiryBuffer
	}

	return 0
}

type runMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type runRequest struct {
	Message runMessage             `json:"message"`
	AgentID string                 `json:"agent_id"`
	Context map[string]interface{} `json:"context"`
	// Placeholder for upstream extensions, always sent empty today
	AdditionalProperties map[string]interface{} `json:"additional_properties"`
	ThreadID             string                 `json:"thread_id,omitempty"`
}

// runIDExtractors is the ordered list of shapes a run id has appeared under
// across upstream versions. First match wins; new shapes get appended here.
var runIDExtractors = []func(map[string]interface{}) (string, bool){
	func(p map[string]interface{}) (string, bool) {
		id, ok := p["id"].(string)
		return id, ok && id != ""
	},
	func(p map[string]interface{}) (string, bool) {
		id, ok := p["run_id"].(string)
		return id, ok && id != ""
	},
	func(p map[string]interface{}) (string, bool) {
		data, ok := p["data"].(map[string]interface{})
		if !ok {
			return "", false
		}
		id, ok := data["id"].(string)
		return id, ok && id != ""
	},
}

func extractRunID(payload map[string]interface{}) string {
	for _, extract := range runIDExtractors {
		if id, ok := extract(payload); ok {
			return id
		}
	}
	return ""
}

// SubmitRun submits a user query as a new run against the configured agent.
// threadID continues an existing upstream conversation; ids that do not
// look like a thread token are dropped from the request rather than failing it.
func (c *Client) SubmitRun(ctx context.Context, query, threadID string) (*RunHandle, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	if token == "" {
		return nil, fmt.Errorf("token endpoint returned an empty access token")
	}

	body := runRequest{
		Message:              runMessage{Role: "user", Content: query},
		AgentID:              c.cfg.AgentID,
		Context:              map[string]interface{}{},
		AdditionalProperties: map[string]interface{}{},
	}

	if threadID != "" && threadIDPattern.MatchString(threadID) {
		body.ThreadID = threadID
	}

	reqBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal run request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/instances/%s/v1/orchestrate/runs", c.cfg.BaseURL, c.cfg.InstanceID)
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create run request: %w", err)
	}

	c.setHeaders(req, token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.setHealthy(false)
		return nil, fmt.Errorf("run submission failed: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("Error closing response body: %v", err)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		if resp.StatusCode >= 500 {
			c.setHealthy(false)
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	c.setHealthy(true)

	var payload map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode run response: %w", err)
	}

	handle := &RunHandle{RunID: extractRunID(payload)}
	if tid, ok := payload["thread_id"].(string); ok {
		handle.ThreadID = tid
	}

	if handle.RunID == "" {
		log.Printf("[Orchestrate] Run accepted but no run id found in response (keys: %v)", payloadKeys(payload))
	}

	return handle, nil
}

// RunStatus fetches the raw status payload for a run. The body is returned
// unmodified; Normalize turns it into a flat result.
func (c *Client) RunStatus(ctx context.Context, runID string) ([]byte, error) {
	if runID == "" || runID == placeholderRunID {
		return nil, ErrInvalidRunID
	}

	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	if token == "" {
		return nil, fmt.Errorf("token endpoint returned an empty access token")
	}

	endpoint := fmt.Sprintf("%s/instances/%s/v1/orchestrate/runs/%s",
		c.cfg.BaseURL, c.cfg.InstanceID, url.PathEscape(runID))
	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create status request: %w", err)
	}

	c.setHeaders(req, token)

	resp, err := c.client.Do(req)
	if err != nil {
		c.setHealthy(false)
		return nil, fmt.Errorf("status request failed: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("Error closing response body: %v", err)
		}
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read status response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode >= 500 {
			c.setHealthy(false)
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	c.setHealthy(true)

	return respBody, nil
}

// setHeaders sets the bearer auth headers for run endpoints
func (c *Client) setHeaders(req *http.Request, token string) {
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
}

func payloadKeys(payload map[string]interface{}) []string {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	return keys
}
