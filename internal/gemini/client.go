// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package gemini implements the conversion gateway client for the
// Google Gemini generateContent API.
//
// The gateway is deliberately thin: build a request from a task's
// system instruction plus the raw user input, issue exactly one call,
// and normalize the reply into parsed JSON or a typed error. No retry
// and no caching; the caller decides whether to re-invoke.
package gemini

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Configuration constants for the Gemini API.
const (
	// DefaultBaseURL is the base URL for the Gemini generative language API.
	DefaultBaseURL = "https://generativelanguage.googleapis.com"

	// DefaultModel is the model used when a task config does not name one.
	DefaultModel = "gemini-2.0-flash"

	// DefaultTimeout is the default timeout for API requests.
	DefaultTimeout = 60 * time.Second

	// MaxResponseSize is the maximum allowed response body size.
	// SECURITY: Response size limit prevents memory exhaustion.
	MaxResponseSize = 10 * 1024 * 1024 // 10MB

	// DefaultRequestsPerMinute bounds outbound calls to the provider.
	DefaultRequestsPerMinute = 30
)

// Error variables for common gateway errors.
var (
	// ErrEmptyInput indicates the input text was empty or whitespace.
	// Rejected client-side; no network call is made.
	ErrEmptyInput = errors.New("input text is empty")

	// ErrNotConfigured indicates no API key is available.
	ErrNotConfigured = errors.New("Gemini API key not configured")
)

// ProviderError represents a non-success response from the provider.
type ProviderError struct {
	StatusCode int
	Status     string // provider-supplied status label, e.g. "INVALID_ARGUMENT"
	Message    string // provider-supplied human-readable message
}

// Error implements the error interface. Prefers the provider's message,
// falls back to its status label, then to a generic HTTP label.
func (e *ProviderError) Error() string {
	switch {
	case e.Message != "":
		return fmt.Sprintf("provider error (HTTP %d): %s", e.StatusCode, e.Message)
	case e.Status != "":
		return fmt.Sprintf("provider error (HTTP %d): %s", e.StatusCode, e.Status)
	default:
		return fmt.Sprintf("provider error (HTTP %d)", e.StatusCode)
	}
}

// MalformedResponseError indicates the provider's payload could not be
// decoded as JSON after fence stripping. Raw carries the original text
// for diagnostics.
type MalformedResponseError struct {
	Raw string
	Err error
}

// Error implements the error interface.
func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed provider response: %v", e.Err)
}

// Unwrap returns the underlying parse error.
func (e *MalformedResponseError) Unwrap() error { return e.Err }

// =============================================================================
// WIRE TYPES
// =============================================================================

type part struct {
	Text string `json:"text"`
}

type content struct {
	Parts []part `json:"parts"`
	Role  string `json:"role,omitempty"`
}

type generationConfig struct {
	ResponseMIMEType string `json:"responseMimeType,omitempty"`
}

type generateRequest struct {
	Contents []content `json:"contents"`

	// SystemInstruction is a separate channel from user content so the
	// model can distinguish instructions from untrusted input. Never
	// concatenated into Contents.
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// =============================================================================
// CLIENT
// =============================================================================

// Client is a client for the Gemini generateContent endpoint.
type Client struct {
	mu         sync.RWMutex
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a new Gemini client with the given API key. An
// empty key is allowed; Generate calls will fail with ErrNotConfigured
// before any network activity.
func NewClient(apiKey string) *Client {
	return &Client{
		apiKey:  strings.TrimSpace(apiKey),
		baseURL: DefaultBaseURL,
		model:   DefaultModel,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(DefaultRequestsPerMinute)/60.0, 1),
	}
}

// WithBaseURL sets a custom base URL for the API.
func (c *Client) WithBaseURL(u string) *Client {
	c.baseURL = strings.TrimSuffix(u, "/")
	return c
}

// WithModel sets the model used when a call does not name one.
func (c *Client) WithModel(model string) *Client {
	if model != "" {
		c.model = model
	}
	return c
}

// WithTimeout sets the request timeout.
func (c *Client) WithTimeout(timeout time.Duration) *Client {
	c.httpClient.Timeout = timeout
	return c
}

// WithRequestsPerMinute replaces the outbound rate limit. Zero or
// negative disables limiting.
func (c *Client) WithRequestsPerMinute(rpm float64) *Client {
	if rpm <= 0 {
		c.limiter = nil
	} else {
		c.limiter = rate.NewLimiter(rate.Limit(rpm)/60.0, 1)
	}
	return c
}

// SetAPIKey replaces the API key at runtime (config hot reload).
func (c *Client) SetAPIKey(apiKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiKey = strings.TrimSpace(apiKey)
}

// IsConfigured returns true if the client has an API key.
func (c *Client) IsConfigured() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiKey != ""
}

// KeyFingerprint returns a short SHA-256 fingerprint of the API key
// for logging. Never exposes key material.
func (c *Client) KeyFingerprint() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.apiKey == "" {
		return "none"
	}
	h := sha256.Sum256([]byte(c.apiKey))
	return hex.EncodeToString(h[:4])
}

// =============================================================================
// GENERATION
// =============================================================================

// GenerateJSON sends input to the named model with systemInstruction on
// the instruction channel and a directive to reply with a JSON content
// type, then returns the reply parsed as a JSON object.
//
// Exactly one provider call per invocation. Error taxonomy:
//   - ErrEmptyInput for empty/whitespace input (no network call)
//   - ErrNotConfigured when no API key is set (no network call)
//   - *ProviderError for a non-2xx response
//   - *MalformedResponseError when the reply is not decodable JSON
func (c *Client) GenerateJSON(ctx context.Context, modelID, systemInstruction, input string) (json.RawMessage, error) {
	if strings.TrimSpace(input) == "" {
		return nil, ErrEmptyInput
	}

	c.mu.RLock()
	apiKey := c.apiKey
	c.mu.RUnlock()
	if apiKey == "" {
		return nil, ErrNotConfigured
	}

	if modelID == "" {
		modelID = c.model
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	reqBody := generateRequest{
		Contents: []content{
			{Parts: []part{{Text: input}}, Role: "user"},
		},
		SystemInstruction: &content{Parts: []part{{Text: systemInstruction}}},
		GenerationConfig:  &generationConfig{ResponseMIMEType: "application/json"},
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	// API key travels as a query parameter, per the generative language
	// API's key-based auth scheme.
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent?%s",
		c.baseURL, url.PathEscape(modelID), url.Values{"key": {apiKey}}.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := readResponse(resp)
	if err != nil {
		return nil, err
	}

	// SECURITY: log status and duration only, never the payload or key.
	log.Printf("GEMINI_RESPONSE | model=%s status=%d latency=%dms",
		modelID, resp.StatusCode, time.Since(start).Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errorFromResponse(resp.StatusCode, body)
	}

	return decodeCandidateJSON(body)
}

// readResponse reads the response body with a size limit.
// SECURITY: Response size limit prevents memory exhaustion.
func readResponse(resp *http.Response) ([]byte, error) {
	limitedReader := io.LimitReader(resp.Body, MaxResponseSize)
	body, err := io.ReadAll(limitedReader)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) == MaxResponseSize {
		return nil, fmt.Errorf("response exceeded maximum size of %d bytes", MaxResponseSize)
	}
	return body, nil
}

// errorFromResponse converts a non-2xx response into a ProviderError,
// preferring the provider's message, then its status label.
func errorFromResponse(statusCode int, body []byte) error {
	perr := &ProviderError{StatusCode: statusCode}

	var decoded generateResponse
	if err := json.Unmarshal(body, &decoded); err == nil && decoded.Error != nil {
		perr.Message = decoded.Error.Message
		perr.Status = decoded.Error.Status
	}

	return perr
}

// decodeCandidateJSON extracts the first candidate's first text part,
// strips markdown fences, and parses the remainder as a JSON object.
func decodeCandidateJSON(body []byte) (json.RawMessage, error) {
	var decoded generateResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, &MalformedResponseError{Raw: string(body), Err: err}
	}

	// The provider can report an error payload on a 2xx reply. That is
	// a provider error, not an empty result.
	if decoded.Error != nil {
		return nil, &ProviderError{
			StatusCode: decoded.Error.Code,
			Status:     decoded.Error.Status,
			Message:    decoded.Error.Message,
		}
	}

	// Missing candidate or part substitutes an empty object literal so
	// the parse step never sees a null.
	text := "{}"
	if len(decoded.Candidates) > 0 && len(decoded.Candidates[0].Content.Parts) > 0 {
		if t := decoded.Candidates[0].Content.Parts[0].Text; t != "" {
			text = t
		}
	}

	text = StripFences(text)

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &obj); err != nil {
		return nil, &MalformedResponseError{Raw: text, Err: err}
	}

	return json.RawMessage(text), nil
}

// =============================================================================
// FENCE STRIPPING
// =============================================================================

// StripFences removes markdown code-fence delimiters and surrounding
// whitespace. The provider sometimes wraps JSON in a fenced block
// despite being asked for a JSON content type. Safe to apply when no
// fences are present, and idempotent.
func StripFences(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "```") {
		// Drop the opening fence together with its language tag.
		s = s[3:]
		if idx := strings.IndexByte(s, '\n'); idx >= 0 {
			s = s[idx+1:]
		} else {
			// Single-line fenced block: "```json {...} ```"
			s = strings.TrimPrefix(s, "json")
		}
	}

	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")

	return strings.TrimSpace(s)
}
