// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package gemini

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestClient returns a client pointed at a stub provider, with rate
// limiting disabled so tests run instantly.
func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *int64) {
	t.Helper()

	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	client := NewClient("test-key").WithBaseURL(srv.URL).WithRequestsPerMinute(0)
	return client, &calls
}

// candidateReply wraps text in the provider's candidate envelope.
func candidateReply(text string) string {
	reply := map[string]any{
		"candidates": []any{
			map[string]any{
				"content": map[string]any{
					"parts": []any{map[string]any{"text": text}},
				},
			},
		},
	}
	data, _ := json.Marshal(reply)
	return string(data)
}

func TestGenerateJSON_Success(t *testing.T) {
	client, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		// The key rides in the query string, not a header.
		require.Equal(t, "test-key", r.URL.Query().Get("key"))

		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		// System instruction stays on its own channel.
		require.NotNil(t, req.SystemInstruction)
		assert.Equal(t, "convert css", req.SystemInstruction.Parts[0].Text)
		require.Len(t, req.Contents, 1)
		assert.Equal(t, ".btn { padding: 1rem; }", req.Contents[0].Parts[0].Text)
		require.NotNil(t, req.GenerationConfig)
		assert.Equal(t, "application/json", req.GenerationConfig.ResponseMIMEType)

		w.Write([]byte(candidateReply(`{"tailwindClasses": "p-4"}`)))
	})

	raw, err := client.GenerateJSON(context.Background(), "gemini-2.0-flash", "convert css", ".btn { padding: 1rem; }")
	require.NoError(t, err)
	assert.JSONEq(t, `{"tailwindClasses": "p-4"}`, string(raw))
	assert.EqualValues(t, 1, *calls, "exactly one provider call per invocation")
}

func TestGenerateJSON_FencedReplyEqualsUnfenced(t *testing.T) {
	payload := `{"tailwindClasses": "p-4 rounded"}`

	for name, text := range map[string]string{
		"bare":   payload,
		"fenced": "```json\n" + payload + "\n```",
	} {
		t.Run(name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(candidateReply(text)))
			})

			raw, err := client.GenerateJSON(context.Background(), "", "sys", "input")
			require.NoError(t, err)
			assert.JSONEq(t, payload, string(raw))
		})
	}
}

func TestGenerateJSON_EmptyInput(t *testing.T) {
	client, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(candidateReply(`{}`)))
	})

	for _, input := range []string{"", "   ", "\n\t "} {
		_, err := client.GenerateJSON(context.Background(), "", "sys", input)
		assert.ErrorIs(t, err, ErrEmptyInput, "input %q", input)
	}
	assert.EqualValues(t, 0, *calls, "empty input must not reach the network")
}

func TestGenerateJSON_NotConfigured(t *testing.T) {
	client, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	client.SetAPIKey("")

	_, err := client.GenerateJSON(context.Background(), "", "sys", "input")
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.EqualValues(t, 0, *calls)
}

func TestGenerateJSON_ProviderError(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error": {"code": 429, "message": "X", "status": "RESOURCE_EXHAUSTED"}}`))
	})

	_, err := client.GenerateJSON(context.Background(), "", "sys", "input")

	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, http.StatusTooManyRequests, perr.StatusCode)
	assert.Equal(t, "X", perr.Message)
	assert.Contains(t, perr.Error(), "X")
}

func TestGenerateJSON_ProviderErrorFallbacks(t *testing.T) {
	// No parseable body: error message falls back to the HTTP status.
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("gateway exploded"))
	})

	_, err := client.GenerateJSON(context.Background(), "", "sys", "input")

	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, http.StatusInternalServerError, perr.StatusCode)
	assert.Contains(t, perr.Error(), "HTTP 500")
}

func TestGenerateJSON_MalformedResponse(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(candidateReply("this is prose, not JSON")))
	})

	_, err := client.GenerateJSON(context.Background(), "", "sys", "input")

	var merr *MalformedResponseError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, "this is prose, not JSON", merr.Raw, "raw text preserved for diagnostics")
}

func TestGenerateJSON_ErrorPayloadOn2xx(t *testing.T) {
	// The provider sometimes reports failure inside a 200 body.
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error": {"code": 500, "message": "internal failure", "status": "INTERNAL"}}`))
	})

	_, err := client.GenerateJSON(context.Background(), "", "sys", "input")

	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 500, perr.StatusCode)
	assert.Equal(t, "internal failure", perr.Message)
	assert.Equal(t, "INTERNAL", perr.Status)
}

func TestGenerateJSON_MissingCandidateBecomesEmptyObject(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates": []}`))
	})

	raw, err := client.GenerateJSON(context.Background(), "", "sys", "input")
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(raw))
}

func TestGenerateJSON_ContextCancelled(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(candidateReply(`{}`)))
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.GenerateJSON(ctx, "", "sys", "input")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStripFences(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"no fences", `{"a": 1}`, `{"a": 1}`},
		{"json fence", "```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"bare fence", "```\n{\"a\": 1}\n```", `{"a": 1}`},
		{"leading whitespace", "  \n```json\n{}\n```  ", "{}"},
		{"single line fence", "```json {\"a\": 1} ```", `{"a": 1}`},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := StripFences(tt.input)
			if got != tt.want {
				t.Errorf("StripFences(%q) = %q, want %q", tt.input, got, tt.want)
			}
			// Idempotent: stripping again changes nothing.
			if again := StripFences(got); again != got {
				t.Errorf("StripFences not idempotent: %q -> %q", got, again)
			}
		})
	}
}

func TestKeyFingerprint(t *testing.T) {
	client := NewClient("secret-key")
	fp := client.KeyFingerprint()
	if fp == "none" || fp == "secret-key" || len(fp) != 8 {
		t.Errorf("fingerprint = %q, want 8 hex chars and no key material", fp)
	}

	client.SetAPIKey("")
	if client.KeyFingerprint() != "none" {
		t.Error("empty key should fingerprint as none")
	}
}
