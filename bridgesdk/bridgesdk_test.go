/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Voicebridge Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package bridgesdk

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewClient(t *testing.T) {
	t.Run("with default config", func(t *testing.T) {
		client, err := NewClient("test-token", nil)
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		if client.GetAccessToken() != "test-token" {
			t.Errorf("Expected access token 'test-token', got %q", client.GetAccessToken())
		}
		if client.BaseURL.String() != "https://api.voicebridge.io/v1" {
			t.Errorf("Expected default base URL, got %q", client.BaseURL.String())
		}
		if client.GetLogger() == nil {
			t.Error("Expected a default logger")
		}
	})

	t.Run("with empty token", func(t *testing.T) {
		_, err := NewClient("", nil)
		if err == nil {
			t.Fatal("Expected error for empty access token")
		}
	})

	t.Run("with custom config", func(t *testing.T) {
		cfg := &Config{
			BaseURL: "https://example.com/api",
			Timeout: 5 * time.Second,
		}
		client, err := NewClient("test-token", cfg)
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		if client.BaseURL.String() != "https://example.com/api" {
			t.Errorf("Expected custom base URL, got %q", client.BaseURL.String())
		}
	})
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.BaseURL != "https://api.voicebridge.io/v1" {
		t.Errorf("Unexpected default BaseURL %q", cfg.BaseURL)
	}
	if cfg.Timeout != 30*time.Second {
		t.Errorf("Expected 30s timeout, got %v", cfg.Timeout)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("Expected 3 retries, got %d", cfg.MaxRetries)
	}
	if cfg.RetryBaseDelay != 1*time.Second {
		t.Errorf("Expected 1s retry base delay, got %v", cfg.RetryBaseDelay)
	}
}

func TestRequest(t *testing.T) {
	t.Run("sets auth and content headers", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
				t.Errorf("Expected 'Bearer test-token', got %q", got)
			}
			if got := r.Header.Get("Content-Type"); got != "application/json" {
				t.Errorf("Expected 'application/json', got %q", got)
			}
			if got := r.Header.Get("X-Custom"); got != "custom-value" {
				t.Errorf("Expected custom header 'custom-value', got %q", got)
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		client, _ := NewClient("test-token", &Config{
			BaseURL:        server.URL,
			DefaultHeaders: map[string]string{"X-Custom": "custom-value"},
		})

		resp, err := client.Request(http.MethodGet, "devices", nil, nil)
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		resp.Body.Close()
	})

	t.Run("encodes query parameters", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("organizationId"); got != "org-1" {
				t.Errorf("Expected organizationId 'org-1', got %q", got)
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		client, _ := NewClient("test-token", &Config{BaseURL: server.URL})
		params := url.Values{}
		params.Set("organizationId", "org-1")

		resp, err := client.Request(http.MethodGet, "devices/d-1/extensions", params, nil)
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		resp.Body.Close()
	})

	t.Run("serializes request body as JSON", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var payload map[string]string
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				t.Fatalf("Failed to decode body: %v", err)
			}
			if payload["phoneNumber"] != "+15551234567" {
				t.Errorf("Expected phoneNumber '+15551234567', got %q", payload["phoneNumber"])
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		client, _ := NewClient("test-token", &Config{BaseURL: server.URL})
		body := map[string]string{"phoneNumber": "+15551234567"}

		resp, err := client.Request(http.MethodPost, "auto-call", nil, body)
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		resp.Body.Close()
	})
}

func TestRequestWithRetry(t *testing.T) {
	t.Run("retries transient errors", func(t *testing.T) {
		var calls int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&calls, 1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		client, _ := NewClient("test-token", &Config{
			BaseURL:        server.URL,
			MaxRetries:     3,
			RetryBaseDelay: 1 * time.Millisecond,
		})

		resp, err := client.Request(http.MethodGet, "devices", nil, nil)
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Errorf("Expected 200, got %d", resp.StatusCode)
		}
		if got := atomic.LoadInt32(&calls); got != 3 {
			t.Errorf("Expected 3 attempts, got %d", got)
		}
	})

	t.Run("returns last response when retries exhausted", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		client, _ := NewClient("test-token", &Config{
			BaseURL:        server.URL,
			MaxRetries:     2,
			RetryBaseDelay: 1 * time.Millisecond,
		})

		resp, err := client.Request(http.MethodGet, "devices", nil, nil)
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusBadGateway {
			t.Errorf("Expected 502, got %d", resp.StatusCode)
		}
	})

	t.Run("does not retry non-transient errors", func(t *testing.T) {
		var calls int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		client, _ := NewClient("test-token", &Config{
			BaseURL:        server.URL,
			MaxRetries:     3,
			RetryBaseDelay: 1 * time.Millisecond,
		})

		resp, err := client.Request(http.MethodGet, "devices/missing", nil, nil)
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		resp.Body.Close()

		if got := atomic.LoadInt32(&calls); got != 1 {
			t.Errorf("Expected 1 attempt, got %d", got)
		}
	})
}

func TestIsRetryableStatus(t *testing.T) {
	retryable := []int{429, 502, 503, 504}
	for _, code := range retryable {
		if !isRetryableStatus(code) {
			t.Errorf("Expected %d to be retryable", code)
		}
	}

	notRetryable := []int{200, 400, 401, 403, 404, 409, 500}
	for _, code := range notRetryable {
		if isRetryableStatus(code) {
			t.Errorf("Expected %d to not be retryable", code)
		}
	}
}

func TestRetryDelay(t *testing.T) {
	t.Run("honors Retry-After on 429", func(t *testing.T) {
		resp := &http.Response{
			StatusCode: http.StatusTooManyRequests,
			Header:     http.Header{"Retry-After": []string{"7"}},
		}
		if got := retryDelay(resp, time.Second, 0); got != 7*time.Second {
			t.Errorf("Expected 7s, got %v", got)
		}
	})

	t.Run("exponential backoff otherwise", func(t *testing.T) {
		resp := &http.Response{StatusCode: http.StatusServiceUnavailable, Header: http.Header{}}
		if got := retryDelay(resp, time.Second, 0); got != 1*time.Second {
			t.Errorf("Expected 1s for attempt 0, got %v", got)
		}
		if got := retryDelay(resp, time.Second, 2); got != 4*time.Second {
			t.Errorf("Expected 4s for attempt 2, got %v", got)
		}
	})
}

func TestParseResponse(t *testing.T) {
	t.Run("decodes JSON body", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]string{"deviceId": "d-123"})
		}))
		defer server.Close()

		client, _ := NewClient("test-token", &Config{BaseURL: server.URL})
		resp, err := client.Request(http.MethodGet, "devices/d-123", nil, nil)
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}

		var parsed struct {
			DeviceID string `json:"deviceId"`
		}
		if err := ParseResponse(resp, &parsed); err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		if parsed.DeviceID != "d-123" {
			t.Errorf("Expected deviceId 'd-123', got %q", parsed.DeviceID)
		}
	})

	t.Run("nil target and empty body succeed", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}))
		defer server.Close()

		client, _ := NewClient("test-token", &Config{BaseURL: server.URL})
		resp, err := client.Request(http.MethodDelete, "devices/d-123", nil, nil)
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		if err := ParseResponse(resp, nil); err != nil {
			t.Errorf("Expected no error for nil target, got %v", err)
		}
	})

	t.Run("error status returns APIError", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"message": "device not found"})
		}))
		defer server.Close()

		client, _ := NewClient("test-token", &Config{BaseURL: server.URL})
		resp, err := client.Request(http.MethodGet, "devices/missing", nil, nil)
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}

		parseErr := ParseResponse(resp, nil)
		if parseErr == nil {
			t.Fatal("Expected an error for 404 response")
		}
		if !IsNotFound(parseErr) {
			t.Errorf("Expected a NotFoundError, got %T", parseErr)
		}
	})
}
