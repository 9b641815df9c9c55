/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Voicebridge Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package bridgesdk

import (
	"errors"
	"net/http"
	"testing"
	"time"
)

func errorResponse(statusCode int, header http.Header) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		StatusCode: statusCode,
		Status:     http.StatusText(statusCode),
		Header:     header,
	}
}

func TestNewAPIError(t *testing.T) {
	t.Run("maps status codes to sub-types", func(t *testing.T) {
		cases := []struct {
			code  int
			check func(error) bool
			name  string
		}{
			{401, IsAuthError, "AuthError"},
			{403, IsForbidden, "ForbiddenError"},
			{404, IsNotFound, "NotFoundError"},
			{409, IsConflict, "ConflictError"},
			{429, IsRateLimited, "RateLimitError"},
			{500, IsServerError, "ServerError"},
			{502, IsServerError, "ServerError"},
			{503, IsServerError, "ServerError"},
			{504, IsServerError, "ServerError"},
		}

		for _, tc := range cases {
			err := NewAPIError(errorResponse(tc.code, nil), nil)
			if !tc.check(err) {
				t.Errorf("Expected %s for status %d, got %T", tc.name, tc.code, err)
			}
		}
	})

	t.Run("parses message and trackingId from body", func(t *testing.T) {
		body := []byte(`{"message":"extension not found","trackingId":"trk-42"}`)
		err := NewAPIError(errorResponse(404, nil), body)

		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("Expected APIError, got %T", err)
		}
		if apiErr.Message != "extension not found" {
			t.Errorf("Expected message 'extension not found', got %q", apiErr.Message)
		}
		if apiErr.TrackingID != "trk-42" {
			t.Errorf("Expected trackingId 'trk-42', got %q", apiErr.TrackingID)
		}
	})

	t.Run("falls back to error field for message", func(t *testing.T) {
		body := []byte(`{"error":"bad request"}`)
		err := NewAPIError(errorResponse(400, nil), body)

		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("Expected APIError, got %T", err)
		}
		if apiErr.Message != "bad request" {
			t.Errorf("Expected message 'bad request', got %q", apiErr.Message)
		}
	})

	t.Run("preserves raw body when JSON is invalid", func(t *testing.T) {
		body := []byte("<html>gateway error</html>")
		err := NewAPIError(errorResponse(502, nil), body)

		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("Expected APIError, got %T", err)
		}
		if apiErr.Message != "" {
			t.Errorf("Expected empty message, got %q", apiErr.Message)
		}
		if string(apiErr.RawBody) != "<html>gateway error</html>" {
			t.Errorf("Expected raw body preserved, got %q", apiErr.RawBody)
		}
	})

	t.Run("parses Retry-After header", func(t *testing.T) {
		header := http.Header{"Retry-After": []string{"30"}}
		err := NewAPIError(errorResponse(429, header), nil)

		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("Expected APIError, got %T", err)
		}
		if apiErr.RetryAfter != 30*time.Second {
			t.Errorf("Expected RetryAfter 30s, got %v", apiErr.RetryAfter)
		}
	})

	t.Run("authRequired body takes precedence over 403 mapping", func(t *testing.T) {
		body := []byte(`{"message":"authorization required","authRequired":true,"authUrl":"https://auth.example.com/flow"}`)
		err := NewAPIError(errorResponse(403, nil), body)

		if !IsAuthRequired(err) {
			t.Fatalf("Expected AuthRequiredError, got %T", err)
		}
		if IsForbidden(err) {
			t.Error("Expected authRequired to shadow the plain ForbiddenError mapping")
		}
		if got := AuthURLFromError(err); got != "https://auth.example.com/flow" {
			t.Errorf("Expected auth URL from error, got %q", got)
		}
	})

	t.Run("AuthURLFromError returns empty for other errors", func(t *testing.T) {
		err := NewAPIError(errorResponse(404, nil), nil)
		if got := AuthURLFromError(err); got != "" {
			t.Errorf("Expected empty auth URL, got %q", got)
		}
	})
}

func TestErrorsAsTraversal(t *testing.T) {
	body := []byte(`{"message":"too many requests","trackingId":"trk-1"}`)
	header := http.Header{"Retry-After": []string{"5"}}
	err := NewAPIError(errorResponse(429, header), body)

	var rateErr *RateLimitError
	if !errors.As(err, &rateErr) {
		t.Fatalf("Expected RateLimitError, got %T", err)
	}

	// Common fields reachable through the embedded APIError
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatal("Expected errors.As to reach the embedded APIError")
	}
	if apiErr.StatusCode != 429 {
		t.Errorf("Expected status 429, got %d", apiErr.StatusCode)
	}
	if apiErr.RetryAfter != 5*time.Second {
		t.Errorf("Expected RetryAfter 5s, got %v", apiErr.RetryAfter)
	}
}
