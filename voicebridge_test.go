/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Voicebridge Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package voicebridge

import (
	"testing"

	"github.com/voicebridge/voicebridge-go/bridgesdk"
)

func TestNewClient(t *testing.T) {
	t.Run("with default config", func(t *testing.T) {
		client, err := NewClient("test-token", nil)
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		if client.Core() == nil {
			t.Fatal("Expected a core client")
		}
		if client.Core().GetAccessToken() != "test-token" {
			t.Errorf("Expected access token 'test-token', got %q", client.Core().GetAccessToken())
		}
	})

	t.Run("with empty token", func(t *testing.T) {
		if _, err := NewClient("", nil); err == nil {
			t.Fatal("Expected an error for an empty access token")
		}
	})

	t.Run("with custom config", func(t *testing.T) {
		client, err := NewClient("test-token", &bridgesdk.Config{BaseURL: "https://example.com/api"})
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		if client.Core().BaseURL.String() != "https://example.com/api" {
			t.Errorf("Expected custom base URL, got %q", client.Core().BaseURL.String())
		}
	})
}

func TestLazyInitialization(t *testing.T) {
	client, err := NewClient("test-token", nil)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	t.Run("Registry is cached", func(t *testing.T) {
		if client.Registry() != client.Registry() {
			t.Error("Expected the same registry instance on repeated calls")
		}
	})

	t.Run("CallFlow is cached", func(t *testing.T) {
		if client.CallFlow() != client.CallFlow() {
			t.Error("Expected the same call flow manager on repeated calls")
		}
	})

	t.Run("Origination is cached", func(t *testing.T) {
		if client.Origination() != client.Origination() {
			t.Error("Expected the same origination service on repeated calls")
		}
	})

	t.Run("Channels is cached", func(t *testing.T) {
		if client.Channels() != client.Channels() {
			t.Error("Expected the same channels listener on repeated calls")
		}
	})
}
