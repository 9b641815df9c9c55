/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Voicebridge Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package voicebridge

import (
	"sync"

	"github.com/voicebridge/voicebridge-go/bridgesdk"
	"github.com/voicebridge/voicebridge-go/callflow"
	"github.com/voicebridge/voicebridge-go/channels"
	"github.com/voicebridge/voicebridge-go/origination"
	"github.com/voicebridge/voicebridge-go/registry"
)

// Client is the top-level client for the Voicebridge API
type Client struct {
	// Core client for the call-control API
	core *bridgesdk.Client

	registryClient    *registry.Client
	callFlowManager   *callflow.Manager
	originationClient *origination.Service
	channelsListener  *channels.Listener

	// Mutex for thread-safe lazy initialization
	mu sync.Mutex
}

// NewClient creates a new Voicebridge client with the given access token and
// optional configuration
func NewClient(accessToken string, config *bridgesdk.Config) (*Client, error) {
	core, err := bridgesdk.NewClient(accessToken, config)
	if err != nil {
		return nil, err
	}

	return &Client{core: core}, nil
}

// Registry returns the device registry client
func (c *Client) Registry() *registry.Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.registryClient == nil {
		c.registryClient = registry.New(c.core, nil)
	}
	return c.registryClient
}

// CallFlow returns the call flow manager
func (c *Client) CallFlow() *callflow.Manager {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.callFlowManager == nil {
		c.callFlowManager = callflow.New(c.core, nil)
	}
	return c.callFlowManager
}

// Origination returns the call origination service, wired to the registry
// and the call flow manager
func (c *Client) Origination() *origination.Service {
	reg := c.Registry()
	flow := c.CallFlow()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.originationClient == nil {
		c.originationClient = origination.New(c.core, nil, reg, flow)
	}
	return c.originationClient
}

// Channels returns the push notification listener. The device registry is
// wired in as the channel provider, so the device must be registered before
// calling Connect on the listener.
func (c *Client) Channels() *channels.Listener {
	reg := c.Registry()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channelsListener == nil {
		c.channelsListener = channels.New(c.core, nil)
		c.channelsListener.SetChannelProvider(reg)
	}
	return c.channelsListener
}

// Core returns the core API client
func (c *Client) Core() *bridgesdk.Client {
	return c.core
}
