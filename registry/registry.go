/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Voicebridge Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package registry manages the registration lifecycle of the local device
// and its extensions against the call-control service. A device represents
// this client session; extensions are the routable endpoints bound to it.
package registry

import (
	"crypto/rand"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/voicebridge/voicebridge-go/bridgesdk"
)

// channelIDAlphabet is the alphabet for callback-channel correlation tokens.
const channelIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

// channelIDLength is the length of a callback-channel identifier.
const channelIDLength = 64

// ClientInformation describes the client software registering the device.
type ClientInformation struct {
	DeviceID   string `json:"deviceId"`
	AppVersion string `json:"appVersion"`
	Platform   string `json:"platform"`
	AppID      string `json:"appId"`
}

// CallbackReference carries the opaque channel identifiers the service uses
// to route notifications back to this device.
type CallbackReference struct {
	IncomingCallChannelID      string `json:"incomingCallChannelId"`
	SessionManagementChannelID string `json:"sessionManagementChannelId"`
}

// Device is the device record as known to the call-control service.
// Timestamps are owned by the service and mirrored locally after fetch.
type Device struct {
	DeviceID          string             `json:"deviceId"`
	ClientInformation *ClientInformation `json:"clientInformation,omitempty"`
	CallbackReference *CallbackReference `json:"callbackReference,omitempty"`
	Status            string             `json:"status,omitempty"`
	CreatedAt         time.Time          `json:"createdAt,omitempty"`
	LastActiveAt      time.Time          `json:"lastActiveAt,omitempty"`
}

// Extension is a routable call endpoint bound to a device.
type Extension struct {
	Number              string `json:"number"`
	OrganizationID      string `json:"organizationId"`
	ImpersonateeUserKey string `json:"impersonateeUserKey,omitempty"`
	Status              string `json:"status,omitempty"`
	DeviceID            string `json:"deviceId,omitempty"`
}

// DeviceStatus is the purely local view of the registration state.
type DeviceStatus struct {
	IsRegistered   bool      `json:"isRegistered"`
	DeviceID       string    `json:"deviceId"`
	HasExtensions  bool      `json:"hasExtensions"`
	ExtensionCount int       `json:"extensionCount"`
	LastActive     time.Time `json:"lastActive"`
}

// Config holds the configuration for the registry client
type Config struct {
	// Platform identifies the client platform (e.g. "web", "desktop")
	Platform string
	// AppVersion is the client application version reported on registration
	AppVersion string
	// AppID identifies the client application
	AppID string
}

// DefaultConfig returns the default configuration for the registry client
func DefaultConfig() *Config {
	return &Config{
		Platform:   "web",
		AppVersion: "1.0.0",
		AppID:      "voicebridge-go",
	}
}

// Client is the device-registry client. One device is registered per client
// instance; extensions cannot outlive it. All public operations return a
// discriminated Result rather than an error; callers must check Success.
type Client struct {
	core   *bridgesdk.Client
	config *Config

	mu                         sync.Mutex
	deviceID                   string
	device                     *Device
	extensions                 []Extension
	incomingCallChannelID      string
	sessionManagementChannelID string
}

// New creates a new registry client
func New(core *bridgesdk.Client, config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}

	return &Client{
		core:   core,
		config: config,
	}
}

// NewChannelID generates an opaque callback correlation token: 64 characters
// drawn from the alphanumeric-plus-hyphen-underscore alphabet. Used for the
// device callback channels and for per-call channel ids.
func NewChannelID() string {
	buf := make([]byte, channelIDLength)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms; fall back to a
		// UUID-derived token rather than returning a zero channel ID.
		return uuid.New().String() + uuid.New().String()
	}
	for i, b := range buf {
		buf[i] = channelIDAlphabet[int(b)%len(channelIDAlphabet)]
	}
	return string(buf)
}

// RegisterDevice generates a fresh device identifier and two callback-channel
// identifiers, then submits a registration request with client metadata.
// On success the returned device record is stored and a failure result is
// never raised to the caller; check Success.
func (c *Client) RegisterDevice() bridgesdk.Result[*Device] {
	deviceID := uuid.New().String()
	incomingID := NewChannelID()
	sessionID := NewChannelID()

	payload := map[string]interface{}{
		"clientInformation": &ClientInformation{
			DeviceID:   deviceID,
			AppVersion: c.config.AppVersion,
			Platform:   c.config.Platform,
			AppID:      c.config.AppID,
		},
		"callbackReference": &CallbackReference{
			IncomingCallChannelID:      incomingID,
			SessionManagementChannelID: sessionID,
		},
	}

	resp, err := c.core.Request(http.MethodPost, "devices", nil, payload)
	if err != nil {
		return bridgesdk.FailErr[*Device]("registration_failed", err)
	}

	var device Device
	if err := bridgesdk.ParseResponse(resp, &device); err != nil {
		return bridgesdk.FailErr[*Device]("registration_failed", err)
	}
	if device.DeviceID == "" {
		device.DeviceID = deviceID
	}

	c.mu.Lock()
	c.deviceID = device.DeviceID
	c.device = &device
	c.extensions = nil
	c.incomingCallChannelID = incomingID
	c.sessionManagementChannelID = sessionID
	c.mu.Unlock()

	c.core.GetLogger().Printf("Device registered: deviceId=%s", device.DeviceID)
	return bridgesdk.OK(&device)
}

// RegisterExtensions registers a batch of extension numbers against the
// current device, all tagged with the same organization and optional
// impersonation key. Fails fast without a network request if no device
// is registered.
func (c *Client) RegisterExtensions(organizationID string, extensionNumbers []string, impersonateeUserKey string) bridgesdk.Result[[]Extension] {
	c.mu.Lock()
	deviceID := c.deviceID
	c.mu.Unlock()

	if deviceID == "" {
		return bridgesdk.Fail[[]Extension]("not_registered", "device must be registered before extensions")
	}
	if len(extensionNumbers) == 0 {
		return bridgesdk.Fail[[]Extension]("invalid_argument", "at least one extension number is required")
	}

	exts := make([]map[string]string, 0, len(extensionNumbers))
	for _, number := range extensionNumbers {
		ext := map[string]string{"number": number}
		if impersonateeUserKey != "" {
			ext["impersonateeUserKey"] = impersonateeUserKey
		}
		exts = append(exts, ext)
	}

	payload := map[string]interface{}{
		"organizationId": organizationID,
		"extensions":     exts,
	}

	path := fmt.Sprintf("devices/%s/extensions", deviceID)
	resp, err := c.core.Request(http.MethodPost, path, nil, payload)
	if err != nil {
		return bridgesdk.FailErr[[]Extension]("extension_registration_failed", err)
	}

	var parsed struct {
		Extensions []Extension `json:"extensions"`
	}
	if err := bridgesdk.ParseResponse(resp, &parsed); err != nil {
		return bridgesdk.FailErr[[]Extension]("extension_registration_failed", err)
	}

	c.mu.Lock()
	c.extensions = parsed.Extensions
	c.mu.Unlock()

	c.core.GetLogger().Printf("Registered %d extensions for deviceId=%s", len(parsed.Extensions), deviceID)
	return bridgesdk.OK(parsed.Extensions)
}

// GetDeviceDetails reads the device record back from the service and
// refreshes the locally mirrored copy.
func (c *Client) GetDeviceDetails() bridgesdk.Result[*Device] {
	c.mu.Lock()
	deviceID := c.deviceID
	c.mu.Unlock()

	if deviceID == "" {
		return bridgesdk.Fail[*Device]("not_registered", "no device registered")
	}

	resp, err := c.core.Request(http.MethodGet, "devices/"+deviceID, nil, nil)
	if err != nil {
		return bridgesdk.FailErr[*Device]("device_fetch_failed", err)
	}

	var device Device
	if err := bridgesdk.ParseResponse(resp, &device); err != nil {
		return bridgesdk.FailErr[*Device]("device_fetch_failed", err)
	}

	c.mu.Lock()
	c.device = &device
	c.mu.Unlock()

	return bridgesdk.OK(&device)
}

// GetExtensions queries the extensions bound to the device, optionally
// filtered by organization and/or extension number. Pass "" to skip a filter.
func (c *Client) GetExtensions(organizationID, extensionNumber string) bridgesdk.Result[[]Extension] {
	c.mu.Lock()
	deviceID := c.deviceID
	c.mu.Unlock()

	if deviceID == "" {
		return bridgesdk.Fail[[]Extension]("not_registered", "no device registered")
	}

	params := url.Values{}
	if organizationID != "" {
		params.Set("organizationId", organizationID)
	}
	if extensionNumber != "" {
		params.Set("extensionNumber", extensionNumber)
	}

	path := fmt.Sprintf("devices/%s/extensions", deviceID)
	resp, err := c.core.Request(http.MethodGet, path, params, nil)
	if err != nil {
		return bridgesdk.FailErr[[]Extension]("extension_fetch_failed", err)
	}

	var parsed struct {
		Extensions []Extension `json:"extensions"`
	}
	if err := bridgesdk.ParseResponse(resp, &parsed); err != nil {
		return bridgesdk.FailErr[[]Extension]("extension_fetch_failed", err)
	}

	c.mu.Lock()
	c.extensions = parsed.Extensions
	c.mu.Unlock()

	return bridgesdk.OK(parsed.Extensions)
}

// UpdateDevice submits a partial update of client metadata and/or callback
// reference. At least one of the two arguments must be non-nil.
func (c *Client) UpdateDevice(clientInformation *ClientInformation, callbackReference *CallbackReference) bridgesdk.Result[*Device] {
	c.mu.Lock()
	deviceID := c.deviceID
	c.mu.Unlock()

	if deviceID == "" {
		return bridgesdk.Fail[*Device]("not_registered", "no device registered")
	}
	if clientInformation == nil && callbackReference == nil {
		return bridgesdk.Fail[*Device]("invalid_argument", "nothing to update")
	}

	payload := map[string]interface{}{}
	if clientInformation != nil {
		payload["clientInformation"] = clientInformation
	}
	if callbackReference != nil {
		payload["callbackReference"] = callbackReference
	}

	resp, err := c.core.Request(http.MethodPatch, "devices/"+deviceID, nil, payload)
	if err != nil {
		return bridgesdk.FailErr[*Device]("device_update_failed", err)
	}

	var device Device
	if err := bridgesdk.ParseResponse(resp, &device); err != nil {
		return bridgesdk.FailErr[*Device]("device_update_failed", err)
	}

	c.mu.Lock()
	c.device = &device
	if callbackReference != nil {
		c.incomingCallChannelID = callbackReference.IncomingCallChannelID
		c.sessionManagementChannelID = callbackReference.SessionManagementChannelID
	}
	c.mu.Unlock()

	return bridgesdk.OK(&device)
}

// DeleteDevice deletes the device; the service cascades deletion of its
// extensions. On success all local state is cleared so a subsequent
// RegisterDevice starts clean.
func (c *Client) DeleteDevice() bridgesdk.Result[bool] {
	c.mu.Lock()
	deviceID := c.deviceID
	c.mu.Unlock()

	if deviceID == "" {
		return bridgesdk.Fail[bool]("not_registered", "no device registered")
	}

	resp, err := c.core.Request(http.MethodDelete, "devices/"+deviceID, nil, nil)
	if err != nil {
		return bridgesdk.FailErr[bool]("device_delete_failed", err)
	}
	if err := bridgesdk.ParseResponse(resp, nil); err != nil {
		return bridgesdk.FailErr[bool]("device_delete_failed", err)
	}

	c.mu.Lock()
	c.deviceID = ""
	c.device = nil
	c.extensions = nil
	c.incomingCallChannelID = ""
	c.sessionManagementChannelID = ""
	c.mu.Unlock()

	c.core.GetLogger().Printf("Device deleted: deviceId=%s", deviceID)
	return bridgesdk.OK(true)
}

// GetDeviceStatus reports the local registration state without a network
// call. IsRegistered is true iff both a device id and a stored device
// record are present.
func (c *Client) GetDeviceStatus() DeviceStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := DeviceStatus{
		IsRegistered:   c.deviceID != "" && c.device != nil,
		DeviceID:       c.deviceID,
		HasExtensions:  len(c.extensions) > 0,
		ExtensionCount: len(c.extensions),
	}
	if c.device != nil {
		status.LastActive = c.device.LastActiveAt
	}
	return status
}

// DeviceID returns the current device identifier, or "" if unregistered.
func (c *Client) DeviceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID
}

// IncomingCallChannelID returns the callback channel id for inbound-call
// notifications, or "" if unregistered.
func (c *Client) IncomingCallChannelID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.incomingCallChannelID
}

// SessionManagementChannelID returns the callback channel id for
// session-management notifications, or "" if unregistered.
func (c *Client) SessionManagementChannelID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionManagementChannelID
}
