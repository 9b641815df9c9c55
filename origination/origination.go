/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Voicebridge Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package origination places outbound calls. It composes the device registry
// and the media engine, invokes the remote call-placement API, and hands the
// resulting call identifier to the call-flow manager for tracking.
package origination

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/voicebridge/voicebridge-go/bridgesdk"
	"github.com/voicebridge/voicebridge-go/callflow"
	"github.com/voicebridge/voicebridge-go/media"
	"github.com/voicebridge/voicebridge-go/registry"
)

// OfferBuilder produces the local SDP offer for one browser call.
// media.Engine is the production implementation.
type OfferBuilder interface {
	CreateOffer(ctx context.Context) (string, error)
	ResolvePublicIP(ctx context.Context) string
	Close() error
}

// PlacedCall is the payload of a successful call placement.
type PlacedCall struct {
	// CallID is assigned by the call-control service at placement time.
	CallID string `json:"callId"`
	// Raw preserves any additional fields from the placement response.
	Raw map[string]interface{} `json:"data,omitempty"`
}

// Config holds the configuration for the origination service
type Config struct {
	// OrganizationID tags extension registrations for browser calls.
	OrganizationID string
	// ExtensionNumber is the extension registered lazily before the first
	// browser call. Empty skips extension registration.
	ExtensionNumber string
	// ImpersonateeUserKey, when set, lets the device act on behalf of
	// another account holder's extension.
	ImpersonateeUserKey string
	// MediaConfig configures the WebRTC media engine for browser calls.
	MediaConfig *media.Config
}

// DefaultConfig returns the default configuration for the origination service
func DefaultConfig() *Config {
	return &Config{
		MediaConfig: media.DefaultConfig(),
	}
}

// Service is the call-origination service: the only component that starts a
// call. All public operations return a discriminated Result and never panic.
type Service struct {
	core     *bridgesdk.Client
	config   *Config
	registry *registry.Client
	flow     *callflow.Manager

	mu           sync.Mutex
	authorizer   Authorizer
	activeEngine OfferBuilder

	// newEngine builds the OfferBuilder for a browser call; replaced in tests.
	newEngine func() (OfferBuilder, error)
}

// New creates a new origination service wired to the given registry and
// call-flow manager.
func New(core *bridgesdk.Client, config *Config, reg *registry.Client, flow *callflow.Manager) *Service {
	if config == nil {
		config = DefaultConfig()
	}

	s := &Service{
		core:     core,
		config:   config,
		registry: reg,
		flow:     flow,
	}
	s.newEngine = func() (OfferBuilder, error) {
		return media.NewEngine(config.MediaConfig)
	}
	return s
}

// SetAuthorizer installs the handler for the interactive re-authorization
// flow used by direct calls. Without one, authorization-required responses
// surface as failures.
func (s *Service) SetAuthorizer(a Authorizer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authorizer = a
}

// PlaceDirectCall delegates entirely to the direct-calling API: no local
// media negotiation. When the service answers with an authorization-required
// error, the registered Authorizer is invoked and the call is retried once
// after a successful authorization.
func (s *Service) PlaceDirectCall(ctx context.Context, phoneNumber, contactName string) bridgesdk.Result[PlacedCall] {
	placed, err := s.postDirectCall(ctx, phoneNumber, contactName)
	if err != nil {
		authURL := bridgesdk.AuthURLFromError(err)
		if authURL == "" {
			return bridgesdk.FailErr[PlacedCall]("placement_failed", err)
		}

		s.mu.Lock()
		authorizer := s.authorizer
		s.mu.Unlock()

		if authorizer == nil {
			return bridgesdk.Fail[PlacedCall]("auth_required",
				"authorization required but no authorizer is configured")
		}

		s.core.GetLogger().Printf("Direct call requires re-authorization: %s", authURL)
		token, authErr := authorizer.Authorize(ctx, authURL)
		if authErr != nil {
			return bridgesdk.FailErr[PlacedCall]("auth_failed", authErr)
		}
		if expired, expErr := authTokenExpired(token); expErr == nil && expired {
			return bridgesdk.Fail[PlacedCall]("auth_failed", "authorization token is already expired")
		}

		// One retry per user-approved re-authorization, never more.
		placed, err = s.postDirectCall(ctx, phoneNumber, contactName)
		if err != nil {
			return bridgesdk.FailErr[PlacedCall]("placement_failed", err)
		}
	}

	if r := s.flow.SetCall(placed.CallID, contactName, phoneNumber); !r.Success {
		return bridgesdk.Fail[PlacedCall](r.Err, r.Message)
	}

	return bridgesdk.OK(placed)
}

// PlaceBrowserCall places a full WebRTC call: it lazily registers the device
// and configured extension, builds a local SDP offer with a bounded ICE
// gather, rewrites placeholder network parameters with the caller's public
// address, submits the offer to the call-placement API, and registers the
// resulting call with the call-flow manager.
func (s *Service) PlaceBrowserCall(ctx context.Context, phoneNumber, contactName string) bridgesdk.Result[PlacedCall] {
	if r := s.ensureRegistered(); !r.Success {
		return bridgesdk.Fail[PlacedCall](r.Err, r.Message)
	}

	engine, err := s.newEngine()
	if err != nil {
		return bridgesdk.FailErr[PlacedCall]("media_error", err)
	}

	rawSDP, err := engine.CreateOffer(ctx)
	if err != nil {
		engine.Close()
		return bridgesdk.FailErr[PlacedCall]("media_error", err)
	}

	publicIP := engine.ResolvePublicIP(ctx)
	finalSDP, err := media.RewritePlaceholders(rawSDP, publicIP, s.mediaPort())
	if err != nil {
		engine.Close()
		return bridgesdk.FailErr[PlacedCall]("media_error", err)
	}

	payload := map[string]interface{}{
		"phoneNumber":     phoneNumber,
		"contactName":     contactName,
		"sdp":             finalSDP,
		"deviceId":        s.registry.DeviceID(),
		"inCallChannelId": registry.NewChannelID(),
	}

	resp, reqErr := s.core.RequestWithContext(ctx, http.MethodPost, "make-call", nil, payload)
	if reqErr != nil {
		engine.Close()
		return bridgesdk.FailErr[PlacedCall]("placement_failed", reqErr)
	}

	placed, parseErr := parsePlacement(resp)
	if parseErr != nil {
		engine.Close()
		return bridgesdk.FailErr[PlacedCall]("placement_failed", parseErr)
	}

	if r := s.flow.SetCall(placed.CallID, contactName, phoneNumber); !r.Success {
		engine.Close()
		return bridgesdk.Fail[PlacedCall](r.Err, r.Message)
	}

	s.mu.Lock()
	// Replace any engine left over from a previous call.
	if s.activeEngine != nil {
		s.activeEngine.Close()
	}
	s.activeEngine = engine
	s.mu.Unlock()

	s.core.GetLogger().Printf("Browser call placed: callId=%s", placed.CallID)
	return bridgesdk.OK(placed)
}

// EndCall ends the tracked call through the call-flow manager and tears down
// the media engine owned by this service. Browser calls should be ended via
// this method so the peer connection is released.
func (s *Service) EndCall() bridgesdk.Result[bool] {
	result := s.flow.EndCall()
	s.releaseMedia()
	return result
}

// Close releases any media resources still held by the service.
func (s *Service) Close() error {
	s.releaseMedia()
	return nil
}

func (s *Service) releaseMedia() {
	s.mu.Lock()
	engine := s.activeEngine
	s.activeEngine = nil
	s.mu.Unlock()

	if engine != nil {
		if err := engine.Close(); err != nil {
			s.core.GetLogger().Printf("Error closing media engine: %v", err)
		}
	}
}

func (s *Service) mediaPort() int {
	if s.config.MediaConfig != nil {
		return s.config.MediaConfig.MediaPort
	}
	return 0
}

// ensureRegistered lazily registers the device and the configured extension.
func (s *Service) ensureRegistered() bridgesdk.Result[bool] {
	status := s.registry.GetDeviceStatus()

	if !status.IsRegistered {
		if r := s.registry.RegisterDevice(); !r.Success {
			return bridgesdk.Fail[bool](r.Err, r.Message)
		}
		status = s.registry.GetDeviceStatus()
	}

	if s.config.ExtensionNumber != "" && !status.HasExtensions {
		r := s.registry.RegisterExtensions(
			s.config.OrganizationID,
			[]string{s.config.ExtensionNumber},
			s.config.ImpersonateeUserKey,
		)
		if !r.Success {
			return bridgesdk.Fail[bool](r.Err, r.Message)
		}
	}

	return bridgesdk.OK(true)
}

// postDirectCall submits one direct-call placement request.
func (s *Service) postDirectCall(ctx context.Context, phoneNumber, contactName string) (PlacedCall, error) {
	payload := map[string]string{
		"phoneNumber": phoneNumber,
		"contactName": contactName,
	}

	resp, err := s.core.RequestWithContext(ctx, http.MethodPost, "auto-call", nil, payload)
	if err != nil {
		return PlacedCall{}, err
	}

	return parsePlacement(resp)
}

// parsePlacement decodes a call-placement response into a PlacedCall.
func parsePlacement(resp *http.Response) (PlacedCall, error) {
	var raw map[string]interface{}
	if err := bridgesdk.ParseResponse(resp, &raw); err != nil {
		return PlacedCall{}, err
	}

	callID, _ := raw["callId"].(string)
	if callID == "" {
		return PlacedCall{}, fmt.Errorf("placement response is missing callId")
	}

	return PlacedCall{CallID: callID, Raw: raw}, nil
}
