/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Voicebridge Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package media builds the local SDP offer for browser-style calls. It wraps
// a Pion peer connection: audio transceiver setup, offer creation, a bounded
// wait for ICE candidate gathering, and placeholder rewriting so the offer
// carries the caller's real public address.
package media

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

// Config holds configuration for the media engine
type Config struct {
	// ICEServers is the list of ICE servers (STUN/TURN) to use
	ICEServers []webrtc.ICEServer
	// GatherTimeout bounds the wait for ICE candidate gathering. On timeout
	// the offer is used as-is; partial candidate sets are often usable.
	GatherTimeout time.Duration
	// IPEchoURL is the endpoint used to resolve the caller's public IP.
	IPEchoURL string
	// FallbackPublicIP is used when the IP-echo lookup fails.
	FallbackPublicIP string
	// MediaPort, when non-zero, replaces the placeholder port 9 in the
	// generated offer. Zero leaves ports untouched.
	MediaPort int
	// HTTPClient is used for the IP-echo lookup. If nil, a client with a
	// 5 second timeout is created.
	HTTPClient *http.Client
}

// DefaultConfig returns a Config with sensible defaults. STUN is required
// because the client is typically behind NAT and the call-control service
// needs a public srflx candidate to reach us.
func DefaultConfig() *Config {
	return &Config{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
		GatherTimeout:    10 * time.Second,
		IPEchoURL:        "https://api.ipify.org",
		FallbackPublicIP: "203.0.113.10",
	}
}

// Engine manages the WebRTC peer connection used to produce one call's SDP
// offer. An Engine is single-use: build the offer, place the call, and Close
// when the call ends.
type Engine struct {
	mu             sync.Mutex
	config         *Config
	api            *webrtc.API
	peerConnection *webrtc.PeerConnection
	localTrack     *webrtc.TrackLocalStaticSample
	httpClient     *http.Client
	closed         bool
}

// NewEngine creates a media engine with an audio-only peer connection.
func NewEngine(config *Config) (*Engine, error) {
	if config == nil {
		config = DefaultConfig()
	}

	// Register Opus plus the G.711 codecs; gateways routinely negotiate
	// down to PCMU, so offering all three avoids renegotiation.
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		PayloadType:        111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("failed to register Opus: %w", err)
	}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000},
		PayloadType:        0,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("failed to register PCMU: %w", err)
	}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMA, ClockRate: 8000},
		PayloadType:        8,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("failed to register PCMA: %w", err)
	}

	// Default interceptors (RTCP reports, NACK, TWCC) are required when
	// using a custom MediaEngine, otherwise incoming SRTP is not processed.
	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("failed to register default interceptors: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: config.ICEServers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}

	return &Engine{
		config:         config,
		api:            api,
		peerConnection: pc,
		httpClient:     httpClient,
	}, nil
}

// CreateOffer adds a local audio track, creates an SDP offer, and waits up
// to GatherTimeout for ICE candidate gathering to complete.
// On timeout the offer is returned with whatever candidates were gathered.
func (e *Engine) CreateOffer(ctx context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return "", fmt.Errorf("media engine is closed")
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio",
		"voicebridge-call",
	)
	if err != nil {
		return "", fmt.Errorf("failed to create audio track: %w", err)
	}

	if _, err := e.peerConnection.AddTransceiverFromTrack(track,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv},
	); err != nil {
		return "", fmt.Errorf("failed to add audio transceiver: %w", err)
	}
	e.localTrack = track

	offer, err := e.peerConnection.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create offer: %w", err)
	}

	if err := e.peerConnection.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}

	// Bounded gather wait: proceed on timeout rather than failing, since a
	// partial candidate set is usually still routable.
	gatherComplete := webrtc.GatheringCompletePromise(e.peerConnection)
	timer := time.NewTimer(e.config.GatherTimeout)
	defer timer.Stop()
	select {
	case <-gatherComplete:
	case <-timer.C:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	localDesc := e.peerConnection.LocalDescription()
	if localDesc == nil {
		return "", fmt.Errorf("local description is nil after gathering")
	}

	return localDesc.SDP, nil
}

// SetRemoteAnswer applies the service's SDP answer to complete negotiation.
// A duplicate answer after the connection is stable is ignored.
func (e *Engine) SetRemoteAnswer(sdpAnswer string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return fmt.Errorf("media engine is closed")
	}
	if e.peerConnection.SignalingState() == webrtc.SignalingStateStable {
		return nil
	}

	return e.peerConnection.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdpAnswer,
	})
}

// ResolvePublicIP fetches the caller's public IP from the configured IP-echo
// service. On any failure it returns the configured fallback address.
func (e *Engine) ResolvePublicIP(ctx context.Context) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.config.IPEchoURL, nil)
	if err != nil {
		return e.config.FallbackPublicIP
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return e.config.FallbackPublicIP
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return e.config.FallbackPublicIP
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return e.config.FallbackPublicIP
	}

	ip := strings.TrimSpace(string(body))
	if net.ParseIP(ip) == nil {
		return e.config.FallbackPublicIP
	}
	return ip
}

// Close closes the peer connection and releases resources.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	if e.peerConnection != nil {
		if err := e.peerConnection.Close(); err != nil {
			return fmt.Errorf("failed to close peer connection: %w", err)
		}
	}
	return nil
}

// RewritePlaceholders substitutes the placeholder addresses and ports a
// locally generated offer carries with real network parameters: origin and
// connection addresses of 0.0.0.0 become publicIP, and when mediaPort is
// non-zero the placeholder media port 9 becomes mediaPort.
func RewritePlaceholders(rawSDP, publicIP string, mediaPort int) (string, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(rawSDP)); err != nil {
		return "", fmt.Errorf("failed to parse SDP: %w", err)
	}

	if publicIP != "" {
		if isPlaceholderAddress(desc.Origin.UnicastAddress) {
			desc.Origin.UnicastAddress = publicIP
		}
		if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil &&
			isPlaceholderAddress(desc.ConnectionInformation.Address.Address) {
			desc.ConnectionInformation.Address.Address = publicIP
		}
	}

	for _, m := range desc.MediaDescriptions {
		if publicIP != "" && m.ConnectionInformation != nil && m.ConnectionInformation.Address != nil &&
			isPlaceholderAddress(m.ConnectionInformation.Address.Address) {
			m.ConnectionInformation.Address.Address = publicIP
		}
		if mediaPort > 0 && m.MediaName.Port.Value == 9 {
			m.MediaName.Port.Value = mediaPort
		}
	}

	out, err := desc.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to serialize SDP: %w", err)
	}
	return string(out), nil
}

func isPlaceholderAddress(addr string) bool {
	return addr == "0.0.0.0" || addr == "::" || addr == ""
}
