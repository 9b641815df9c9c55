/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Voicebridge Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package callflow tracks the lifecycle of a single active call: status
// polling against the call-control service, duration tracking, mute/hold
// flags, end-call signaling, and lifecycle callback dispatch.
package callflow

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/voicebridge/voicebridge-go/bridgesdk"
)

// Status represents the state of a call in the state machine.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRinging   Status = "ringing"
	StatusConnected Status = "connected"
	StatusEnded     Status = "ended"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether s is a terminal state. Once a call reaches a
// terminal state its status never changes again except via ClearCall.
func (s Status) IsTerminal() bool {
	return s == StatusEnded || s == StatusFailed
}

// Call is the locally tracked record of one outbound call attempt.
type Call struct {
	CallID      string    `json:"callId"`
	PhoneNumber string    `json:"phoneNumber"`
	ContactName string    `json:"contactName"`
	StartTime   time.Time `json:"startTime"`
	Status      Status    `json:"status"`
	// Duration is the elapsed call time in whole seconds, recomputed from
	// StartTime on every poll and transition.
	Duration int  `json:"duration"`
	IsMuted  bool `json:"isMuted"`
	IsOnHold bool `json:"isOnHold"`
}

// Config holds the polling configuration for the call-flow manager.
// All intervals are overridable so tests can run the poll loop against
// short real durations.
type Config struct {
	// RingingPollInterval is the poll interval while the call is ringing.
	RingingPollInterval time.Duration
	// ConnectedPollInterval is the poll interval while the call is connected.
	ConnectedPollInterval time.Duration
	// TerminalPollInterval is the poll interval once a terminal state is
	// reached. Polling stops on terminal transitions, so in practice this
	// interval never fires; it exists to bound the loop if it ever did.
	TerminalPollInterval time.Duration
	// DefaultPollInterval is the poll interval for unrecognized statuses.
	DefaultPollInterval time.Duration
	// MaxPollDuration is the wall-clock ceiling on total polling for one
	// call. Exceeding it forces a failed transition and halts polling.
	MaxPollDuration time.Duration
}

// DefaultConfig returns the default polling configuration.
func DefaultConfig() *Config {
	return &Config{
		RingingPollInterval:   3 * time.Second,
		ConnectedPollInterval: 10 * time.Second,
		TerminalPollInterval:  30 * time.Second,
		DefaultPollInterval:   5 * time.Second,
		MaxPollDuration:       30 * time.Minute,
	}
}

// Manager owns the lifecycle of a single active call. At most one call is
// tracked at a time; starting a second call while one is active fails.
//
// Lifecycle callbacks are single-slot: registering a callback for an event
// replaces any previous one. This matches a one-UI-surface-per-call design.
type Manager struct {
	core   *bridgesdk.Client
	config *Config

	mu   sync.RWMutex
	call *Call

	// Polling
	pollStop  chan struct{}
	polling   bool
	pollSince time.Time

	// Single-slot lifecycle callbacks
	onStatusChange func(newStatus, oldStatus Status)
	onCallStart    func(call *Call)
	onCallEnd      func(call *Call)
	onCallConnect  func(call *Call)
	onCallFail     func(call *Call)
}

// New creates a new call-flow manager.
func New(core *bridgesdk.Client, config *Config) *Manager {
	if config == nil {
		config = DefaultConfig()
	}

	return &Manager{
		core:   core,
		config: config,
	}
}

// ---- Callback registration (single-slot, last writer wins) ----

// OnStatusChange registers the callback fired on every status transition,
// replacing any previously registered one.
func (m *Manager) OnStatusChange(fn func(newStatus, oldStatus Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStatusChange = fn
}

// OnCallStart registers the callback fired when a call is registered via
// SetCall, replacing any previously registered one.
func (m *Manager) OnCallStart(fn func(call *Call)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCallStart = fn
}

// OnCallEnd registers the callback fired when the call ends, replacing any
// previously registered one.
func (m *Manager) OnCallEnd(fn func(call *Call)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCallEnd = fn
}

// OnCallConnect registers the callback fired when the call connects,
// replacing any previously registered one.
func (m *Manager) OnCallConnect(fn func(call *Call)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCallConnect = fn
}

// OnCallFail registers the callback fired when the call fails, replacing any
// previously registered one.
func (m *Manager) OnCallFail(fn func(call *Call)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCallFail = fn
}

// ---- Call lifecycle ----

// SetCall registers a newly placed call and starts the status-polling loop.
// The call starts in the ringing state with zero duration and cleared
// mute/hold flags. Registering a call while a non-terminal call is still
// tracked fails; callers must ClearCall first.
func (m *Manager) SetCall(callID, contactName, phoneNumber string) bridgesdk.Result[*Call] {
	if callID == "" {
		return bridgesdk.Fail[*Call]("invalid_argument", "call id is required")
	}

	m.mu.Lock()
	if m.call != nil && !m.call.Status.IsTerminal() {
		active := m.call.CallID
		m.mu.Unlock()
		return bridgesdk.Fail[*Call]("call_in_progress",
			fmt.Sprintf("call %s is already in progress", active))
	}

	call := &Call{
		CallID:      callID,
		PhoneNumber: phoneNumber,
		ContactName: contactName,
		StartTime:   time.Now(),
		Status:      StatusRinging,
		Duration:    0,
		IsMuted:     false,
		IsOnHold:    false,
	}
	m.call = call

	onStart := m.onCallStart
	onChange := m.onStatusChange
	snapshot := *call
	m.mu.Unlock()

	m.startPolling()

	if onStart != nil {
		onStart(&snapshot)
	}
	if onChange != nil {
		onChange(StatusRinging, StatusIdle)
	}

	m.core.GetLogger().Printf("Call started: callId=%s contact=%q", callID, contactName)
	return bridgesdk.OK(&snapshot)
}

// EndCall sends a best-effort end-call request and forces the local state to
// ended regardless of whether the request succeeds. A network failure is
// logged, never surfaced: the UI must not get stuck on a call the user
// explicitly terminated.
func (m *Manager) EndCall() bridgesdk.Result[bool] {
	m.mu.RLock()
	call := m.call
	m.mu.RUnlock()

	if call == nil {
		return bridgesdk.Fail[bool]("no_call", "no active call")
	}

	payload := map[string]string{"callId": call.CallID}
	resp, err := m.core.Request(http.MethodPost, "end-call", nil, payload)
	if err != nil {
		m.core.GetLogger().Printf("End-call request failed for callId=%s: %v", call.CallID, err)
	} else if err := bridgesdk.ParseResponse(resp, nil); err != nil {
		m.core.GetLogger().Printf("End-call rejected for callId=%s: %v", call.CallID, err)
	}

	m.applyStatus(StatusEnded, "")
	return bridgesdk.OK(true)
}

// ToggleMute sends the inverse of the current mute flag to the service and
// flips the local flag only if the request succeeds. The Success field
// distinguishes a failed request from a successful unmute; Data carries the
// resulting mute flag.
func (m *Manager) ToggleMute() bridgesdk.Result[bool] {
	m.mu.RLock()
	call := m.call
	var muted bool
	if call != nil {
		muted = call.IsMuted
	}
	m.mu.RUnlock()

	if call == nil {
		return bridgesdk.Fail[bool]("no_call", "no active call")
	}

	target := !muted
	payload := map[string]interface{}{"callId": call.CallID, "muted": target}
	resp, err := m.core.Request(http.MethodPost, "mute-call", nil, payload)
	if err != nil {
		return bridgesdk.FailErr[bool]("mute_failed", err)
	}
	if err := bridgesdk.ParseResponse(resp, nil); err != nil {
		return bridgesdk.FailErr[bool]("mute_failed", err)
	}

	m.mu.Lock()
	if m.call != nil {
		m.call.IsMuted = target
	}
	m.mu.Unlock()

	return bridgesdk.OK(target)
}

// ToggleHold sends the inverse of the current hold flag to the service and
// flips the local flag only if the request succeeds.
func (m *Manager) ToggleHold() bridgesdk.Result[bool] {
	m.mu.RLock()
	call := m.call
	var held bool
	if call != nil {
		held = call.IsOnHold
	}
	m.mu.RUnlock()

	if call == nil {
		return bridgesdk.Fail[bool]("no_call", "no active call")
	}

	target := !held
	payload := map[string]interface{}{"callId": call.CallID, "held": target}
	resp, err := m.core.Request(http.MethodPost, "hold-call", nil, payload)
	if err != nil {
		return bridgesdk.FailErr[bool]("hold_failed", err)
	}
	if err := bridgesdk.ParseResponse(resp, nil); err != nil {
		return bridgesdk.FailErr[bool]("hold_failed", err)
	}

	m.mu.Lock()
	if m.call != nil {
		m.call.IsOnHold = target
	}
	m.mu.Unlock()

	return bridgesdk.OK(target)
}

// ClearCall resets the manager to the idle state and stops polling. Safe to
// call repeatedly; used after the UI has fully handled a finished call.
func (m *Manager) ClearCall() {
	m.stopPolling()

	m.mu.Lock()
	m.call = nil
	m.mu.Unlock()
}

// ---- Local accessors ----

// GetCurrentCall returns a copy of the tracked call with its duration
// brought up to date, or nil if no call is tracked.
func (m *Manager) GetCurrentCall() *Call {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.call == nil {
		return nil
	}
	snapshot := *m.call
	if !snapshot.Status.IsTerminal() {
		snapshot.Duration = elapsedSeconds(snapshot.StartTime)
	}
	return &snapshot
}

// GetCallStatus returns the current call status, or StatusIdle when no call
// is tracked.
func (m *Manager) GetCallStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.call == nil {
		return StatusIdle
	}
	return m.call.Status
}

// GetFormattedDuration returns the current call duration as zero-padded
// MM:SS, or "00:00" when no call is tracked.
func (m *Manager) GetFormattedDuration() string {
	call := m.GetCurrentCall()
	if call == nil {
		return FormatDuration(0)
	}
	return FormatDuration(call.Duration)
}

// IsPolling reports whether the status-poll loop is currently running.
func (m *Manager) IsPolling() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.polling
}

// FormatDuration renders a duration in seconds as zero-padded MM:SS.
func FormatDuration(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}

func elapsedSeconds(start time.Time) int {
	return int(time.Since(start) / time.Second)
}

// ---- Status polling ----

// startPolling launches the serial poll loop. Each poll is scheduled only
// after the previous one resolves, so there is never more than one in-flight
// status request and results apply in receipt order.
func (m *Manager) startPolling() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.polling {
		return
	}

	m.polling = true
	m.pollSince = time.Now()
	m.pollStop = make(chan struct{})

	stop := m.pollStop
	go m.pollLoop(stop)
}

// stopPolling halts the poll loop. Safe to call when not polling.
func (m *Manager) stopPolling() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pollStop != nil {
		close(m.pollStop)
		m.pollStop = nil
	}
	m.polling = false
}

func (m *Manager) pollLoop(stop chan struct{}) {
	for {
		m.mu.RLock()
		status := StatusIdle
		callID := ""
		if m.call != nil {
			status = m.call.Status
			callID = m.call.CallID
		}
		since := m.pollSince
		m.mu.RUnlock()

		timer := time.NewTimer(m.pollInterval(status))
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		if time.Since(since) > m.config.MaxPollDuration {
			m.core.GetLogger().Printf("Polling ceiling reached, forcing call failure")
			m.applyStatusFor(callID, StatusFailed, "Polling timeout")
			return
		}

		m.pollOnce()

		m.mu.RLock()
		halted := !m.polling
		m.mu.RUnlock()
		if halted {
			return
		}
	}
}

// pollInterval maps a call status to its adaptive poll interval.
func (m *Manager) pollInterval(status Status) time.Duration {
	switch status {
	case StatusRinging:
		return m.config.RingingPollInterval
	case StatusConnected:
		return m.config.ConnectedPollInterval
	case StatusEnded, StatusFailed:
		return m.config.TerminalPollInterval
	default:
		return m.config.DefaultPollInterval
	}
}

// pollOnce issues a single status request and applies the result.
// Request failures are logged and polling continues.
func (m *Manager) pollOnce() {
	m.mu.RLock()
	call := m.call
	m.mu.RUnlock()

	if call == nil {
		return
	}

	resp, err := m.core.Request(http.MethodGet, "call-status/"+call.CallID, nil, nil)
	if err != nil {
		m.core.GetLogger().Printf("Status poll failed for callId=%s: %v", call.CallID, err)
		return
	}

	var parsed struct {
		Status string `json:"status"`
	}
	if err := bridgesdk.ParseResponse(resp, &parsed); err != nil {
		m.core.GetLogger().Printf("Status poll rejected for callId=%s: %v", call.CallID, err)
		return
	}

	switch next := Status(parsed.Status); next {
	case StatusRinging, StatusConnected, StatusEnded, StatusFailed:
		m.applyStatusFor(call.CallID, next, "")
	default:
		// Unrecognized statuses only influence the poll interval via the
		// default case in pollInterval; they never drive a transition.
		m.core.GetLogger().Printf("Unrecognized call status %q for callId=%s", parsed.Status, call.CallID)
	}
}

// applyStatus transitions whatever call is currently tracked.
func (m *Manager) applyStatus(next Status, failureReason string) {
	m.mu.RLock()
	callID := ""
	if m.call != nil {
		callID = m.call.CallID
	}
	m.mu.RUnlock()

	m.applyStatusFor(callID, next, failureReason)
}

// applyStatusFor transitions the state machine for the named call. A status
// observed for a call that is no longer tracked, such as a poll response
// that raced with ClearCall and a new SetCall, is discarded. Transitions out
// of a terminal state are refused; every real transition recomputes the
// duration, fires the matching lifecycle callback, and always fires
// onStatusChange.
func (m *Manager) applyStatusFor(callID string, next Status, failureReason string) {
	m.mu.Lock()
	if m.call == nil || m.call.CallID != callID {
		m.mu.Unlock()
		return
	}

	current := m.call.Status
	if current.IsTerminal() || current == next {
		m.mu.Unlock()
		return
	}

	m.call.Status = next
	m.call.Duration = elapsedSeconds(m.call.StartTime)

	snapshot := *m.call
	onChange := m.onStatusChange
	onConnect := m.onCallConnect
	onEnd := m.onCallEnd
	onFail := m.onCallFail
	m.mu.Unlock()

	switch next {
	case StatusRinging:
		m.core.GetLogger().Printf("Call ringing: callId=%s", snapshot.CallID)
	case StatusConnected:
		if onConnect != nil {
			onConnect(&snapshot)
		}
	case StatusEnded:
		m.stopPolling()
		if onEnd != nil {
			onEnd(&snapshot)
		}
	case StatusFailed:
		m.stopPolling()
		if failureReason != "" {
			m.core.GetLogger().Printf("Call failed: callId=%s reason=%s", snapshot.CallID, failureReason)
		}
		if onFail != nil {
			onFail(&snapshot)
		}
	}

	if onChange != nil {
		onChange(next, current)
	}
}
