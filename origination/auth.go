/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Voicebridge Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package origination

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
)

// Authorizer handles the interactive re-authorization flow for direct calls.
// Authorize directs the user to authURL and blocks until the flow completes,
// returning the authorization token the flow produced (may be empty when the
// provider does not hand the token back to the client).
type Authorizer interface {
	Authorize(ctx context.Context, authURL string) (string, error)
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(ctx context.Context, authURL string) (string, error)

// Authorize implements Authorizer.
func (f AuthorizerFunc) Authorize(ctx context.Context, authURL string) (string, error) {
	return f(ctx, authURL)
}

// ManualAuthorizer is an Authorizer completed out-of-band by the embedding
// application: Authorize blocks until CompleteAuth or FailAuth is called,
// mirroring the success/error events an interactive authorization popup
// posts back to its opener.
type ManualAuthorizer struct {
	mu      sync.Mutex
	pending chan authOutcome

	// OnAuthURL, when set, is invoked with the authorization URL so the
	// application can present it to the user (open a browser, show a QR).
	OnAuthURL func(authURL string)
}

type authOutcome struct {
	token string
	err   error
}

// NewManualAuthorizer creates a ManualAuthorizer.
func NewManualAuthorizer() *ManualAuthorizer {
	return &ManualAuthorizer{}
}

// Authorize blocks until the application reports the outcome of the
// interactive flow, or ctx is cancelled.
func (a *ManualAuthorizer) Authorize(ctx context.Context, authURL string) (string, error) {
	a.mu.Lock()
	if a.pending != nil {
		a.mu.Unlock()
		return "", fmt.Errorf("an authorization flow is already in progress")
	}
	ch := make(chan authOutcome, 1)
	a.pending = ch
	onAuthURL := a.OnAuthURL
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.pending = nil
		a.mu.Unlock()
	}()

	if onAuthURL != nil {
		onAuthURL(authURL)
	}

	select {
	case outcome := <-ch:
		return outcome.token, outcome.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// CompleteAuth reports a successful authorization, optionally carrying the
// token the flow produced. No-op if no authorization is pending.
func (a *ManualAuthorizer) CompleteAuth(token string) {
	a.mu.Lock()
	ch := a.pending
	a.mu.Unlock()

	if ch != nil {
		select {
		case ch <- authOutcome{token: token}:
		default:
		}
	}
}

// FailAuth reports a failed authorization. No-op if none is pending.
func (a *ManualAuthorizer) FailAuth(err error) {
	if err == nil {
		err = fmt.Errorf("authorization failed")
	}

	a.mu.Lock()
	ch := a.pending
	a.mu.Unlock()

	if ch != nil {
		select {
		case ch <- authOutcome{err: err}:
		default:
		}
	}
}

// authTokenAlgorithms are the signature algorithms accepted when inspecting
// a step-up authorization token.
var authTokenAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.ES256, jose.HS256,
}

// authTokenExpired inspects a signed authorization token and reports whether
// its exp claim is already in the past. Tokens that are empty, unparseable,
// or carry no expiry are treated as opaque and reported as an error so the
// caller skips the check rather than rejecting the retry.
func authTokenExpired(token string) (bool, error) {
	if token == "" {
		return false, fmt.Errorf("no token to inspect")
	}

	jws, err := jose.ParseSigned(token, authTokenAlgorithms)
	if err != nil {
		return false, fmt.Errorf("token is not a JWS: %w", err)
	}

	// The token is issued for the call-control service, not for us; we only
	// peek at the expiry and never treat the signature as verified.
	var claims struct {
		Exp int64 `json:"exp"`
	}
	if err := json.Unmarshal(jws.UnsafePayloadWithoutVerification(), &claims); err != nil {
		return false, fmt.Errorf("token payload is not JSON: %w", err)
	}
	if claims.Exp == 0 {
		return false, fmt.Errorf("token has no expiry")
	}

	return time.Unix(claims.Exp, 0).Before(time.Now()), nil
}
