/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Voicebridge Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package bridgesdk

// Result is the discriminated result returned by all public SDK operations.
// Callers check Success before using Data; failures carry a short error code
// in Err and a human-readable Message suitable for direct display. Public
// operations never panic and never propagate raw errors past the SDK
// boundary: a failed operation is an ordinary Result with Success=false.
type Result[T any] struct {
	// Success is true when the operation completed and Data is valid.
	Success bool `json:"success"`

	// Data is the operation payload. Zero value when Success is false.
	Data T `json:"data,omitempty"`

	// Err is a short machine-oriented error code ("not_registered",
	// "api_error", ...). Empty when Success is true.
	Err string `json:"error,omitempty"`

	// Message is a human-readable description of the failure, intended
	// for toast/alert display. Empty when Success is true.
	Message string `json:"message,omitempty"`
}

// OK builds a successful Result carrying data.
func OK[T any](data T) Result[T] {
	return Result[T]{Success: true, Data: data}
}

// Fail builds a failed Result with an error code and display message.
func Fail[T any](code, message string) Result[T] {
	return Result[T]{Success: false, Err: code, Message: message}
}

// FailErr builds a failed Result from an error value. API errors keep their
// server-provided message; other errors are passed through verbatim.
func FailErr[T any](code string, err error) Result[T] {
	if err == nil {
		return Fail[T](code, "unknown error")
	}
	return Fail[T](code, err.Error())
}
