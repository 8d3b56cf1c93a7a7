// Package failure holds the closed set of reasons a consultation session can
// fail for, their user-facing messages, and the classifier that maps raw
// errors onto them.
package failure

import "fmt"

// Reason is a machine-readable failure cause.
type Reason string

const (
	NetworkUnreachable       Reason = "network_unreachable"
	InvalidCredential        Reason = "invalid_credential"
	RoomNotFound             Reason = "room_not_found"
	RoomEnded                Reason = "room_ended"
	MediaPermissionDenied    Reason = "media_permission_denied"
	ConsentMissing           Reason = "consent_missing"
	RecordingConsentRequired Reason = "recording_consent_required"
	InvalidToken             Reason = "invalid_token"
	InvalidRoom              Reason = "invalid_room"
	ExpiredToken             Reason = "expired_token"
	Unknown                  Reason = "unknown"
)

type reasonInfo struct {
	message string
	retry   bool
}

var catalog = map[Reason]reasonInfo{
	NetworkUnreachable: {
		message: "We couldn't reach the video service. Check your internet connection and try again.",
		retry:   true,
	},
	InvalidCredential: {
		message: "Your video session could not be authorised. Please try joining again.",
		retry:   true,
	},
	RoomNotFound: {
		message: "This consultation room is not available yet. Please try again shortly.",
		retry:   true,
	},
	RoomEnded: {
		message: "This consultation has already ended.",
		retry:   false,
	},
	MediaPermissionDenied: {
		message: "Camera or microphone access was denied. Allow access and try again.",
		retry:   true,
	},
	ConsentMissing: {
		message: "Please complete the telehealth consent form before joining your consultation.",
		retry:   false,
	},
	RecordingConsentRequired: {
		message: "This consultation will be recorded. Please give recording consent before joining.",
		retry:   false,
	},
	InvalidToken: {
		message: "The video service returned an invalid session token. Please try again.",
		retry:   true,
	},
	InvalidRoom: {
		message: "The video service returned an invalid room. Please try again.",
		retry:   true,
	},
	ExpiredToken: {
		message: "Your video session token has expired. Please try again.",
		retry:   true,
	},
	Unknown: {
		message: "Something went wrong while connecting to your consultation. Please try again.",
		retry:   true,
	},
}

// Message is the fixed user-facing text for r.
func (r Reason) Message() string {
	if info, ok := catalog[r]; ok {
		return info.message
	}
	return catalog[Unknown].message
}

// Retryable reports whether the UI should offer a retry for r.
func (r Reason) Retryable() bool {
	if info, ok := catalog[r]; ok {
		return info.retry
	}
	return true
}

// Known reports whether r belongs to the closed reason set.
func (r Reason) Known() bool {
	_, ok := catalog[r]
	return ok
}

// Error is a classified failure. Detail carries raw provider text for logs
// and is never shown to the user.
type Error struct {
	Reason Reason
	Detail string
	Err    error
}

// New returns a classified error for r wrapping err (which may be nil).
func New(r Reason, err error) *Error {
	e := &Error{Reason: r, Err: err}
	if err != nil {
		e.Detail = err.Error()
	}
	return e
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return string(e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Message is the user-facing text.
func (e *Error) Message() string { return e.Reason.Message() }

// Retryable reports whether a retry should be offered.
func (e *Error) Retryable() bool { return e.Reason.Retryable() }

// ProviderError is an error reported by the media provider with a numeric code.
type ProviderError struct {
	Code    int
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error %d: %s", e.Code, e.Message)
}

// ProviderCode exposes the numeric code to the classifier.
func (e *ProviderError) ProviderCode() int { return e.Code }
