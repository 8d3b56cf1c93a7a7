package failure

import (
	"context"
	"errors"
	"io"
	"net"
	"regexp"
	"syscall"
)

// Provider error codes used on the signalling channel.
const (
	CodeInvalidAccessToken       = 20101
	CodeInvalidTokenHeader       = 20102
	CodeInvalidTokenIssuer       = 20103
	CodeAccessTokenExpired       = 20104
	CodeAccessTokenNotYetValid   = 20105
	CodeInvalidTokenSubject      = 20107
	CodeSignalingConnectionError = 53000
	CodeSignalingDisconnected    = 53001
	CodeSignalingTimeout         = 53002
	CodeRoomNotFound             = 53106
	CodeRoomCompleted            = 53118
	CodeMediaConnectionFailed    = 53405
	CodeMediaPermissionDenied    = 53800
)

// rule maps an error to a reason. ok is false when the rule does not apply.
type rule struct {
	name  string
	match func(err error) (Reason, bool)
}

// rules are evaluated in order; the first match wins.
var rules = []rule{
	{name: "provider_code", match: matchProviderCode},
	{name: "network", match: matchNetwork},
	{name: "message", match: matchMessage},
}

// Classify maps err onto the closed reason set. Already classified errors
// are returned unchanged. Classify(nil) returns nil.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}
	for _, r := range rules {
		if reason, ok := r.match(err); ok {
			return New(reason, err)
		}
	}
	return New(Unknown, err)
}

// ReasonOf is shorthand for Classify(err).Reason; it returns "" for nil.
func ReasonOf(err error) Reason {
	if c := Classify(err); c != nil {
		return c.Reason
	}
	return ""
}

func matchNetwork(err error) (Reason, bool) {
	if errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return NetworkUnreachable, true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return NetworkUnreachable, true
	}
	return "", false
}

type codeRange struct {
	lo, hi int
	reason Reason
}

var codeTable = []codeRange{
	{CodeInvalidAccessToken, CodeInvalidTokenSubject, InvalidCredential},
	{20151, 20157, InvalidCredential},
	{CodeSignalingConnectionError, CodeSignalingTimeout, NetworkUnreachable},
	{CodeRoomNotFound, CodeRoomNotFound, RoomNotFound},
	{CodeRoomCompleted, CodeRoomCompleted, RoomEnded},
	{CodeMediaConnectionFailed, CodeMediaConnectionFailed, NetworkUnreachable},
	{CodeMediaPermissionDenied, CodeMediaPermissionDenied, MediaPermissionDenied},
}

func matchProviderCode(err error) (Reason, bool) {
	var coded interface{ ProviderCode() int }
	if !errors.As(err, &coded) {
		return "", false
	}
	code := coded.ProviderCode()
	for _, c := range codeTable {
		if code >= c.lo && code <= c.hi {
			return c.reason, true
		}
	}
	return "", false
}

type pattern struct {
	re     *regexp.Regexp
	reason Reason
}

var patterns = []pattern{
	{regexp.MustCompile(`(?i)recording consent`), RecordingConsentRequired},
	{regexp.MustCompile(`(?i)notallowederror|permission denied|not allowed to access|permission dismissed`), MediaPermissionDenied},
	{regexp.MustCompile(`(?i)room( \S+)? (not found|does not exist)|no such room`), RoomNotFound},
	{regexp.MustCompile(`(?i)room( \S+)? (has )?(ended|completed|closed)`), RoomEnded},
	{regexp.MustCompile(`(?i)invalid.*token|token.*(invalid|expired|revoked)|unauthori[sz]ed|invalid credential|jwt`), InvalidCredential},
	{regexp.MustCompile(`(?i)network|connection refused|connection reset|no route to host|unreachable|timed out|timeout|offline|no such host`), NetworkUnreachable},
}

func matchMessage(err error) (Reason, bool) {
	msg := err.Error()
	for _, p := range patterns {
		if p.re.MatchString(msg) {
			return p.reason, true
		}
	}
	return "", false
}
