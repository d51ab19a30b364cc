package session

import (
	"context"
	"strings"
)

// AuthStatus is the device permission state for speech recognition.
type AuthStatus int

const (
	AuthNotDetermined AuthStatus = iota
	AuthDenied
	AuthRestricted
	AuthAuthorized
	AuthUnknown
)

const (
	NotAuthorizedMessage        = "Speech recognition not authorized"
	UnknownAuthorizationMessage = "Unknown authorization status"
)

func (s AuthStatus) String() string {
	switch s {
	case AuthNotDetermined:
		return "not_determined"
	case AuthDenied:
		return "denied"
	case AuthRestricted:
		return "restricted"
	case AuthAuthorized:
		return "authorized"
	default:
		return "unknown"
	}
}

// ParseAuthStatus maps a configuration value to a status. Unrecognized values
// map to AuthUnknown.
func ParseAuthStatus(value string) AuthStatus {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "authorized":
		return AuthAuthorized
	case "denied":
		return AuthDenied
	case "restricted":
		return AuthRestricted
	case "not_determined", "notdetermined", "":
		return AuthNotDetermined
	default:
		return AuthUnknown
	}
}

// fallbackText is what the transcript shows when recognition cannot be used.
func (s AuthStatus) fallbackText() (string, bool) {
	switch s {
	case AuthAuthorized:
		return "", false
	case AuthDenied, AuthRestricted, AuthNotDetermined:
		return NotAuthorizedMessage, true
	default:
		return UnknownAuthorizationMessage, true
	}
}

// Authorizer asks the permission system whether recognition may be used.
type Authorizer interface {
	Authorize(ctx context.Context) (AuthStatus, error)
}

// StaticAuthorizer reports a fixed status, typically taken from configuration.
type StaticAuthorizer struct {
	Status AuthStatus
}

func (a StaticAuthorizer) Authorize(context.Context) (AuthStatus, error) {
	return a.Status, nil
}
