package domain

import (
	"net/http"
	"time"
)

// HTTPAccess is one audit row per inbound HTTP request.
type HTTPAccess struct {
	Timestamp time.Time `json:"timestamp"`
	PeerIP    string    `json:"peer_ip"`
	Hostname  string    `json:"hostname"`
	Operation string    `json:"operation"`
}

// AuthReason is the reason code attached to an authorization failure.
type AuthReason string

const (
	AuthMissingToken   AuthReason = "missing_token"
	AuthInvalidToken   AuthReason = "invalid_token"
	AuthUnknownUser    AuthReason = "unknown_user"
	AuthExpired        AuthReason = "token_expired"
	AuthInvalidIssuer  AuthReason = "invalid_issuer"
	AuthLicenseDenied  AuthReason = "license_not_permitted"
	AuthRoleNotAllowed AuthReason = "role_not_allowed"
)

// Status maps the reason to 401 (who are you?) or 403 (not allowed).
func (r AuthReason) Status() int {
	switch r {
	case AuthMissingToken, AuthInvalidToken, AuthUnknownUser:
		return http.StatusUnauthorized
	default:
		return http.StatusForbidden
	}
}

// AuthError is returned by the authorization policy.
type AuthError struct {
	Reason AuthReason
	Detail string
}

func (e *AuthError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	return string(e.Reason)
}
