// ABOUTME: Session credential extraction for the chat websocket endpoint
// ABOUTME: Accepts either a session cookie or a token query parameter

package auth

import (
	"errors"
	"net/http"
)

// ErrMissingCredentials is returned when a request carries neither a session
// cookie nor a token query parameter. The session handler maps this to a
// policy-violation close.
var ErrMissingCredentials = errors.New("missing session credentials")

// SessionCookieName is the cookie consulted before the token query parameter.
const SessionCookieName = "session"

// ExtractCredential returns the session credential from the request:
// the "session" cookie when present, otherwise the "token" query parameter.
func ExtractCredential(r *http.Request) (string, error) {
	if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
		return cookie.Value, nil
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	return "", ErrMissingCredentials
}
