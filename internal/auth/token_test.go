// ABOUTME: Tests for JWT verification and session credential extraction
// ABOUTME: Covers valid, expired, malformed, and wrong-key tokens

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTVerifier_RoundTrip(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))

	token, err := v.Generate("u1", time.Hour)
	require.NoError(t, err)

	userID, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", userID)
}

func TestJWTVerifier_ExpiredToken(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))

	token, err := v.Generate("u1", -time.Minute)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestJWTVerifier_WrongSecret(t *testing.T) {
	signer := NewJWTVerifier([]byte("one-secret"))
	verifier := NewJWTVerifier([]byte("another-secret"))

	token, err := signer.Generate("u1", time.Hour)
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTVerifier_GarbageToken(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))

	_, err := v.Verify("not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTVerifier_MissingSubClaim(t *testing.T) {
	secret := []byte("test-secret")
	claims := jwt.MapClaims{
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)

	v := NewJWTVerifier(secret)
	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrMissingClaim)
}

func TestJWTVerifier_RejectsUnexpectedSigningMethod(t *testing.T) {
	// alg=none token with a valid-looking payload
	token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "u1"})
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	v := NewJWTVerifier([]byte("test-secret"))
	_, err = v.Verify(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestExtractCredential(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(r *http.Request)
		want    string
		wantErr error
	}{
		{
			name: "session cookie",
			setup: func(r *http.Request) {
				r.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "cookie-cred"})
			},
			want: "cookie-cred",
		},
		{
			name: "token query param",
			setup: func(r *http.Request) {
				q := r.URL.Query()
				q.Set("token", "query-cred")
				r.URL.RawQuery = q.Encode()
			},
			want: "query-cred",
		},
		{
			name: "cookie wins over token",
			setup: func(r *http.Request) {
				r.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "cookie-cred"})
				q := r.URL.Query()
				q.Set("token", "query-cred")
				r.URL.RawQuery = q.Encode()
			},
			want: "cookie-cred",
		},
		{
			name:    "neither present",
			setup:   func(r *http.Request) {},
			wantErr: ErrMissingCredentials,
		},
		{
			name: "empty cookie ignored",
			setup: func(r *http.Request) {
				r.AddCookie(&http.Cookie{Name: SessionCookieName, Value: ""})
			},
			wantErr: ErrMissingCredentials,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/chat/u1", nil)
			tt.setup(r)

			cred, err := ExtractCredential(r)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, cred)
		})
	}
}
