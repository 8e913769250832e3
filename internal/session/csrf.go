// Package session keeps per-session state between requests: the one-shot
// flash message and the anti-forgery token.
package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// CSRF derives anti-forgery tokens from the session id. Tokens are
// stateless: any instance holding the same secret can verify them.
type CSRF struct {
	secret []byte
}

// NewCSRF creates a token source. The secret must not be empty.
func NewCSRF(secret string) (*CSRF, error) {
	if secret == "" {
		return nil, errors.New("session: empty CSRF secret")
	}
	return &CSRF{secret: []byte(secret)}, nil
}

// Token returns the token for sessionID, or "" without a session.
func (c *CSRF) Token(sessionID string) string {
	if sessionID == "" {
		return ""
	}
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte("csrf:" + sessionID))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether token belongs to sessionID.
func (c *CSRF) Verify(sessionID, token string) bool {
	if sessionID == "" || token == "" {
		return false
	}
	return hmac.Equal([]byte(c.Token(sessionID)), []byte(token))
}
