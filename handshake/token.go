package handshake

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strconv"
)

var ErrInvalidToken = errors.New("invalid handshake token")

// TokenIssuer signs and verifies hello tokens with a secret shared by the
// whole cluster. A node without the secret cannot open sessions.
type TokenIssuer struct {
	secret []byte
}

// NewTokenIssuer creates an issuer with the given cluster secret.
// The secret should be at least 32 bytes of random data.
func NewTokenIssuer(secret []byte) *TokenIssuer {
	return &TokenIssuer{secret: secret}
}

// NewRandomTokenIssuer generates a fresh random secret. Only useful when
// every node lives in one process, as in tests.
func NewRandomTokenIssuer() (*TokenIssuer, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	return &TokenIssuer{secret: secret}, nil
}

// Issue returns hex(HMAC-SHA256(secret, node, incarnation, connIdx)).
func (t *TokenIssuer) Issue(node, incarnation string, connIdx int) string {
	mac := hmac.New(sha256.New, t.secret)
	mac.Write([]byte(node))
	mac.Write([]byte{0})
	mac.Write([]byte(incarnation))
	mac.Write([]byte{0})
	mac.Write([]byte(strconv.Itoa(connIdx)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks token in constant time.
func (t *TokenIssuer) Verify(node, incarnation string, connIdx int, token string) error {
	expected := t.Issue(node, incarnation, connIdx)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(token)) != 1 {
		return ErrInvalidToken
	}
	return nil
}
