package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Identity is the authenticated caller as asserted by the identity provider.
type Identity struct {
	UserID string
	Email  string
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// Verifier validates HS256 bearer tokens issued by the identity provider.
type Verifier struct {
	signingKey []byte
	issuer     string
	nowFunc    func() time.Time
}

func NewVerifier(secret, issuer string) (*Verifier, error) {
	if len(secret) < 16 {
		return nil, errors.New("jwt secret must be at least 16 characters")
	}
	return &Verifier{
		signingKey: []byte(secret),
		issuer:     issuer,
		nowFunc:    time.Now,
	}, nil
}

type claims struct {
	Issuer    string `json:"iss"`
	Subject   string `json:"sub"`
	IssuedAt  int64  `json:"iat"`
	NotBefore int64  `json:"nbf"`
	ExpiresAt int64  `json:"exp"`
	Email     string `json:"email"`
}

type tokenHeader struct {
	Algorithm string `json:"alg"`
	Type      string `json:"typ"`
}

// Parse validates signature, issuer, and the token's validity window, and
// returns the caller identity.
func (v *Verifier) Parse(tokenString string) (Identity, error) {
	if tokenString == "" {
		return Identity{}, ErrInvalidToken
	}
	parts := strings.Split(tokenString, ".")
	if len(parts) != 3 {
		return Identity{}, ErrInvalidToken
	}

	expectedSig := signSegments(v.signingKey, parts[0], parts[1])
	if !hmac.Equal([]byte(parts[2]), []byte(expectedSig)) {
		return Identity{}, ErrInvalidToken
	}

	var c claims
	if err := decodeSegment(parts[1], &c); err != nil {
		return Identity{}, ErrInvalidToken
	}

	now := v.nowFunc().Unix()
	if c.Issuer != v.issuer {
		return Identity{}, ErrInvalidToken
	}
	if c.NotBefore != 0 && now < c.NotBefore {
		return Identity{}, ErrInvalidToken
	}
	if now > c.ExpiresAt {
		return Identity{}, ErrTokenExpired
	}
	if c.Subject == "" {
		return Identity{}, ErrInvalidToken
	}

	return Identity{UserID: c.Subject, Email: c.Email}, nil
}

// Issue mints a token for the given identity. Used by dev tooling and tests;
// production tokens come from the hosted identity provider with the same
// shared secret.
func (v *Verifier) Issue(id Identity, ttl time.Duration) (string, error) {
	now := v.nowFunc()
	header := tokenHeader{Algorithm: "HS256", Type: "JWT"}
	c := claims{
		Issuer:    v.issuer,
		Subject:   id.UserID,
		IssuedAt:  now.Unix(),
		NotBefore: now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
		Email:     id.Email,
	}

	headerSegment, err := encodeSegment(header)
	if err != nil {
		return "", err
	}
	payloadSegment, err := encodeSegment(c)
	if err != nil {
		return "", err
	}

	signature := signSegments(v.signingKey, headerSegment, payloadSegment)
	return strings.Join([]string{headerSegment, payloadSegment, signature}, "."), nil
}

func encodeSegment(v interface{}) (string, error) {
	bytes, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

func decodeSegment(segment string, dst interface{}) error {
	data, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

func signSegments(secret []byte, header, payload string) string {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(header))
	h.Write([]byte("."))
	h.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}
