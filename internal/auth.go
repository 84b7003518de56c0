package internal

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/segmentio/ksuid"
)

const (
	SignatureHeader   = "Relay-Auth"
	AccessTokenCookie = "accessToken"

	ScopeEmit = "emit"
	ScopeDrop = "drop"
	ScopeStat = "stat"
)

var (
	ErrMissingToken = errors.New("un-authorized handshake: token is missing")
	ErrInvalidToken = errors.New("un-authorized handshake: token is invalid")
)

// Signed requests come from the application backend, never from browsers.
// The signature covers a ksuid nonce, a scope and the target id.
type (
	RequestSigner   = func(r *http.Request, scope, id string) error
	RequestVerifier = func(r *http.Request, scope string) string
)

func NewRequestSigner(privateKey ed25519.PrivateKey) RequestSigner {
	return func(r *http.Request, scope, id string) error {
		nonce, err := ksuid.NewRandom()
		if err != nil {
			return err
		}

		msg := base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf("%v_%v_%v", nonce.String(), scope, id)))
		sig := base64.RawURLEncoding.EncodeToString(ed25519.Sign(privateKey, []byte(msg)))

		r.Header.Set(SignatureHeader, fmt.Sprintf("%v.%v", msg, sig))

		return nil
	}
}

// NewRequestVerifier returns the signed id, or "" when the signature, scope or
// nonce window does not check out.
func NewRequestVerifier(publicKey ed25519.PublicKey) RequestVerifier {
	return func(r *http.Request, scope string) string {
		parts := strings.Split(r.Header.Get(SignatureHeader), ".")
		if len(parts) != 2 {
			return ""
		}

		sig, err := base64.RawURLEncoding.DecodeString(parts[1])
		if err != nil {
			return ""
		}

		if !ed25519.Verify(publicKey, []byte(parts[0]), sig) {
			return ""
		}

		msg, err := base64.RawURLEncoding.DecodeString(parts[0])
		if err != nil {
			return ""
		}

		// ids may contain underscores, nonces and scopes never do
		parts = strings.SplitN(string(msg), "_", 3)
		if len(parts) != 3 || parts[1] != scope || parts[2] == "" {
			return ""
		}

		nonce := ksuid.KSUID{}
		if err := nonce.UnmarshalText([]byte(parts[0])); err != nil {
			return ""
		}

		now := time.Now()
		notBefore := now.Add(-1 * time.Minute)
		notAfter := now.Add(1 * time.Minute)

		nt := nonce.Time()
		if nt.Before(notBefore) || nt.After(notAfter) {
			return ""
		}

		return parts[2]
	}
}

func ParsePublicKey(b []byte) (ed25519.PublicKey, error) {
	key := make([]byte, base64.RawURLEncoding.DecodedLen(len(b)))
	n, err := base64.RawURLEncoding.Decode(key, b)
	if err != nil {
		return nil, err
	}

	if n != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key is %v bytes, want %v", n, ed25519.PublicKeySize)
	}

	return ed25519.PublicKey(key[:n]), nil
}

// PublicKeyRoute serves the verifying half of privateKey in the form
// ParsePublicKey reads, for a backend exposing /.well-known/public.txt.
func PublicKeyRoute(privateKey ed25519.PrivateKey) http.HandlerFunc {
	pubKey := privateKey.Public().(ed25519.PublicKey)
	publicKey := make([]byte, base64.RawURLEncoding.EncodedLen(len(pubKey)))
	base64.RawURLEncoding.Encode(publicKey, pubKey)

	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(publicKey)
	}
}

// Authenticator resolves the user behind a handshake credential.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (string, error)
}

type accessClaims struct {
	UserID string `json:"_id"`
	jwt.RegisteredClaims
}

// TokenAuthenticator accepts HMAC-signed access tokens carrying the user id
// in "_id" (or "sub").
type TokenAuthenticator struct {
	secret []byte
	parser *jwt.Parser
}

func NewTokenAuthenticator(secret []byte) *TokenAuthenticator {
	return &TokenAuthenticator{
		secret: secret,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})),
	}
}

func (a *TokenAuthenticator) Authenticate(ctx context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingToken
	}

	claims := &accessClaims{}
	_, err := a.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	userID := strings.TrimSpace(claims.UserID)
	if userID == "" {
		userID = strings.TrimSpace(claims.Subject)
	}

	if userID == "" {
		return "", ErrInvalidToken
	}

	return userID, nil
}

// TokenFromRequest looks for the access token in the cookie, then the
// Authorization header, then the "token" query parameter.
func TokenFromRequest(r *http.Request) string {
	if cookie, err := r.Cookie(AccessTokenCookie); err == nil {
		if token := strings.TrimSpace(cookie.Value); token != "" {
			return token
		}
	}

	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		if token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")); token != "" {
			return token
		}
	}

	return strings.TrimSpace(r.URL.Query().Get("token"))
}
