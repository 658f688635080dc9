package identity

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/harborlink/harborlink/internal/platform/errors"
)

// tokenEnv holds raw env values before post-parse validation.
type tokenEnv struct {
	Issuer    string `env:"HARBORLINK_SESSION_TOKEN_ISSUER"`
	Audience  string `env:"HARBORLINK_SESSION_TOKEN_AUDIENCE"`
	PublicKey string `env:"HARBORLINK_SESSION_TOKEN_PUBLIC_KEY"`
}

// TokenConfig defines how session tokens are verified.
type TokenConfig struct {
	Issuer   string
	Audience string
	Key      ed25519.PublicKey
	Now      func() time.Time
}

// tokenClaims is the internal claims type used for JWT parsing.
type tokenClaims struct {
	jwt.RegisteredClaims
	CallSign string `json:"call_sign"`
	Rank     string `json:"rank"`
}

// LoadTokenConfigFromEnv reads session token verification configuration.
func LoadTokenConfigFromEnv(now func() time.Time) (TokenConfig, error) {
	var raw tokenEnv
	if err := env.Parse(&raw); err != nil {
		return TokenConfig{}, fmt.Errorf("parse session token env: %w", err)
	}
	issuer := strings.TrimSpace(raw.Issuer)
	audience := strings.TrimSpace(raw.Audience)
	publicKey := strings.TrimSpace(raw.PublicKey)
	if issuer == "" {
		return TokenConfig{}, fmt.Errorf("HARBORLINK_SESSION_TOKEN_ISSUER is required")
	}
	if audience == "" {
		return TokenConfig{}, fmt.Errorf("HARBORLINK_SESSION_TOKEN_AUDIENCE is required")
	}
	if publicKey == "" {
		return TokenConfig{}, fmt.Errorf("HARBORLINK_SESSION_TOKEN_PUBLIC_KEY is required")
	}
	keyBytes, err := decodeBase64(publicKey)
	if err != nil {
		return TokenConfig{}, fmt.Errorf("decode session token public key: %w", err)
	}
	if len(keyBytes) != ed25519.PublicKeySize {
		return TokenConfig{}, fmt.Errorf("session token public key must be %d bytes", ed25519.PublicKeySize)
	}
	if now == nil {
		now = time.Now
	}
	return TokenConfig{
		Issuer:   issuer,
		Audience: audience,
		Key:      ed25519.PublicKey(keyBytes),
		Now:      now,
	}, nil
}

// TokenResolver verifies ed25519-signed session tokens locally.
type TokenResolver struct {
	cfg TokenConfig
}

// NewTokenResolver builds a resolver over the given verification config.
func NewTokenResolver(cfg TokenConfig) *TokenResolver {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &TokenResolver{cfg: cfg}
}

// Resolve verifies the token signature and standard claims, then extracts
// the mariner identity from the subject and custom claims.
func (r *TokenResolver) Resolve(ctx context.Context, credential string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return Identity{}, apperrors.New(apperrors.CodeAuthInvalidCredential, "session token is required")
	}
	if r.cfg.Issuer == "" || r.cfg.Audience == "" || len(r.cfg.Key) != ed25519.PublicKeySize {
		return Identity{}, errors.New("session token verifier is not configured")
	}

	var parsed tokenClaims
	_, err := jwt.ParseWithClaims(credential, &parsed, func(token *jwt.Token) (any, error) {
		return r.cfg.Key, nil
	},
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return Identity{}, mapJWTError(err)
	}

	if parsed.Issuer == "" || parsed.Issuer != r.cfg.Issuer {
		return Identity{}, apperrors.WithMetadata(
			apperrors.CodeAuthInvalidCredential,
			"session token issuer mismatch",
			map[string]string{"Field": "issuer"},
		)
	}
	if !audienceContains(parsed.Audience, r.cfg.Audience) {
		return Identity{}, apperrors.WithMetadata(
			apperrors.CodeAuthInvalidCredential,
			"session token audience mismatch",
			map[string]string{"Field": "audience"},
		)
	}
	if parsed.ExpiresAt == nil {
		return Identity{}, apperrors.New(apperrors.CodeAuthInvalidCredential, "session token exp is required")
	}

	now := r.cfg.Now().UTC()
	if !parsed.ExpiresAt.Time.UTC().After(now) {
		return Identity{}, apperrors.New(apperrors.CodeAuthInvalidCredential, "session token is expired")
	}
	if parsed.NotBefore != nil && now.Before(parsed.NotBefore.Time.UTC()) {
		return Identity{}, apperrors.New(apperrors.CodeAuthInvalidCredential, "session token not active yet")
	}

	userID := strings.TrimSpace(parsed.Subject)
	if userID == "" {
		return Identity{}, apperrors.New(apperrors.CodeAuthInvalidCredential, "session token subject is required")
	}

	return Identity{
		UserID:   userID,
		CallSign: strings.TrimSpace(parsed.CallSign),
		Rank:     strings.TrimSpace(parsed.Rank),
	}, nil
}

// mapJWTError translates jwt library errors to application errors.
func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) || errors.Is(err, jwt.ErrEd25519Verification) {
		return apperrors.New(apperrors.CodeAuthInvalidCredential, "session token signature is invalid")
	}
	if errors.Is(err, jwt.ErrTokenUnverifiable) {
		return apperrors.New(apperrors.CodeAuthInvalidCredential, "session token alg is invalid")
	}
	return apperrors.New(apperrors.CodeAuthInvalidCredential, "session token is invalid")
}

// audienceContains reports whether the audience list contains the given value.
func audienceContains(aud jwt.ClaimStrings, value string) bool {
	for _, item := range aud {
		if item == value {
			return true
		}
	}
	return false
}

func decodeBase64(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("empty base64 value")
	}
	decoded, err := base64.RawStdEncoding.DecodeString(value)
	if err == nil {
		return decoded, nil
	}
	return base64.StdEncoding.DecodeString(value)
}

var _ Resolver = (*TokenResolver)(nil)
