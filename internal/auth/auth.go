// Package auth decides, for every inbound request, who the caller is, whether
// their role or scopes allow the operation and whether they may act on the
// targeted resource.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"cargolane.io/internal/ids"
)

const (
	DefaultIssuer     = "cargolane"
	DefaultAudience   = "cargolane-api"
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour
	DefaultLeeway     = 30 * time.Second

	MinSecretLength = 32
)

var errShortSecret = fmt.Errorf("token secret must be at least %d bytes", MinSecretLength)

// Claims is the signed claim set carried by access and refresh tokens.
type Claims struct {
	SubjectID string    `json:"id"`
	Role      Role      `json:"role"`
	Type      TokenType `json:"type"`
	jwt.RegisteredClaims
}

// TokenCodec signs and verifies bearer tokens. It performs no I/O.
type TokenCodec struct {
	secret     []byte
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
	leeway     time.Duration
	now        func() time.Time
}

// CodecOption configures a TokenCodec.
type CodecOption func(*TokenCodec)

// WithIssuer overrides the iss claim.
func WithIssuer(issuer string) CodecOption {
	return func(c *TokenCodec) {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			c.issuer = issuer
		}
	}
}

// WithAudience overrides the aud claim.
func WithAudience(audience string) CodecOption {
	return func(c *TokenCodec) {
		if audience = strings.TrimSpace(audience); audience != "" {
			c.audience = audience
		}
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) CodecOption {
	return func(c *TokenCodec) {
		if ttl > 0 {
			c.accessTTL = ttl
		}
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) CodecOption {
	return func(c *TokenCodec) {
		if ttl > 0 {
			c.refreshTTL = ttl
		}
	}
}

// WithLeeway sets the clock skew tolerated on exp and iat.
func WithLeeway(d time.Duration) CodecOption {
	return func(c *TokenCodec) {
		if d >= 0 {
			c.leeway = d
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) CodecOption {
	return func(c *TokenCodec) {
		if fn != nil {
			c.now = fn
		}
	}
}

// NewTokenCodec constructs a codec signing with HS256 under secret.
func NewTokenCodec(secret string, opts ...CodecOption) (*TokenCodec, error) {
	secret = strings.TrimSpace(secret)
	if len(secret) < MinSecretLength {
		return nil, errShortSecret
	}
	c := &TokenCodec{
		secret:     []byte(secret),
		issuer:     DefaultIssuer,
		audience:   DefaultAudience,
		accessTTL:  DefaultAccessTTL,
		refreshTTL: DefaultRefreshTTL,
		leeway:     DefaultLeeway,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// AccessTTL returns the configured access token lifetime.
func (c *TokenCodec) AccessTTL() time.Duration { return c.accessTTL }

// Generate signs an access and a refresh token for the subject. Both carry
// their own jti, expiry and token type.
func (c *TokenCodec) Generate(subjectID string, role Role) (TokenPair, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return TokenPair{}, errors.New("subject id is required")
	}
	if !role.Valid() {
		return TokenPair{}, fmt.Errorf("unknown role %q", role)
	}
	now := c.now().UTC()

	access, _, accessExp, err := c.sign(subjectID, role, TokenAccess, now, c.accessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, refreshID, refreshExp, err := c.sign(subjectID, role, TokenRefresh, now, c.refreshTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
		RefreshID:        refreshID,
	}, nil
}

func (c *TokenCodec) sign(subjectID string, role Role, typ TokenType, now time.Time, ttl time.Duration) (string, string, time.Time, error) {
	exp := now.Add(ttl)
	jti := ids.NewAt(now)
	claims := Claims{
		SubjectID: subjectID,
		Role:      role,
		Type:      typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   subjectID,
			Audience:  jwt.ClaimStrings{c.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        jti,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("sign %s token: %w", typ, err)
	}
	return signed, jti, exp, nil
}

// Verify checks signature, issuer, audience and lifetime, then rejects the
// token unless its type claim equals expected.
func (c *TokenCodec) Verify(token string, expected TokenType) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMalformedToken
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithAudience(c.audience),
		jwt.WithLeeway(c.leeway),
		jwt.WithTimeFunc(c.now),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	)
	claims := &Claims{}
	if _, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return c.secret, nil
	}); err != nil {
		return nil, classifyJWTError(err)
	}
	if claims.Type != expected {
		return nil, ErrWrongTokenType
	}
	if strings.TrimSpace(claims.SubjectID) == "" || claims.ID == "" || !claims.Role.Valid() {
		return nil, ErrInvalidClaims
	}
	return claims, nil
}

func classifyJWTError(err error) *Error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrMalformedToken
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return ErrInvalidSignature
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired
	default:
		return ErrInvalidClaims
	}
}
