package auth

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned when the token is absent, malformed or badly signed.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned when the token has expired.
	ErrExpiredToken = errors.New("token has expired")
	// ErrNoPrincipal is returned when a valid token names no user.
	ErrNoPrincipal = errors.New("token has no principal")
)

// Principal is the verified identity bound to a connection.
type Principal struct {
	UserID int64
}

// Verifier validates credential tokens issued by the marketplace auth system.
type Verifier interface {
	Verify(ctx context.Context, token string) (Principal, error)
}

// JWTConfig holds JWT verification settings.
type JWTConfig struct {
	SecretKey string
	Issuer    string
	Leeway    time.Duration
}

// Claims are the claims the marketplace puts in access tokens. The user id is
// carried in user_id, falling back to the subject.
type Claims struct {
	UserID    int64  `json:"user_id,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier checks HMAC-signed access tokens.
type JWTVerifier struct {
	config JWTConfig
	parser *jwt.Parser
}

// NewJWTVerifier creates a JWTVerifier with the given configuration.
func NewJWTVerifier(config JWTConfig) *JWTVerifier {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(config.Leeway),
	}
	if config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(config.Issuer))
	}
	return &JWTVerifier{config: config, parser: jwt.NewParser(opts...)}
}

// Verify validates the token signature and expiry and returns its principal.
// A "Bearer " prefix is tolerated.
func (v *JWTVerifier) Verify(_ context.Context, token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	if token == "" {
		return Principal{}, ErrInvalidToken
	}

	claims := &Claims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(v.config.SecretKey), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, ErrExpiredToken
		}
		return Principal{}, ErrInvalidToken
	}
	if !parsed.Valid {
		return Principal{}, ErrInvalidToken
	}
	if claims.TokenType != "" && claims.TokenType != "access" {
		return Principal{}, ErrInvalidToken
	}

	userID := claims.UserID
	if userID == 0 && claims.Subject != "" {
		parsedID, err := strconv.ParseInt(claims.Subject, 10, 64)
		if err != nil {
			return Principal{}, ErrNoPrincipal
		}
		userID = parsedID
	}
	if userID <= 0 {
		return Principal{}, ErrNoPrincipal
	}
	return Principal{UserID: userID}, nil
}
