package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	// RoleAdmin is the role claim required on the admin surface.
	RoleAdmin = "admin"
	// RoleService is the role claim carried by internal feature services.
	RoleService = "service"

	bearerPrefix = "Bearer "
)

var (
	// ErrInvalidToken reports a bearer token that failed validation.
	ErrInvalidToken = errors.New("invalid token")
	// ErrInvalidTokenConfig reports a validator or issuer without a key.
	ErrInvalidTokenConfig = errors.New("invalid token config")
)

// Claims are carried by user and admin bearer tokens. Subject is the user or admin id.
type Claims struct {
	UserType   string `json:"user_type,omitempty"`
	UserTypeID string `json:"user_type_id,omitempty"`
	Role       string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// TokenValidator verifies HS256 bearer tokens signed with one key.
type TokenValidator struct {
	signingKey   []byte
	issuer       string
	requiredRole string
}

// NewTokenValidator constructs a validator; requiredRole may be empty.
func NewTokenValidator(signingKey string, issuer string, requiredRole string) (*TokenValidator, error) {
	if strings.TrimSpace(signingKey) == "" {
		return nil, fmt.Errorf("%w: signing key is required", ErrInvalidTokenConfig)
	}
	return &TokenValidator{
		signingKey:   []byte(signingKey),
		issuer:       strings.TrimSpace(issuer),
		requiredRole: strings.TrimSpace(requiredRole),
	}, nil
}

// Validate parses raw and returns its claims.
func (validator *TokenValidator) Validate(raw string) (*Claims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if validator.issuer != "" {
		options = append(options, jwt.WithIssuer(validator.issuer))
	}
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(token *jwt.Token) (any, error) {
		return validator.signingKey, nil
	}, options...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	if validator.requiredRole != "" && claims.Role != validator.requiredRole {
		return nil, fmt.Errorf("%w: role %q required", ErrInvalidToken, validator.requiredRole)
	}
	return claims, nil
}

// GinMiddleware rejects requests without a valid bearer token and stores the claims under contextKey.
func (validator *TokenValidator) GinMiddleware(contextKey string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		header := ctx.GetHeader("Authorization")
		if !strings.HasPrefix(header, bearerPrefix) {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse(errorCodeUnauthorized, "missing bearer token"))
			return
		}
		claims, err := validator.Validate(strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix)))
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse(errorCodeUnauthorized, "invalid bearer token"))
			return
		}
		ctx.Set(contextKey, claims)
		ctx.Next()
	}
}

// TokenIssuer signs HS256 bearer tokens.
type TokenIssuer struct {
	signingKey []byte
	issuer     string
	now        func() time.Time
}

// NewTokenIssuer constructs an issuer.
func NewTokenIssuer(signingKey string, issuer string, now func() time.Time) (*TokenIssuer, error) {
	if strings.TrimSpace(signingKey) == "" {
		return nil, fmt.Errorf("%w: signing key is required", ErrInvalidTokenConfig)
	}
	if now == nil {
		now = time.Now
	}
	return &TokenIssuer{signingKey: []byte(signingKey), issuer: strings.TrimSpace(issuer), now: now}, nil
}

// Issue signs claims for subject valid for ttl.
func (tokenIssuer *TokenIssuer) Issue(subject string, claims Claims, ttl time.Duration) (string, error) {
	if strings.TrimSpace(subject) == "" {
		return "", fmt.Errorf("%w: subject is required", ErrInvalidTokenConfig)
	}
	if ttl <= 0 {
		return "", fmt.Errorf("%w: ttl must be positive", ErrInvalidTokenConfig)
	}
	issuedAt := tokenIssuer.now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Subject:   strings.TrimSpace(subject),
		Issuer:    tokenIssuer.issuer,
		IssuedAt:  jwt.NewNumericDate(issuedAt),
		ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(tokenIssuer.signingKey)
}
