package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// Scope prefixes carrying the device id in next-generation auth access tokens.
const (
	deviceScopePrefixStable   = "urn:matrix:client:device:"
	deviceScopePrefixUnstable = "urn:matrix:org.matrix.msc2967.client:device:"
)

// CustomClaims represents the claims of an access token issued by the homeserver's
// authorization server. Subject is the Matrix user id.
type CustomClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// UserID returns the Matrix user id the token was issued to.
func (c *CustomClaims) UserID() string {
	return c.Subject
}

// DeviceID extracts the device id from the scope, or "" when the token is not bound to one.
func (c *CustomClaims) DeviceID() string {
	for _, scope := range strings.Fields(c.Scope) {
		if id, ok := strings.CutPrefix(scope, deviceScopePrefixStable); ok {
			return id
		}
		if id, ok := strings.CutPrefix(scope, deviceScopePrefixUnstable); ok {
			return id
		}
	}
	return ""
}

// TokenValidator validates a bearer token and returns its claims.
type TokenValidator interface {
	ValidateToken(tokenString string) (*CustomClaims, error)
}

// Validator verifies access tokens against the issuer's JWKS.
type Validator struct {
	keyFunc  jwt.Keyfunc
	issuer   string
	audience string
}

// allowedMethods are the asymmetric algorithms tokens may be signed with.
var allowedMethods = []string{"RS256", "RS384", "RS512", "ES256", "ES384", "PS256"}

// NewValidator creates a Validator for tokens issued by issuer. jwksURL is usually the
// jwks_uri from the auth metadata; when empty the issuer's /.well-known/jwks.json is used.
// An empty audience disables the audience check.
//
// The keys are fetched once up front so a misconfigured issuer fails at startup.
func NewValidator(ctx context.Context, issuer, jwksURL, audience string, regOpts ...jwk.RegisterOption) (*Validator, error) {
	if issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if jwksURL == "" {
		jwksURL = strings.TrimSuffix(issuer, "/") + "/.well-known/jwks.json"
	}

	cache := jwk.NewCache(ctx)

	opts := []jwk.RegisterOption{jwk.WithRefreshInterval(1 * time.Hour)}
	opts = append(opts, regOpts...)

	if err := cache.Register(jwksURL, opts...); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL in cache: %w", err)
	}

	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed to fetch initial JWKS: %w", err)
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		switch token.Method.(type) {
		case *jwt.SigningMethodRSA, *jwt.SigningMethodECDSA, *jwt.SigningMethodRSAPSS:
		default:
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}

		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("kid header not found")
		}

		keys, err := cache.Get(ctx, jwksURL)
		if err != nil {
			return nil, fmt.Errorf("failed to get keys from cache: %w", err)
		}

		key, found := keys.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key with kid %s not found", kid)
		}

		var pubKey interface{}
		if err := key.Raw(&pubKey); err != nil {
			return nil, fmt.Errorf("failed to get raw public key: %w", err)
		}

		return pubKey, nil
	}

	return &Validator{
		keyFunc:  keyFunc,
		issuer:   issuer,
		audience: audience,
	}, nil
}

// ValidateToken parses and validates a token, returning its claims.
func (v *Validator) ValidateToken(tokenString string) (*CustomClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithIssuer(v.issuer),
		jwt.WithValidMethods(allowedMethods),
		jwt.WithExpirationRequired(),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, v.keyFunc, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if !token.Valid {
		return nil, errors.New("token is invalid")
	}

	claims, ok := token.Claims.(*CustomClaims)
	if !ok {
		return nil, errors.New("failed to cast claims to CustomClaims")
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}

	return claims, nil
}

// ClaimsContextKey is the gin context key holding the caller's *CustomClaims.
const ClaimsContextKey = "claims"
