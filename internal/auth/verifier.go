package auth

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken wraps every verification failure.
var ErrInvalidToken = errors.New("INVALID_TOKEN")

// VerifierConfig holds configuration for JWT verification.
type VerifierConfig struct {
	// "RS256" or "HS256"
	Algorithm string

	// HS256
	SecretKey string
	// RS256, PKIX PEM
	PublicKeyPEM string

	// Issuer and Audience are checked only when set.
	Issuer   string
	Audience string
	// Leeway tolerates clock skew on exp, nbf and iat.
	Leeway time.Duration
}

// Verifier checks bearer tokens presented by subscribers and HTTP clients.
type Verifier struct {
	config VerifierConfig
	key    interface{}
	parser *jwt.Parser
}

// tokenClaims is the wire shape of a plant token.
type tokenClaims struct {
	Roles  []string `json:"roles"`
	Scopes []string `json:"scopes"`
	jwt.RegisteredClaims
}

// Validate runs after the registered claims checks.
func (c *tokenClaims) Validate() error {
	if c.Subject == "" {
		return errors.New("missing sub claim")
	}
	if len(c.Roles) == 0 || slices.ContainsFunc(c.Roles, func(r string) bool { return !knownRole(r) }) {
		return fmt.Errorf("invalid roles: %v", c.Roles)
	}
	if len(c.Scopes) == 0 || slices.ContainsFunc(c.Scopes, func(s string) bool { return !knownScope(s) }) {
		return fmt.Errorf("invalid scopes: %v", c.Scopes)
	}
	return nil
}

// NewVerifier creates a verifier for config.Algorithm.
func NewVerifier(config VerifierConfig) (*Verifier, error) {
	v := &Verifier{config: config}

	switch config.Algorithm {
	case "RS256":
		if config.PublicKeyPEM == "" {
			return nil, fmt.Errorf("RS256 requires a public key")
		}
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(config.PublicKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("failed to load public key from PEM: %w", err)
		}
		v.key = key
	case "HS256":
		if config.SecretKey == "" {
			return nil, fmt.Errorf("HS256 requires secret key")
		}
		v.key = []byte(config.SecretKey)
	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", config.Algorithm)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{config.Algorithm}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(config.Leeway),
	}
	if config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(config.Issuer))
	}
	if config.Audience != "" {
		opts = append(opts, jwt.WithAudience(config.Audience))
	}
	v.parser = jwt.NewParser(opts...)
	return v, nil
}

// VerifyToken verifies tokenString and returns its claims.
func (v *Verifier) VerifyToken(tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("%w: token cannot be empty", ErrInvalidToken)
	}

	var tc tokenClaims
	if _, err := v.parser.ParseWithClaims(tokenString, &tc, v.keyFunc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return &Claims{Subject: tc.Subject, Roles: tc.Roles, Scopes: tc.Scopes}, nil
}

func (v *Verifier) keyFunc(*jwt.Token) (interface{}, error) {
	// WithValidMethods has already pinned the algorithm
	return v.key, nil
}

func knownRole(role string) bool {
	return role == RoleViewer || role == RoleOperator
}

func knownScope(scope string) bool {
	switch scope {
	case ScopeRead, ScopeControl, ScopeTelemetry:
		return true
	}
	return false
}
