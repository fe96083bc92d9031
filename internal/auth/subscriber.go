package auth

import (
	"context"
	"fmt"

	"github.com/plant-monitor/pmc/internal/distribution"
)

// SubscriberAuthenticator verifies the token of a distribution AUTH line.
// Subscribers must hold the telemetry scope.
type SubscriberAuthenticator struct {
	verifier *Verifier
}

var _ distribution.Authenticator = (*SubscriberAuthenticator)(nil)

// NewSubscriberAuthenticator adapts verifier for the distribution server.
func NewSubscriberAuthenticator(verifier *Verifier) *SubscriberAuthenticator {
	return &SubscriberAuthenticator{verifier: verifier}
}

// Authenticate implements distribution.Authenticator.
func (a *SubscriberAuthenticator) Authenticate(ctx context.Context, token string) (distribution.Identity, error) {
	if err := ctx.Err(); err != nil {
		return distribution.Identity{}, err
	}
	claims, err := a.verifier.VerifyToken(token)
	if err != nil {
		return distribution.Identity{}, err
	}
	if !claims.HasScopes(ScopeTelemetry) {
		return distribution.Identity{}, fmt.Errorf("%w: subject %s lacks %s scope", ErrInvalidToken, claims.Subject, ScopeTelemetry)
	}
	return distribution.Identity{
		Subject: claims.Subject,
		Roles:   claims.Roles,
		Scopes:  claims.Scopes,
	}, nil
}
