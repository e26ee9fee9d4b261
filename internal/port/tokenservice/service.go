// Package tokenservice defines the port for exchanging VCS app
// installations for short-lived access tokens.
package tokenservice

import (
	"context"
	"time"
)

// Token is a freshly minted repository access token.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Service mints repo access tokens. Calls go through a circuit breaker;
// failures map to a retryable start code.
type Service interface {
	Exchange(ctx context.Context, installationID, appType string) (*Token, error)
}
