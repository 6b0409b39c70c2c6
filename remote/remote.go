// Package remote defines the adapter contract against the authoritative
// dream store and provides an HTTP client implementation of it.
package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/somnia/dreams"
)

var (
	// ErrDreamNotFound indicates the targeted row no longer exists remotely.
	// Callers rely on this being distinguishable: the sync queue converts a
	// not-found update into a recovery create.
	ErrDreamNotFound = errors.New("remote: dream not found")
	// ErrMissingRemoteID indicates an update or delete was attempted without
	// a server-assigned identity.
	ErrMissingRemoteID = errors.New("remote: remote id is required")
	// ErrMissingBaseURL indicates the client was constructed without a server URL.
	ErrMissingBaseURL = errors.New("remote: base url is required")
	// ErrMissingTokenProvider indicates the client was constructed without credentials.
	ErrMissingTokenProvider = errors.New("remote: token provider is required")
)

// Service is the authoritative-store capability consumed by the offline
// engine. Create must be safe to call twice with the same idempotency key:
// the server returns the existing row rather than duplicating it.
type Service interface {
	CreateDream(ctx context.Context, dream dreams.DreamAnalysis, idempotencyKey string) (dreams.DreamAnalysis, error)
	UpdateDream(ctx context.Context, dream dreams.DreamAnalysis) (dreams.DreamAnalysis, error)
	DeleteDream(ctx context.Context, remoteID int64) error
	ListDreams(ctx context.Context) ([]dreams.DreamAnalysis, error)
}

// TokenProvider supplies the bearer token attached to every request.
// auth.DeviceTokenSource and auth.StaticCredentials satisfy it.
type TokenProvider interface {
	AccessToken(ctx context.Context) (string, error)
}

// StatusError reports a non-2xx server response that is not a not-found
// condition. These are the transient failures of the sync taxonomy: the
// queue stops its pass and retries on the next trigger.
type StatusError struct {
	StatusCode int
	Message    string
}

// Error renders the status and any server-supplied message.
func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote: server returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("remote: server returned status %d: %s", e.StatusCode, e.Message)
}
