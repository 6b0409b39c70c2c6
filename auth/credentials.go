// Package auth provides credential sources for the sync engine and the JWT
// issuer used by the API server. Client code hands a credential source to the
// remote client and the sync engine; the server wires the issuer into its
// router for bearer validation.
package auth

import (
	"context"
	"errors"
)

var (
	// ErrMissingAccessToken reports a credential source with no usable token.
	ErrMissingAccessToken = errors.New("auth: access token required")
)

// StaticCredentials serves a fixed access token and user id. The CLI and
// tests use it when no exchange endpoint is involved.
type StaticCredentials struct {
	UserID string
	Token  string
}

// AccessToken returns the configured token.
func (c StaticCredentials) AccessToken(context.Context) (string, error) {
	if c.Token == "" {
		return "", ErrMissingAccessToken
	}
	return c.Token, nil
}

// CurrentUserID returns the configured user id.
func (c StaticCredentials) CurrentUserID() string {
	return c.UserID
}

// HasReadyAccessToken reports whether a token is available without blocking.
func (c StaticCredentials) HasReadyAccessToken(context.Context) bool {
	return c.Token != ""
}
