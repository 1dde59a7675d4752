package auth

import (
	"context"
	"errors"
	"strings"
)

var ErrUnauthenticated = errors.New("no authenticated participant")

// IdentityProvider looks up the participant the client acts for
type IdentityProvider interface {
	ParticipantID(ctx context.Context) (string, bool)
}

// StaticIdentity is an identity fixed by configuration
type StaticIdentity string

// ParticipantID returns the configured id, or false when none is set
func (s StaticIdentity) ParticipantID(ctx context.Context) (string, bool) {
	id := strings.TrimSpace(string(s))
	return id, id != ""
}

// Require resolves the participant id or fails with ErrUnauthenticated
func Require(ctx context.Context, p IdentityProvider) (string, error) {
	if p == nil {
		return "", ErrUnauthenticated
	}
	id, ok := p.ParticipantID(ctx)
	if !ok {
		return "", ErrUnauthenticated
	}
	return id, nil
}
