// Package auth resolves the local participant's identity from the
// surrounding authentication context of the platform.
package auth

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrNoIdentity means no authenticated identity is available.
	ErrNoIdentity = errors.New("no identity available")
)

// Identity is the resolved local participant.
type Identity struct {
	ParticipantID string
	Nickname      string
}

// Provider resolves the identity at connect time.
type Provider interface {
	Resolve(ctx context.Context) (Identity, error)
}

// Static is a fixed identity, used by tests and bot participants.
type Static struct {
	ID       string
	Nickname string
}

func (s Static) Resolve(_ context.Context) (Identity, error) {
	if s.ID == "" {
		return Identity{}, ErrNoIdentity
	}
	return Identity{ParticipantID: s.ID, Nickname: s.Nickname}, nil
}

// Guest returns a provider with a random participant id, for anonymous
// players. The id is fixed at creation so reconnects keep the same identity.
func Guest(nickname string) Provider {
	return Static{ID: uuid.NewString(), Nickname: nickname}
}
