package auth

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt"
)

// TokenProvider resolves the identity from a platform access token (HS256).
// The token's `sub` claim is the participant id; `nickname` is optional and
// falls back to the id.
type TokenProvider struct {
	Token  string
	Secret []byte
}

func (p TokenProvider) Resolve(_ context.Context) (Identity, error) {
	if p.Token == "" {
		return Identity{}, ErrNoIdentity
	}

	token, err := jwt.Parse(p.Token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return p.Secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrNoIdentity, err)
	}
	if !token.Valid {
		return Identity{}, fmt.Errorf("%w: token is not valid", ErrNoIdentity)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, fmt.Errorf("%w: claims of unexpected type", ErrNoIdentity)
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Identity{}, fmt.Errorf("%w: token has no subject", ErrNoIdentity)
	}

	nickname, _ := claims["nickname"].(string)
	if nickname == "" {
		nickname = sub
	}
	return Identity{ParticipantID: sub, Nickname: nickname}, nil
}
