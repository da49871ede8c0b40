package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/ggoodman/loco-client-go/api"
	"github.com/ggoodman/loco-client-go/internal/jwtclaims"
)

// ErrGuest indicates the credential belongs to an anonymous session.
var ErrGuest = errors.New("session: guest credential")

// Hydrator resolves the user a credential belongs to.
type Hydrator interface {
	Hydrate(ctx context.Context, credential string) (*User, error)
}

// ProfileAPI fetches the profile of the credential's identity.
type ProfileAPI interface {
	Profile(ctx context.Context) (*api.Profile, error)
}

// ProfileHydrator asks the server who the credential belongs to. The
// credential itself travels in the client's cookie jar.
type ProfileHydrator struct {
	API ProfileAPI
}

// Hydrate implements Hydrator.
func (h *ProfileHydrator) Hydrate(ctx context.Context, _ string) (*User, error) {
	p, err := h.API.Profile(ctx)
	if err != nil {
		return nil, err
	}
	if p.IsGuest() {
		return nil, ErrGuest
	}
	id := p.Identity()
	if id <= 0 {
		return nil, fmt.Errorf("%w: profile without user id", api.ErrMalformedResponse)
	}
	u := &User{ID: &id}
	if p.Email != "" {
		u.Email = ptr(p.Email)
	}
	if name := p.DisplayName(); name != "" {
		u.Nickname = ptr(name)
	}
	if p.ProfileImage != "" {
		u.ProfileImage = ptr(p.ProfileImage)
	}
	return u, nil
}

// ClaimsHydrator decodes the credential locally.
type ClaimsHydrator struct {
	Decoder jwtclaims.Decoder
}

// Hydrate implements Hydrator.
func (h *ClaimsHydrator) Hydrate(ctx context.Context, credential string) (*User, error) {
	c, err := h.Decoder.Decode(ctx, credential)
	if err != nil {
		return nil, err
	}
	u := &User{}
	if id, ok := c.UserID(); ok {
		u.ID = &id
	}
	if c.Email != "" {
		u.Email = ptr(c.Email)
	}
	if c.Nickname != "" {
		u.Nickname = ptr(c.Nickname)
	}
	return u, nil
}

var (
	_ Hydrator = (*ProfileHydrator)(nil)
	_ Hydrator = (*ClaimsHydrator)(nil)
)

func ptr[T any](v T) *T { return &v }
