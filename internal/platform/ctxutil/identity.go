package ctxutil

import (
	"context"

	"github.com/google/uuid"
)

type identityKey struct{}

// Identity is the authenticated caller, populated by the auth middleware
// from the token subject.
type Identity struct {
	CreatorID uuid.UUID
}

func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func GetIdentity(ctx context.Context) *Identity {
	val := ctx.Value(identityKey{})
	if id, ok := val.(*Identity); ok {
		return id
	}
	return nil
}

// CreatorID returns the authenticated creator, or nil for anonymous
// requests.
func CreatorID(ctx context.Context) *uuid.UUID {
	id := GetIdentity(ctx)
	if id == nil || id.CreatorID == uuid.Nil {
		return nil
	}
	cp := id.CreatorID
	return &cp
}
