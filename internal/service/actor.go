package service

import (
	"context"

	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/domain"
)

// Actor is the user on whose behalf an operation runs. It is recorded in
// audit entries.
type Actor struct {
	UserID    string
	Role      domain.Role
	RequestID string
}

// SystemActor is used by CLI runs and other unattended callers.
var SystemActor = Actor{UserID: "system", Role: domain.RoleAdmin}

type actorKey struct{}

func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFrom returns the actor stored in ctx, or SystemActor.
func ActorFrom(ctx context.Context) Actor {
	if a, ok := ctx.Value(actorKey{}).(Actor); ok {
		return a
	}
	return SystemActor
}
