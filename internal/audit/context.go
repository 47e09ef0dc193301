package audit

import (
	"context"

	"github.com/diagnosis/bus-reserve/internal/domain"
)

type ctxKey int

const (
	actorKey ctxKey = iota
	networkKey
)

// WithActor attaches the authenticated identity used for audit events.
func WithActor(ctx context.Context, a *domain.Actor) context.Context {
	return context.WithValue(ctx, actorKey, a)
}

func ActorFrom(ctx context.Context) *domain.Actor {
	if ctx == nil {
		return nil
	}
	a, _ := ctx.Value(actorKey).(*domain.Actor)
	return a
}

// WithNetwork attaches the caller's IP, user agent and session.
func WithNetwork(ctx context.Context, n domain.NetworkContext) context.Context {
	return context.WithValue(ctx, networkKey, n)
}

func NetworkFrom(ctx context.Context) domain.NetworkContext {
	if ctx == nil {
		return domain.NetworkContext{}
	}
	n, _ := ctx.Value(networkKey).(domain.NetworkContext)
	return n
}
