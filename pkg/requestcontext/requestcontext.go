// Package requestcontext carries per-request identity through context.Context.
package requestcontext

import (
	"context"

	id "courier/pkg/domain"
)

type (
	requestIDKey struct{}
	actorKey     struct{}
	tenantKey    struct{}
)

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestID returns the request id, or "" outside a request.
func RequestID(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey{}).(string)
	return v
}

// WithActor records the authenticated caller.
func WithActor(ctx context.Context, actor id.ActorID) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// Actor returns the authenticated caller, or the nil ID.
func Actor(ctx context.Context) id.ActorID {
	v, _ := ctx.Value(actorKey{}).(id.ActorID)
	return v
}

func WithTenant(ctx context.Context, tenant id.TenantID) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenant)
}

func Tenant(ctx context.Context) id.TenantID {
	v, _ := ctx.Value(tenantKey{}).(id.TenantID)
	return v
}
