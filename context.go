// context.go propagates hubs through context.Context so request
// handlers and spawned goroutines capture against their own scope.

package sentryclient

import "context"

// Context key type (unexported to avoid collisions)
type hubKey struct{}

// SetHubOnContext returns a context with the hub attached.
func SetHubOnContext(ctx context.Context, hub *Hub) context.Context {
	return context.WithValue(ctx, hubKey{}, hub)
}

// HasHubOnContext reports whether a hub is attached to the context.
func HasHubOnContext(ctx context.Context) bool {
	_, ok := ctx.Value(hubKey{}).(*Hub)
	return ok
}

// HubFromContext extracts the hub from context.
// Returns nil if not set.
func HubFromContext(ctx context.Context) *Hub {
	if hub, ok := ctx.Value(hubKey{}).(*Hub); ok {
		return hub
	}
	return nil
}

// GetHubFromContext returns the hub from context, falling back to the
// process-wide hub so capture never fails for lack of one.
func GetHubFromContext(ctx context.Context) *Hub {
	if hub := HubFromContext(ctx); hub != nil {
		return hub
	}
	return CurrentHub()
}
