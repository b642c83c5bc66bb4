package auth

import "context"

// Capability is the explicit permission object granted to a caller of the
// trigger API. Handlers check the capability they were handed instead of
// consulting an ambient allow-list.
type Capability struct {
	TriggerRuns bool
	ReadReports bool
}

// FullCapability grants everything; used when no API secret is configured.
func FullCapability() Capability {
	return Capability{TriggerRuns: true, ReadReports: true}
}

type capabilityKey struct{}

// WithCapability attaches a capability to the request context.
func WithCapability(ctx context.Context, c Capability) context.Context {
	return context.WithValue(ctx, capabilityKey{}, c)
}

// CapabilityFromContext returns the caller's capability; the zero value
// grants nothing.
func CapabilityFromContext(ctx context.Context) Capability {
	c, _ := ctx.Value(capabilityKey{}).(Capability)
	return c
}
