package health

import "context"

// EntitlementPinger checks entitlement database availability.
type EntitlementPinger interface {
	Ping(ctx context.Context) error
}

// CachePinger checks reservation/cache store availability.
type CachePinger interface {
	Ping(ctx context.Context) error
}

// ProviderChecker checks completion provider availability.
type ProviderChecker interface {
	HealthCheck(ctx context.Context) error
}
