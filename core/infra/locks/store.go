package locks

import (
	"context"
	"time"
)

// Locker grants exclusive, expiring ownership of a named resource.
type Locker interface {
	TryAcquire(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error)
	Renew(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, resource, owner string) (bool, error)
}
