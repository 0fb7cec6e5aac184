package trust

import (
	"context"
	"sync/atomic"
)

var defaultManager atomic.Pointer[Manager]

func init() {
	defaultManager.Store(NewManager())
}

// Default returns the process-wide Manager consulted by connections that do
// not carry their own factory.
func Default() *Manager {
	return defaultManager.Load()
}

// SetDefault replaces the process-wide Manager. This is the only way to get
// back to the platform defaults after a policy was set: install a fresh
// NewManager().
func SetDefault(m *Manager) {
	if m == nil {
		panic("trust: SetDefault called with nil Manager")
	}
	defaultManager.Store(m)
}

// TrustAuthority pins cert on the process-wide Manager.
func TrustAuthority(ctx context.Context, cert *Certificate) error {
	return Default().TrustAuthority(ctx, cert)
}

// TrustKnownService pins the known-service CA on the process-wide Manager.
func TrustKnownService(ctx context.Context) error {
	return Default().TrustKnownService(ctx)
}

// InsecureTrustEveryone disables verification on the process-wide Manager.
func InsecureTrustEveryone(ctx context.Context) error {
	return Default().InsecureTrustEveryone(ctx)
}

// CurrentPolicy returns the process-wide effective policy.
func CurrentPolicy() Policy {
	return Default().Current()
}

// DefaultFactory returns the process-wide effective connection factory.
func DefaultFactory() *ConnectionFactory {
	return Default().Factory()
}
