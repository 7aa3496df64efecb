package transport

import "context"

// Locking is the capability record from spec.md §9 "Polymorphism": the
// transfer engine and synchronization layer go through one of these instead
// of branching on a compile-time transport feature flag.
type Locking interface {
	Lock(ctx context.Context, net Network, id WindowID, target int, exclusive bool) error
	Unlock(ctx context.Context, net Network, id WindowID, target int) error
	Flush(ctx context.Context, net Network, id WindowID, target int) error
}

// PerOpLocking acquires and releases the window lock around every RMA
// operation (spec.md §4.D.6, first policy).
type PerOpLocking struct{}

func (PerOpLocking) Lock(_ context.Context, net Network, id WindowID, target int, exclusive bool) error {
	if exclusive {
		return net.LockExclusive(id, target)
	}
	return net.LockShared(id, target)
}

func (PerOpLocking) Unlock(_ context.Context, net Network, id WindowID, target int) error {
	return net.Unlock(id, target)
}

func (PerOpLocking) Flush(context.Context, Network, WindowID, int) error { return nil }

// LockAllFlush assumes the window was already lock-all'd once at creation
// and instead flushes after each operation, for transports that only expose
// passive-all RMA (spec.md §4.D.6, second policy; §9).
type LockAllFlush struct{}

func (LockAllFlush) Lock(context.Context, Network, WindowID, int, bool) error { return nil }

func (LockAllFlush) Unlock(_ context.Context, net Network, id WindowID, target int) error {
	return net.Flush(id, target)
}

func (LockAllFlush) Flush(_ context.Context, net Network, id WindowID, target int) error {
	return net.Flush(id, target)
}
