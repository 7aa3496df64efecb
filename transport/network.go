// Package transport declares the interface the CORE requires of the
// underlying message-passing transport (spec.md §1's external
// collaborator): one-sided RMA windows, atomics on windows, collective
// reductions, a global dynamic window, and optional fault-tolerance
// extensions. A production build wires this to a real RMA library; SimNetwork
// in this package is an in-process stand-in used by the test suite and by
// cmd/coarrayd.
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package transport

import (
	"context"
	"errors"
)

// AtomicOp mirrors the op codes of spec.md §4.G: REPLACE/NO_OP back
// atomic_define/atomic_ref, SUM/BAND/BOR/BXOR back atomic_op.
type AtomicOp int

const (
	OpReplace AtomicOp = iota
	OpNoOp
	OpSum
	OpBAnd
	OpBOr
	OpBXor
)

// ReduceOp selects the transport's built-in collective operator, or signals
// that a user-supplied operator shim (collective.ByValue/ByReference) drives
// the reduction instead.
type ReduceOp int

const (
	ReduceSum ReduceOp = iota
	ReduceMin
	ReduceMax
	ReduceUser
)

// UserOp combines two serialized elements of a user-defined reduction,
// returning the combined element. It is passed to Reduce on every call;
// the transport keeps no registration table (collective.Register returns
// its argument unchanged).
type UserOp func(a, b []byte) []byte

// WindowID identifies one collective RMA window, symmetric across images.
type WindowID uint64

// ErrTransport wraps errors surfaced by the Network implementation so
// corert can classify them per spec.md §7 ("transport-error").
var ErrTransport = errors.New("transport error")

// ErrImageFailed is returned by any blocking Network call that was aborted
// because the peer it targeted has been detected as dead.
var ErrImageFailed = errors.New("target image failed")

// Network is the one-sided RMA transport boundary. Every method may block
// the calling goroutine; none are safe to call concurrently on the same
// WindowID+target pair without the caller doing its own locking (callers in
// this repo always go through a transport.Locking capability record first).
type Network interface {
	ThisImage() int
	NumImages() int

	// CreateWindow collectively allocates sizePerImage bytes on every image
	// and returns a WindowID whose base address on each image equals that
	// image's local allocation (spec.md §3 master-token invariant).
	CreateWindow(ctx context.Context, sizePerImage int64) (WindowID, error)
	FreeWindow(ctx context.Context, id WindowID) error

	// DynamicWindow returns the id of the single process-wide dynamic
	// window (spec.md §3), created once at Init.
	DynamicWindow() WindowID
	// Attach/Detach expose local memory through the dynamic window and
	// return/release the address a remote image learns by dereferencing a
	// component pointer (spec.md §4.E).
	Attach(ptr []byte) (addr uint64)
	Detach(addr uint64)

	Put(ctx context.Context, id WindowID, target int, offset int64, data []byte) error
	Get(ctx context.Context, id WindowID, target int, offset int64, n int64) ([]byte, error)

	CompareAndSwap(ctx context.Context, id WindowID, target int, offset int64, old, newVal uint64) (uint64, error)
	FetchAndOp(ctx context.Context, id WindowID, target int, offset int64, operand uint64, op AtomicOp) (uint64, error)

	LockShared(id WindowID, target int) error
	LockExclusive(id WindowID, target int) error
	Unlock(id WindowID, target int) error
	// Flush completes all outstanding RMA issued by this image against
	// (id, target); used by the lock-all-and-flush capability (§9) and by
	// the deferred non-blocking-put drain (§4.D.7).
	Flush(id WindowID, target int) error

	Barrier(ctx context.Context) error
	SendTagged(ctx context.Context, target int, tag int32, payload []byte) error
	// RecvTagged blocks until a message tagged `tag` arrives from any peer.
	RecvTagged(ctx context.Context, tag int32) (from int, payload []byte, err error)

	Reduce(ctx context.Context, data []byte, elemSize int, op ReduceOp, userOp UserOp, resultImage int) ([]byte, error)
	Broadcast(ctx context.Context, data []byte, sourceImage int) ([]byte, error)

	// PollFailed returns images newly observed dead since the last call.
	// Only meaningful when SupportsFailureHandling is true.
	PollFailed() []int
	SupportsFailureHandling() bool

	// Shrink, Split and Agree implement the failure-recovery primitives
	// consumed by corert's {Detect,Shrink,Split,Agree,Replace} state
	// machine (spec.md §4.C, §9). Shrink excludes the given world ranks
	// from the communicator and returns the survivor group's new ranks
	// keyed by old world rank; Agree performs an all-agree vote on ok.
	Shrink(ctx context.Context, failedWorldRanks []int) (survivorRanks map[int]int, err error)
	Agree(ctx context.Context, ok bool) (agreed bool, err error)
}
