// Package corecfg holds the CORE's tunable configuration, threaded
// explicitly through corert.Runtime instead of read from a teacher-style
// global GCO (spec.md §9: no free globals). Parsing it from a file or the
// environment is a build-system/CLI concern out of scope for the CORE
// (spec.md §1); embedders construct a Config directly or start from
// Default() and override fields.
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package corecfg

import "time"

// StridedStrategy selects the transfer engine's non-contiguous path
// (spec.md §4.D.5).
type StridedStrategy int

const (
	// StrategyPerElement unravels the linear index and issues one RMA
	// call per element.
	StrategyPerElement StridedStrategy = iota
	// StrategyStructured builds an indexed/vector datatype describing the
	// non-contiguous offsets and issues a single RMA call.
	StrategyStructured
)

// LockingMode selects the transport.Locking capability record (spec.md §9).
type LockingMode int

const (
	LockingPerOp LockingMode = iota
	LockingLockAll
)

// Config is the CORE's full set of tunables.
type Config struct {
	// MaxRank bounds the descriptor rank the walker and transfer engine
	// will plan for (spec.md §4.A: "capacity = maximum supported rank").
	MaxRank int

	// FailureHandling enables the ALIVE_COMM probe, custom error handler,
	// and shrink/split/agree recovery path (spec.md §4.C).
	FailureHandling bool

	// NonBlockingPut enables the deferred-flush FIFO for send operations
	// (spec.md §4.D.7).
	NonBlockingPut bool

	StridedStrategy StridedStrategy
	Locking         LockingMode

	// LockBackoffBase scales the mutex spin-retry backoff
	// (sleep(this_image * iteration_count), spec.md §4.F).
	LockBackoffBase time.Duration
	LockMaxBackoff  time.Duration

	// EventPollInterval is how often event_wait re-reads the local counter
	// through window-sync while spinning (spec.md §4.F).
	EventPollInterval time.Duration

	// SyncImagesTag is the reserved message tag for subset sync
	// (spec.md §6: "424242").
	SyncImagesTag int32

	// BarrierTimeout / RecvTimeout bound how long a blocking call waits
	// before treating the transport as having an internal fault; zero
	// means wait indefinitely (the teacher's production default).
	BarrierTimeout time.Duration
	RecvTimeout    time.Duration

	// ElemFanout bounds how many per-element RMA calls xfer's strided
	// per-element path may have in flight at once. refwalk uses its own
	// package-level constant instead.
	ElemFanout int
}

// Default returns the CORE's out-of-the-box configuration.
func Default() *Config {
	return &Config{
		MaxRank:           15, // matches the source language's CO_MAX_DIM_RANK ceiling
		FailureHandling:   false,
		NonBlockingPut:    false,
		StridedStrategy:   StrategyPerElement,
		Locking:           LockingPerOp,
		LockBackoffBase:   time.Microsecond,
		LockMaxBackoff:    10 * time.Millisecond,
		EventPollInterval: 200 * time.Microsecond,
		SyncImagesTag:     424242,
		BarrierTimeout:    0,
		RecvTimeout:       0,
		ElemFanout:        8,
	}
}
