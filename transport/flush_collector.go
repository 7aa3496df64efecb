// Deferred-flush bookkeeping for non-blocking-put mode (spec.md §4.D.7,
// §9 "Deferred flush"). Adapted from the teacher's stream idle-timeout
// collector (a min-heap of streams ticked down to deactivation): here the
// heap tracks (window, target) pairs with outstanding deferred puts instead
// of streams with outstanding bytes, and "deactivation" becomes a forced
// flush rather than a teardown.
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package transport

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

const (
	flushTickUnit  = 50 * time.Millisecond
	flushMaxTicks  = 20 // a deferred put waits at most 1s before being forced out
)

type pendingEntry struct {
	id     WindowID
	target int
	ticks  int
	index  int
}

// FlushQueue is a per-image vector of (window, target) pairs with an
// outstanding deferred Put, replacing the teacher's single global linked
// list of pending puts (spec.md §9). corasync.SyncAll and corert.Finalize
// call Drain to flush everything synchronously; a background goroutine also
// force-flushes any entry that has sat idle past flushMaxTicks so a
// forgotten deferred put cannot wedge a peer's read indefinitely.
type FlushQueue struct {
	net Network

	mu      sync.Mutex
	entries map[pendingKey]*pendingEntry
	heap    pendingHeap

	stopCh chan struct{}
	once   sync.Once
}

type pendingKey struct {
	id     WindowID
	target int
}

func NewFlushQueue(net Network) *FlushQueue {
	fq := &FlushQueue{
		net:     net,
		entries: make(map[pendingKey]*pendingEntry, 16),
		stopCh:  make(chan struct{}),
	}
	go fq.run()
	return fq
}

// Defer records a put against (id, target) as outstanding until the next
// Drain or forced idle-flush.
func (fq *FlushQueue) Defer(id WindowID, target int) {
	fq.mu.Lock()
	defer fq.mu.Unlock()
	k := pendingKey{id, target}
	if e, ok := fq.entries[k]; ok {
		e.ticks = flushMaxTicks
		heap.Fix(&fq.heap, e.index)
		return
	}
	e := &pendingEntry{id: id, target: target, ticks: flushMaxTicks}
	fq.entries[k] = e
	heap.Push(&fq.heap, e)
}

// Drain flushes every outstanding entry synchronously (spec.md §4.D.7: every
// barrier and sync_memory call drains the FIFO).
func (fq *FlushQueue) Drain(ctx context.Context) {
	fq.mu.Lock()
	pending := make([]*pendingEntry, 0, len(fq.entries))
	for _, e := range fq.entries {
		pending = append(pending, e)
	}
	fq.entries = make(map[pendingKey]*pendingEntry, 16)
	fq.heap = nil
	fq.mu.Unlock()

	for _, e := range pending {
		if err := fq.net.Flush(e.id, e.target); err != nil {
			glog.Warningf("flush queue: drain of window %d target %d: %v", e.id, e.target, err)
		}
	}
	_ = ctx
}

func (fq *FlushQueue) Stop() {
	fq.once.Do(func() { close(fq.stopCh) })
}

func (fq *FlushQueue) run() {
	ticker := time.NewTicker(flushTickUnit)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fq.tick()
		case <-fq.stopCh:
			return
		}
	}
}

func (fq *FlushQueue) tick() {
	fq.mu.Lock()
	for _, e := range fq.heap {
		e.ticks--
	}
	heap.Init(&fq.heap)
	var expired []*pendingEntry
	for fq.heap.Len() > 0 && fq.heap[0].ticks <= 0 {
		top := heap.Pop(&fq.heap).(*pendingEntry)
		delete(fq.entries, pendingKey{top.id, top.target})
		expired = append(expired, top)
	}
	fq.mu.Unlock()

	for _, e := range expired {
		if err := fq.net.Flush(e.id, e.target); err != nil {
			glog.Warningf("flush queue: idle flush of window %d target %d: %v", e.id, e.target, err)
		}
	}
}

// pendingHeap is a min-heap over ticks remaining, the same shape as the
// teacher's collector min-heap over stream.time.ticks.
type pendingHeap []*pendingEntry

func (h pendingHeap) Len() int            { return len(h) }
func (h pendingHeap) Less(i, j int) bool  { return h[i].ticks < h[j].ticks }
func (h pendingHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *pendingHeap) Push(x interface{}) {
	e := x.(*pendingEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *pendingHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
