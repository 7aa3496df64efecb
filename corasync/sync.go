// Package corasync is the synchronization layer of spec.md §4.F: barriers,
// subset sync over tagged messages, CAS-based mutexes, and fetch-and-add
// events. Grounded on the teacher's keepalive/heartbeat protocol shape
// (post a receive, send a probe, wait for completion, promote status on a
// terminal signal) generalized from "detect a dead peer" to "rendezvous
// with a named subset of peers".
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package corasync

import (
	"bytes"
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/NITIALODDS/OpenCoarrays/corecfg"
	"github.com/NITIALODDS/OpenCoarrays/corerr"
	"github.com/NITIALODDS/OpenCoarrays/corert"
	"github.com/NITIALODDS/OpenCoarrays/transport"
)

// Sync bundles the transport and config a sync_all/sync_images/mutex/event
// call needs, scoped to one image (spec.md §9: no free globals).
type Sync struct {
	net transport.Network
	rt  *corert.Runtime
	cfg *corecfg.Config
}

func New(net transport.Network, rt *corert.Runtime, cfg *corecfg.Config) *Sync {
	return &Sync{net: net, rt: rt, cfg: cfg}
}

// SyncAll drains deferred flushes through flush, then calls the transport
// barrier (spec.md §4.F "Barrier"). A transport failure classifies as
// ErrFailedImage.
func (s *Sync) SyncAll(ctx context.Context, flush *transport.FlushQueue) error {
	if flush != nil {
		flush.Drain(ctx)
	}
	if err := s.net.Barrier(ctx); err != nil {
		return errors.Wrap(corerr.ErrFailedImage, err.Error())
	}
	s.rt.RecordBarrier()
	return nil
}

// SyncImages rendezvous with exactly the images in set (spec.md §4.F
// "Subset sync"). An empty or self-only set is a no-op. set={} meaning
// "everyone else" is the caller's job to expand before calling this
// (corert.Runtime.Peers() is the natural source for that expansion).
func (s *Sync) SyncImages(ctx context.Context, set []int) error {
	this := s.net.ThisImage()
	targets, err := normalizeTargets(this, set)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	arrived := make([]bool, len(targets))
	stopped := false

	for i, target := range targets {
		i, target := i, target
		g.Go(func() error {
			if err := s.net.SendTagged(gctx, target, s.cfg.SyncImagesTag, []byte{byte(this)}); err != nil {
				return classifyTransportErr(err)
			}
			_, payload, err := s.net.RecvTagged(gctx, s.cfg.SyncImagesTag)
			if err != nil {
				return classifyTransportErr(err)
			}
			arrived[i] = true
			if bytes.Equal(payload, corert.StoppedSyncPayload) {
				stopped = true
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if stopped {
		return corerr.ErrStoppedImage
	}
	return nil
}

func normalizeTargets(this int, set []int) ([]int, error) {
	seen := make(map[int]bool, len(set))
	out := make([]int, 0, len(set))
	for _, img := range set {
		if img == this {
			continue
		}
		if seen[img] {
			return nil, corerr.ErrDuplicateSyncImage
		}
		seen[img] = true
		out = append(out, img)
	}
	sort.Ints(out)
	return out, nil
}

func classifyTransportErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errors.Wrap(corerr.ErrTransport, err.Error())
	}
	return errors.Wrap(corerr.ErrFailedImage, err.Error())
}

// Lock performs a CAS-based mutex acquire on the integer slot at offset in
// window id on target (spec.md §4.F "Mutex lock"). acquiredLock mirrors the
// source language's ACQUIRED_LOCK optional: when true, a nonzero current
// holder is treated as success (the caller only wanted to know whether it
// got the lock, not to block for it).
func (s *Sync) Lock(ctx context.Context, id transport.WindowID, target int, offset int64, acquiredLock *bool) error {
	this := uint64(s.net.ThisImage()) + 1 // holder value is the 1-based image index; 0 means unlocked
	iteration := int64(0)
	for {
		cur, err := s.net.CompareAndSwap(ctx, id, target, offset, 0, this)
		if err != nil {
			return errors.Wrap(corerr.ErrTransport, err.Error())
		}
		if cur == 0 {
			if acquiredLock != nil {
				*acquiredLock = true
			}
			return nil
		}
		if cur == this {
			return errors.Wrap(corerr.ErrMutexSelfDeadlock, "Already locked")
		}
		if acquiredLock != nil {
			*acquiredLock = false
			return nil
		}
		if s.rt != nil && s.cfg.FailureHandling {
			if status, err := s.rt.ImageStatus(ctx, int(cur)-1); err == nil && status == corert.StatusFailed {
				if stolen, _, err := s.net.CompareAndSwap(ctx, id, target, offset, cur, 0); err == nil && stolen == cur {
					continue // retry immediately against the now-freed slot
				}
			}
		}
		iteration++
		backoff := time.Duration(int64(this)*iteration) * s.cfg.LockBackoffBase
		if backoff > s.cfg.LockMaxBackoff {
			backoff = s.cfg.LockMaxBackoff
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Unlock fetch-and-replaces the slot with 0 (spec.md §4.F "Mutex unlock").
func (s *Sync) Unlock(ctx context.Context, id transport.WindowID, target int, offset int64) error {
	_, err := s.net.FetchAndOp(ctx, id, target, offset, 0, transport.OpReplace)
	if err != nil {
		return errors.Wrap(corerr.ErrTransport, err.Error())
	}
	return nil
}

const eventSlotSize = 8

// EventPost atomically accumulates +1 at idx*sizeof(int) in image's event
// window (spec.md §4.F "Events").
func (s *Sync) EventPost(ctx context.Context, id transport.WindowID, image int, idx int64) error {
	_, err := s.net.FetchAndOp(ctx, id, image, idx*eventSlotSize, 1, transport.OpSum)
	if err != nil {
		return errors.Wrap(corerr.ErrTransport, err.Error())
	}
	return nil
}

// EventWait spins reading the local counter until it is >= until, then
// atomically subtracts until (spec.md §4.F "Events").
func (s *Sync) EventWait(ctx context.Context, id transport.WindowID, idx int64, until uint64) error {
	this := s.net.ThisImage()
	offset := idx * eventSlotSize
	for {
		cur, err := s.net.FetchAndOp(ctx, id, this, offset, 0, transport.OpNoOp)
		if err != nil {
			return errors.Wrap(corerr.ErrTransport, err.Error())
		}
		if cur >= until {
			// AtomicOp has no SUBTRACT code (spec.md §4.G: SUM/BAND/BOR/BXOR
			// only), so subtracting `until` is a sum by its two's-complement.
			negated := uint64(-int64(until))
			if _, err := s.net.FetchAndOp(ctx, id, this, offset, negated, transport.OpSum); err != nil {
				return errors.Wrap(corerr.ErrTransport, err.Error())
			}
			return nil
		}
		select {
		case <-time.After(s.cfg.EventPollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// EventQuery fetches the current counter with a no-op atomic (spec.md §4.F
// "Events").
func (s *Sync) EventQuery(ctx context.Context, id transport.WindowID, image int, idx int64) (uint64, error) {
	cur, err := s.net.FetchAndOp(ctx, id, image, idx*eventSlotSize, 0, transport.OpNoOp)
	if err != nil {
		return 0, errors.Wrap(corerr.ErrTransport, err.Error())
	}
	return cur, nil
}
