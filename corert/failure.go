// The {Detect, Shrink, Split, Agree, Replace} recovery state machine of
// spec.md §9/REDESIGN FLAGS, replacing the teacher's inline error-handler
// retry loop (ais/keepalive.go's "suspect then confirm then evict" shape,
// generalized here from cluster-membership voting to communicator repair).
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package corert

import (
	"context"

	"github.com/pkg/errors"

	"github.com/NITIALODDS/OpenCoarrays/corelog"
)

// RecoveryPhase names one step of the state machine driving the error
// handler of spec.md §4.C.
type RecoveryPhase int

const (
	PhaseDetect RecoveryPhase = iota
	PhaseShrink
	PhaseSplit
	PhaseAgree
	PhaseReplace
)

func (p RecoveryPhase) String() string {
	switch p {
	case PhaseDetect:
		return "detect"
	case PhaseShrink:
		return "shrink"
	case PhaseSplit:
		return "split"
	case PhaseAgree:
		return "agree"
	case PhaseReplace:
		return "replace"
	default:
		return "unknown"
	}
}

// maxAgreeRetries bounds the Agree retry loop; spec.md only says "retry on
// disagreement", so this is a defensive ceiling rather than a spec value.
const maxAgreeRetries = 8

// HandleFailure is the custom error handler of spec.md §4.C, invoked
// whenever PollFailed reports new dead peers: it classifies (an image
// death is always "process failed" in this model; there is no "revoked"
// classification without a real communicator to revoke), shrinks the
// communicator, splits to compact ranks, agrees on success with retry, and
// replaces this Runtime's view of the communicator. A failure during
// recovery itself is reported as ErrTransport: that case is the one the
// source aborts on, having no further recourse.
func (r *Runtime) HandleFailure(ctx context.Context) error {
	if !r.Cfg.FailureHandling {
		return nil
	}
	failed := r.Net.PollFailed()
	if len(failed) == 0 {
		return nil
	}
	corelog.Warningf("corert: %s: new failed images %v", PhaseDetect, failed)

	var survivors map[int]int
	var agreed bool
	for attempt := 0; attempt < maxAgreeRetries; attempt++ {
		var err error
		survivors, err = r.Net.Shrink(ctx, failed)
		if err != nil {
			return errors.Wrap(ErrTransport, err.Error())
		}
		corelog.Infof("corert: %s: %d survivors", PhaseShrink, len(survivors))

		// Split: the shrunk communicator's compact ranks are already the
		// survivor map's values; nothing further to renumber.
		corelog.Infof("corert: %s: compacted to %d ranks", PhaseSplit, len(survivors))

		agreed, err = r.Net.Agree(ctx, true)
		if err != nil {
			return errors.Wrap(ErrTransport, err.Error())
		}
		if agreed {
			break
		}
		corelog.Warningf("corert: %s: disagreement on attempt %d, retrying", PhaseAgree, attempt)
	}
	if !agreed {
		return errors.Wrap(ErrTransport, "recovery: agree did not converge")
	}

	r.replace(survivors, len(failed))
	return nil
}

// replace swaps this Runtime's view of the communicator for the survivor
// group (spec.md §4.C "replace CORE_COMM with the survivor communicator,
// re-create the status window over the new communicator"). The simulated
// transport does not model communicator identity, so this updates the
// Runtime's own bookkeeping (rank, peer table, failure count); a real
// transport binding would additionally swap its communicator handle here.
func (r *Runtime) replace(survivors map[int]int, newlyFailed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.numFailed += newlyFailed
	r.numImages = len(survivors)
	if newSelf, ok := survivors[r.thisImage]; ok {
		r.thisImage = newSelf
	}
	peers := make([]int, 0, len(survivors))
	for _, rank := range survivors {
		if rank != r.thisImage {
			peers = append(peers, rank)
		}
	}
	r.peers = peers
	r.metrics.peersFailed.Set(float64(r.numFailed))
	corelog.Infof("corert: %s: now image %d/%d, %d peers", PhaseReplace, r.thisImage, r.numImages, len(r.peers))
}
