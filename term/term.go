// Package term implements spec.md §4.I: stop_numeric/stop_str,
// error_stop[_str], fail_image and image_status, the CORE's only
// operations that end an image's life or observe a peer's. Exit and Kill
// are injectable the way the teacher's daemon bring-up exposes a
// fatal-log-then-exit hook instead of calling os.Exit inline, so a test
// harness can observe termination without tearing down the test process
// itself.
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package term

import (
	"context"
	"os"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/NITIALODDS/OpenCoarrays/corelog"
	"github.com/NITIALODDS/OpenCoarrays/corerr"
	"github.com/NITIALODDS/OpenCoarrays/corert"
)

// Exiter is the process-termination hook stop_numeric/stop_str/error_stop
// call after finalize completes.
type Exiter func(code int)

// Killer raises sig against pid, the hook fail_image calls to end this
// image abruptly (spec.md §4.I: "raise the OS kill signal to self").
type Killer func(pid int, sig syscall.Signal) error

// Term bundles the runtime a termination call needs, scoped to one image
// (spec.md §9: no free globals).
type Term struct {
	rt   *corert.Runtime
	exit Exiter
	kill Killer
}

func New(rt *corert.Runtime, exit Exiter, kill Killer) *Term {
	if exit == nil {
		exit = os.Exit
	}
	if kill == nil {
		kill = unix.Kill
	}
	return &Term{rt: rt, exit: exit, kill: kill}
}

// StopNumeric implements spec.md §4.I "stop_numeric": finalize (publishing
// STOPPED to every peer's view of this image) then exit 0. stopCode is the
// source language's STOP n informational code; unlike error_stop, a
// nonzero stopCode is still a successful runtime-level termination.
func (t *Term) StopNumeric(ctx context.Context, stopCode int) {
	t.finalizeAndExit(ctx, 0, "stop_numeric(%d)", stopCode)
}

// StopStr implements spec.md §4.I "stop_str".
func (t *Term) StopStr(ctx context.Context, msg string) {
	t.finalizeAndExit(ctx, 0, "stop %q", msg)
}

// ErrorStop implements spec.md §4.I "error_stop": finalize then exit with
// a nonzero code, defaulting to 1 when the caller's stopCode is 0 (STOP 0
// would otherwise be indistinguishable from success).
func (t *Term) ErrorStop(ctx context.Context, stopCode int) {
	code := stopCode
	if code == 0 {
		code = 1
	}
	t.finalizeAndExit(ctx, code, "error_stop(%d)", stopCode)
}

// ErrorStopStr implements spec.md §4.I "error_stop_str".
func (t *Term) ErrorStopStr(ctx context.Context, msg string) {
	t.finalizeAndExit(ctx, 1, "error stop %q", msg)
}

func (t *Term) finalizeAndExit(ctx context.Context, code int, format string, args ...interface{}) {
	corelog.Infof("term: "+format, args...)
	if err := t.rt.Finalize(ctx); err != nil {
		corelog.Warningf("term: finalize: %v", err)
	}
	t.exit(code)
}

// FailImage implements spec.md §4.I "fail_image": raise SIGKILL against
// this process. Intended only for failure-handling-mode test harnesses
// that need a peer to observe this image dying mid-run.
func (t *Term) FailImage() error {
	if err := t.kill(unix.Getpid(), syscall.SIGKILL); err != nil {
		return errors.Wrap(corerr.ErrTransport, err.Error())
	}
	return nil
}

// ImageStatus implements spec.md §4.I "image_status(i)": read slot i of
// the replicated status window under a shared lock. In failure-handling
// mode, first drain this image's alive-receive queue so a peer's death
// that hasn't yet been folded into the status window is observed before
// the read (spec.md §4.C's failure-detection probe).
func (t *Term) ImageStatus(ctx context.Context, imageIndex int) (corert.Status, error) {
	image := imageIndex - 1
	if t.rt.Cfg.FailureHandling {
		t.rt.Net.PollFailed()
	}
	return t.rt.ImageStatus(ctx, image)
}
