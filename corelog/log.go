// Package corelog wraps glog the way the teacher's 3rdparty/glog and
// cmn/debug packages do: leveled logging plus cheap assertions that are
// skipped when DebugBuild is false.
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package corelog

import (
	"fmt"
	"os"

	"github.com/golang/glog"
)

// DebugBuild gates Assert/AssertMsg the way cmn/debug's build-tagged
// constant does; flipped by build tooling outside the CORE's scope, so it
// defaults on here and is only ever set false by a test harness that wants
// the zero-cost release behavior exercised.
var DebugBuild = true

func Infof(format string, args ...interface{})    { glog.Infof(format, args...) }
func Warningf(format string, args ...interface{}) { glog.Warningf(format, args...) }
func Errorf(format string, args ...interface{})    { glog.Errorf(format, args...) }
func Infoln(args ...interface{})                  { glog.Infoln(args...) }

// Assert panics with a generic message when cond is false. Mirrors
// debug.Assert; a no-op when DebugBuild is false.
func Assert(cond bool) {
	if DebugBuild && !cond {
		panic("assertion failed")
	}
}

// AssertMsg panics with msg when cond is false.
func AssertMsg(cond bool, msg string) {
	if DebugBuild && !cond {
		panic("assertion failed: " + msg)
	}
}

// AssertNoErr panics when err is non-nil. Mirrors debug.AssertNoErr, used at
// call sites where the teacher treats an error as an invariant violation
// rather than a recoverable condition (e.g. a just-allocated buffer failing
// to size correctly).
func AssertNoErr(err error) {
	if DebugBuild && err != nil {
		panic(fmt.Sprintf("assertion failed: unexpected error: %v", err))
	}
}

// Fatalf logs and terminates the process immediately, for the teardown path
// corert takes when a fatal error has no stat to report into (spec.md §7).
func Fatalf(format string, args ...interface{}) {
	glog.Errorf(format, args...)
	glog.Flush()
	os.Exit(1)
}
