// Package corerr is the shared error-kind taxonomy of spec.md §7: the
// sentinel errors every CORE component classifies its failures into, plus
// the Stat/Code convention public operations use to report them instead of
// terminating. Kept as its own leaf package so corert, xfer, refwalk,
// corasync, atomics, collective and term can all classify into the same
// set without importing one another.
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package corerr

import "github.com/pkg/errors"

// Code is one of the ABI status codes of spec.md §6.
type Code int

const (
	CodeOK             Code = 0
	CodeGenericFailure Code = 1
	CodeStoppedImage   Code = 2
	CodeFailedImage    Code = 3
	CodeDupSyncImages  Code = 4
	CodeMutexDeadlock  Code = 99
)

// The twelve error kinds of spec.md §7.
var (
	ErrStoppedImage             = errors.New("corerr: stopped image")
	ErrFailedImage              = errors.New("corerr: failed image")
	ErrDuplicateSyncImage       = errors.New("corerr: duplicate sync image")
	ErrMutexSelfDeadlock        = errors.New("corerr: already locked")
	ErrAllocationFailure        = errors.New("corerr: allocation failure")
	ErrInvalidReference         = errors.New("corerr: invalid reference")
	ErrRankOutOfRange           = errors.New("corerr: rank out of range")
	ErrExtentOutOfRange         = errors.New("corerr: extent out of range")
	ErrNonReallocatableMismatch = errors.New("corerr: non-reallocatable extent mismatch")
	ErrDoubleArrayReference     = errors.New("corerr: double array reference")
	ErrTypeConversionUnsupported = errors.New("corerr: type conversion unsupported")
	ErrTransport                = errors.New("corerr: transport error")
)

// CodeOf maps an error kind to its spec.md §6 status code.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrStoppedImage):
		return CodeStoppedImage
	case errors.Is(err, ErrFailedImage):
		return CodeFailedImage
	case errors.Is(err, ErrDuplicateSyncImage):
		return CodeDupSyncImages
	case errors.Is(err, ErrMutexSelfDeadlock):
		return CodeMutexDeadlock
	default:
		return CodeGenericFailure
	}
}

// Stat is the optional output parameter every public operation accepts
// (spec.md §7): when non-nil, recoverable errors are classified and
// written here with a space-padded message instead of terminating the
// image.
type Stat struct {
	Code   Code
	ErrMsg string
}

// PadMessage space-pads msg to width bytes (spec.md §4.B: "error message is
// written into the caller-provided buffer padded with spaces").
func PadMessage(msg string, width int) string {
	if len(msg) >= width {
		return msg[:width]
	}
	out := make([]byte, width)
	copy(out, msg)
	for i := len(msg); i < width; i++ {
		out[i] = ' '
	}
	return string(out)
}

// Report fills stat from err. Returns true when the caller may continue
// (a stat was provided and now carries the classification), false when the
// caller must terminate the image (spec.md §7: no stat provided means a
// recoverable error becomes fatal).
func Report(stat *Stat, err error, width int) bool {
	if err == nil {
		if stat != nil {
			stat.Code = CodeOK
		}
		return true
	}
	if stat == nil {
		return false
	}
	stat.Code = CodeOf(err)
	stat.ErrMsg = PadMessage(err.Error(), width)
	return true
}
