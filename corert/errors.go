// corert re-exports the shared §7 error taxonomy from corerr so call sites
// inside this package can write corert.ErrFailedImage etc. without an extra
// import; corerr itself is the single source of truth shared with xfer,
// refwalk, corasync, atomics, collective and term.
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package corert

import "github.com/NITIALODDS/OpenCoarrays/corerr"

type (
	Code = corerr.Code
	Stat = corerr.Stat
)

const (
	CodeOK              = corerr.CodeOK
	CodeGenericFailure  = corerr.CodeGenericFailure
	CodeStoppedImage    = corerr.CodeStoppedImage
	CodeFailedImage     = corerr.CodeFailedImage
	CodeDupSyncImages   = corerr.CodeDupSyncImages
	CodeMutexDeadlock   = corerr.CodeMutexDeadlock
)

var (
	ErrStoppedImage              = corerr.ErrStoppedImage
	ErrFailedImage                = corerr.ErrFailedImage
	ErrDuplicateSyncImage         = corerr.ErrDuplicateSyncImage
	ErrMutexSelfDeadlock          = corerr.ErrMutexSelfDeadlock
	ErrAllocationFailure          = corerr.ErrAllocationFailure
	ErrInvalidReference           = corerr.ErrInvalidReference
	ErrRankOutOfRange             = corerr.ErrRankOutOfRange
	ErrExtentOutOfRange           = corerr.ErrExtentOutOfRange
	ErrNonReallocatableMismatch   = corerr.ErrNonReallocatableMismatch
	ErrDoubleArrayReference       = corerr.ErrDoubleArrayReference
	ErrTypeConversionUnsupported  = corerr.ErrTypeConversionUnsupported
	ErrTransport                  = corerr.ErrTransport
)

var (
	CodeOf     = corerr.CodeOf
	PadMessage = corerr.PadMessage
	Report     = corerr.Report
)
