// Package refwalk is the reference-chain walker of spec.md §4.E:
// get_by_ref/is_present traversal of component and array references across
// images, with dynamic remote-descriptor fetch and destination
// reallocation. Grounded on the teacher's recursive object-path resolver
// in cluster/lom_xattr.go (walk a chain of named segments, resolving one
// indirection at a time, planning before touching bytes).
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package refwalk

import "github.com/NITIALODDS/OpenCoarrays/coty"

// DimMode is the kind of one dimension's selector in an array reference
// (spec.md §4.E).
type DimMode int

const (
	DimSingle DimMode = iota
	DimRange
	DimOpenStart
	DimOpenEnd
	DimFull
	DimVector
)

func (m DimMode) String() string {
	switch m {
	case DimSingle:
		return "SINGLE"
	case DimRange:
		return "RANGE"
	case DimOpenStart:
		return "OPEN_START"
	case DimOpenEnd:
		return "OPEN_END"
	case DimFull:
		return "FULL"
	case DimVector:
		return "VECTOR"
	default:
		return "UNKNOWN"
	}
}

// DimSelector is one dimension of an ArrayRef. Lower/Upper/Stride are
// absolute backing-array element indices/strides for the modes that carry
// them explicitly (SINGLE, RANGE); OPEN_START only sets Upper/Stride,
// OPEN_END only sets Lower/Stride, FULL sets neither (all three modes take
// the missing bound(s) from the backing descriptor). VECTOR ignores
// Lower/Upper/Stride and uses VectorIdx, a list of absolute backing
// indices of a given integer kind (VectorKind, informational only — this
// walker always receives the indices already decoded to int64).
type DimSelector struct {
	Mode       DimMode
	Lower      int64
	Upper      int64
	Stride     int64
	VectorIdx  []int64
	VectorKind int
}

// Node is one link of a reference chain (spec.md §4.E).
type Node interface{ isRefNode() }

// ComponentRef follows a derived-type component. When TokenOffset > 0 the
// component is an allocatable/pointer: the walker fetches sizeof(pointer)
// bytes at Offset from the current window, treats the result as an
// address into the global dynamic window, and continues traversal there.
type ComponentRef struct {
	Offset      int64
	TokenOffset int64
	ItemSize    int64
}

func (ComponentRef) isRefNode() {}

// ArrayRef selects a (possibly strided, possibly scattered) section of the
// backing array reached at this point in the chain. At most one ArrayRef
// is permitted per chain (spec.md §4.E "double array reference").
//
// If StaticDims is non-nil it supplies the backing array's per-dimension
// bounds/stride directly (the "static array reference" case: the caller
// already knows the shape, so no remote descriptor fetch is needed) and
// StaticElemType/StaticElemKind name the backing element type the way the
// compiler-generated call site already knows it. If StaticDims is nil, the
// walker fetches a wire-format coty.Descriptor at DescriptorOffset first
// and takes type/kind from it instead.
type ArrayRef struct {
	Dims     []DimSelector
	ItemSize int64

	StaticDims     []coty.Dim
	StaticElemType coty.ElemType
	StaticElemKind int

	DescriptorOffset int64
}

func (ArrayRef) isRefNode() {}

// Chain is an ordered list of reference-chain nodes, root-to-leaf.
type Chain []Node
