package refwalk

import (
	"github.com/pkg/errors"

	"github.com/NITIALODDS/OpenCoarrays/corerr"
	"github.com/NITIALODDS/OpenCoarrays/coty"
)

// reconcileDestination implements spec.md §4.E's reallocation rule: a
// reallocatable destination is rebuilt, contiguous, to match wantDims
// exactly; a non-reallocatable one must already have matching extents on
// every dimension, else ErrNonReallocatableMismatch.
func reconcileDestination(dst *coty.Descriptor, wantDims []coty.Dim, elemType coty.ElemType, elemKind int, elemByteSize int64, reallocatable bool) (*coty.Descriptor, error) {
	if sameExtents(dst, wantDims) {
		return dst, nil
	}
	if !reallocatable {
		return nil, errors.Wrap(corerr.ErrNonReallocatableMismatch, "destination extents do not match the selected section")
	}
	out := &coty.Descriptor{
		ElemByteSize: elemByteSize,
		ElemType:     elemType,
		ElemKind:     elemKind,
		Rank:         len(wantDims),
		Dims:         make([]coty.Dim, len(wantDims)),
	}
	stride := int64(1)
	for i, d := range wantDims {
		out.Dims[i] = coty.Dim{LowerBound: d.LowerBound, UpperBound: d.UpperBound, Stride: stride}
		stride *= out.Dims[i].Extent()
	}
	return out, nil
}

func sameExtents(dst *coty.Descriptor, wantDims []coty.Dim) bool {
	if dst == nil || dst.Rank != len(wantDims) {
		return false
	}
	for i, d := range wantDims {
		if dst.Dims[i].Extent() != d.Extent() {
			return false
		}
	}
	return true
}
