// Pass 2 of spec.md §4.E's get_by_ref/is_present: walk the chain's plan
// result into concrete byte offsets, fetch or prove the leaf, and hand the
// element-wise conversion off to xfer so this package never duplicates the
// widest-type promotion table.
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package refwalk

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/NITIALODDS/OpenCoarrays/corerr"
	"github.com/NITIALODDS/OpenCoarrays/coty"
	"github.com/NITIALODDS/OpenCoarrays/transport"
	"github.com/NITIALODDS/OpenCoarrays/xfer"
)

// elemFanout bounds concurrent per-element Get calls during a GetByRef
// section copy (spec.md §9 "Strided descriptors" pass-2 fan-out).
const elemFanout = 8

// GetByRef walks chain from (rootWin, rootImage, rootOffset), fetches the
// selected section (scalar if chain carries no ArrayRef), converts every
// element from the chain's resolved type/kind to dst's, and returns the
// flattened destination bytes plus the descriptor dst ends up with.
//
// leafType/leafKind are the statically-declared type of the chain's final
// scalar component; they are only consulted when the chain has no ArrayRef
// node. A StaticDims ArrayRef names its own type (StaticElemType/
// StaticElemKind), and a dynamic one takes it from the fetched descriptor.
func (w *Walker) GetByRef(ctx context.Context, rootWin transport.WindowID, rootImage int, rootOffset int64, chain Chain, dst *coty.Descriptor, leafType coty.ElemType, leafKind int, reallocatable bool) ([]byte, *coty.Descriptor, error) {
	res, err := w.plan(ctx, Locator{Window: rootWin, Image: rootImage, Offset: rootOffset}, chain)
	if err != nil {
		return nil, nil, err
	}

	srcType, srcKind := leafType, leafKind
	if res.hasType {
		srcType, srcKind = res.elemType, res.elemKind
	}

	if res.arrayRef == nil {
		buf, err := w.net.Get(ctx, res.base.Window, res.base.Image, res.base.Offset, res.itemSize)
		if err != nil {
			return nil, nil, errors.Wrap(corerr.ErrTransport, err.Error())
		}
		out, err := convertElement(buf, srcType, srcKind, dst.ElemType, dst.ElemKind, int(dst.ElemByteSize))
		if err != nil {
			return nil, nil, err
		}
		return out, dst, nil
	}

	wantDims := make([]coty.Dim, len(res.dims))
	for i, d := range res.dims {
		wantDims[i] = coty.Dim{LowerBound: 1, UpperBound: d.extent, Stride: 1}
	}
	outDesc, err := reconcileDestination(dst, wantDims, dst.ElemType, dst.ElemKind, dst.ElemByteSize, reallocatable)
	if err != nil {
		return nil, nil, err
	}

	count := outDesc.ElementCount()
	out := make([]byte, count*outDesc.ElemByteSize)
	rank := len(res.dims)
	extents := make([]int64, rank)
	for i, d := range res.dims {
		extents[i] = d.extent
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(elemFanout)
	for linear := int64(0); linear < count; linear++ {
		linear := linear
		g.Go(func() error {
			rem := linear
			srcOff := res.base.Offset
			for dim := 0; dim < rank; dim++ {
				extent := extents[dim]
				sel := rem % extent
				rem /= extent
				backingIdx := res.dims[dim].backingIndex(sel)
				srcOff += backingIdx * res.dims[dim].backingStride * res.itemSize
			}
			buf, err := w.net.Get(gctx, res.base.Window, res.base.Image, srcOff, res.itemSize)
			if err != nil {
				return errors.Wrap(corerr.ErrTransport, err.Error())
			}
			elem, err := convertElement(buf, srcType, srcKind, outDesc.ElemType, outDesc.ElemKind, int(outDesc.ElemByteSize))
			if err != nil {
				return err
			}
			copy(out[linear*outDesc.ElemByteSize:(linear+1)*outDesc.ElemByteSize], elem)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return out, outDesc, nil
}

// IsPresent walks only the ComponentRef links of chain (an array-ref leaf
// has no pointer to test) and reports whether the final dereferenced
// address is non-null. A chain containing an ArrayRef is a programmer
// error the caller is expected never to construct for is_present.
func (w *Walker) IsPresent(ctx context.Context, rootWin transport.WindowID, rootImage int, rootOffset int64, chain Chain) (bool, error) {
	cur := Locator{Window: rootWin, Image: rootImage, Offset: rootOffset}
	for _, node := range chain {
		cr, ok := node.(ComponentRef)
		if !ok {
			return false, errors.Wrap(corerr.ErrInvalidReference, "is_present chain must contain only component references")
		}
		if cr.TokenOffset == 0 {
			cur.Offset += cr.Offset
			continue
		}
		ptrBuf, err := w.net.Get(ctx, cur.Window, cur.Image, cur.Offset+cr.Offset, 8)
		if err != nil {
			return false, errors.Wrap(corerr.ErrTransport, err.Error())
		}
		addr := beUint64(ptrBuf)
		if addr == 0 {
			return false, nil
		}
		cur = Locator{Window: w.net.DynamicWindow(), Image: cur.Image, Offset: int64(addr)}
	}
	return true, nil
}

// convertElement dispatches CHARACTER padding/narrowing/widening the way
// xfer.Engine does for a direct send/get, falling through to numeric kind
// conversion otherwise (spec.md §4.E cases 1-4).
func convertElement(src []byte, srcType coty.ElemType, srcKind int, dstType coty.ElemType, dstKind int, dstByteSize int) ([]byte, error) {
	if srcType == coty.Character && dstType == coty.Character {
		switch {
		case srcKind == dstKind:
			if len(src) >= dstByteSize {
				return src[:dstByteSize], nil
			}
			return xfer.PadCharacterElement(src, dstByteSize, dstKind), nil
		case srcKind == 4 && dstKind == 1:
			return xfer.PadCharacterElement(xfer.NarrowChar4to1(src), dstByteSize, dstKind), nil
		case srcKind == 1 && dstKind == 4:
			return xfer.PadCharacterElement(xfer.WidenChar1to4(src), dstByteSize, dstKind), nil
		}
	}
	if srcType == dstType && srcKind == dstKind && len(src) == dstByteSize {
		return src, nil
	}
	return xfer.ConvertNumeric(src, srcType, srcKind, dstType, dstKind)
}
