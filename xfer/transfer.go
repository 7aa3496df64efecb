// Package xfer is the transfer engine of spec.md §4.D: send, get and
// sendget on a master token, contiguous and strided, with character
// padding and numeric kind conversion folded into the element copy.
// Grounded on the teacher's put/get path in transport/send.go (the
// contiguous-fast-path-vs-iterate split, and issuing one lock/lookup
// around a batch rather than per byte).
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package xfer

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/NITIALODDS/OpenCoarrays/corecfg"
	"github.com/NITIALODDS/OpenCoarrays/corerr"
	"github.com/NITIALODDS/OpenCoarrays/coty"
	"github.com/NITIALODDS/OpenCoarrays/token"
	"github.com/NITIALODDS/OpenCoarrays/transport"
)

// Engine is the one per-image transfer engine threading a Network, a
// Locking capability and a deferred-flush queue through every RMA call
// (spec.md §9: no free globals).
type Engine struct {
	net     transport.Network
	locking transport.Locking
	flush   *transport.FlushQueue
	cfg     *corecfg.Config
}

// New builds a transfer engine. flush may be nil, in which case
// cfg.NonBlockingPut is treated as always-false regardless of its setting.
func New(net transport.Network, locking transport.Locking, flush *transport.FlushQueue, cfg *corecfg.Config) *Engine {
	return &Engine{net: net, locking: locking, flush: flush, cfg: cfg}
}

func (e *Engine) checkTarget(image int) error {
	for _, f := range e.net.PollFailed() {
		if f == image {
			return corerr.ErrFailedImage
		}
	}
	return nil
}

// Send copies src (described by srcDesc) into the window m on the given
// image at element offset, converting kind/type and padding CHARACTER as
// dstDesc dictates (spec.md §4.D.1, §4.D.3, §4.E case 4). mayRequireTemp
// asks the engine to stage through a scratch buffer when src and dst
// overlap the same local memory (self-send).
func (e *Engine) Send(ctx context.Context, m *token.Master, offset int64, image int, dstDesc, srcDesc *coty.Descriptor, src []byte, mayRequireTemp bool) error {
	if err := e.checkTarget(image); err != nil {
		return err
	}
	n := dstDesc.ElementCount()
	if n == 0 {
		return nil
	}
	byteOff := offset * dstDesc.ElemByteSize
	if image == e.net.ThisImage() {
		return e.localCopy(m.MemPtr, byteOff, dstDesc, src, srcDesc, mayRequireTemp)
	}

	if err := e.locking.Lock(ctx, e.net, m.Window, image, true); err != nil {
		return errors.Wrap(err, "xfer: send lock")
	}
	var err error
	if dstDesc.IsContiguous() && srcDesc.IsContiguous() && sameElemShape(dstDesc, srcDesc) {
		err = e.net.Put(ctx, m.Window, image, byteOff, src[:n*srcDesc.ElemByteSize])
	} else if e.cfg.StridedStrategy == corecfg.StrategyStructured {
		err = e.sendStructured(ctx, m, byteOff, image, dstDesc, srcDesc, src)
	} else {
		err = e.sendPerElement(ctx, m, byteOff, image, dstDesc, srcDesc, src)
	}
	if err != nil {
		_ = e.locking.Unlock(ctx, e.net, m.Window, image)
		return errors.Wrap(err, "xfer: send")
	}

	if e.cfg.NonBlockingPut && e.flush != nil {
		if err := e.locking.Unlock(ctx, e.net, m.Window, image); err != nil {
			return errors.Wrap(err, "xfer: send unlock")
		}
		e.flush.Defer(m.Window, image)
		return nil
	}
	if err := e.locking.Unlock(ctx, e.net, m.Window, image); err != nil {
		return errors.Wrap(err, "xfer: send unlock")
	}
	return e.locking.Flush(ctx, e.net, m.Window, image)
}

// Get fetches from the window m on image at element offset into dst
// (described by dstDesc), converting/padding as needed (spec.md §4.D.2).
func (e *Engine) Get(ctx context.Context, m *token.Master, offset int64, image int, dst []byte, dstDesc, srcDesc *coty.Descriptor) error {
	if err := e.checkTarget(image); err != nil {
		return err
	}
	n := dstDesc.ElementCount()
	if n == 0 {
		return nil
	}
	byteOff := offset * srcDesc.ElemByteSize
	if image == e.net.ThisImage() {
		return e.localCopy(dst, 0, dstDesc, m.MemPtr[byteOff:], srcDesc, true)
	}

	if err := e.locking.Lock(ctx, e.net, m.Window, image, false); err != nil {
		return errors.Wrap(err, "xfer: get lock")
	}
	defer func() { _ = e.locking.Unlock(ctx, e.net, m.Window, image) }()

	if dstDesc.IsContiguous() && srcDesc.IsContiguous() && sameElemShape(dstDesc, srcDesc) {
		buf, err := e.net.Get(ctx, m.Window, image, byteOff, n*srcDesc.ElemByteSize)
		if err != nil {
			return errors.Wrap(err, "xfer: get")
		}
		copy(dst, buf)
		return nil
	}
	if e.cfg.StridedStrategy == corecfg.StrategyStructured {
		return e.getStructured(ctx, m, byteOff, image, dst, dstDesc, srcDesc)
	}
	return e.getPerElement(ctx, m, byteOff, image, dst, dstDesc, srcDesc)
}

// SendGet fetches from src (on srcImage) and immediately sends the result
// to dst (on dstImage) without materializing more than one element-sized
// intermediate buffer (spec.md §4.D's sendget). Used when neither endpoint
// is the calling image.
func (e *Engine) SendGet(ctx context.Context, dstM *token.Master, dstOffset int64, dstImage int, dstDesc *coty.Descriptor,
	srcM *token.Master, srcOffset int64, srcImage int, srcDesc *coty.Descriptor) error {
	n := dstDesc.ElementCount()
	if n == 0 {
		return nil
	}
	tmp := make([]byte, n*srcDesc.ElemByteSize)
	if err := e.Get(ctx, srcM, srcOffset, srcImage, tmp, coty.NewScalar(srcDesc.ElemType, srcDesc.ElemKind, srcDesc.ElemByteSize), srcDesc); err != nil {
		return errors.Wrap(err, "xfer: sendget fetch")
	}
	flatSrc := flatDescriptor(srcDesc, n)
	return e.Send(ctx, dstM, dstOffset, dstImage, dstDesc, flatSrc, tmp, false)
}

// localCopy handles the same-image short circuit (spec.md §4.D.4): when
// src and dst may overlap, stage through a temp buffer first.
func (e *Engine) localCopy(dst []byte, dstByteOff int64, dstDesc *coty.Descriptor, src []byte, srcDesc *coty.Descriptor, mayRequireTemp bool) error {
	n := dstDesc.ElementCount()
	if mayRequireTemp {
		staged := make([]byte, n*srcDesc.ElemByteSize)
		copy(staged, src[:n*srcDesc.ElemByteSize])
		src = staged
	}
	it := coty.NewStridedIter(srcDesc, dstDesc)
	for {
		_, srcOff, dOff, ok := it.Next()
		if !ok {
			break
		}
		elem, err := convertElement(src[srcOff:srcOff+srcDesc.ElemByteSize], srcDesc, dstDesc)
		if err != nil {
			return err
		}
		copy(dst[dstByteOff+dOff:], elem)
	}
	return nil
}

// offsetPair is one linear element's resolved src/dst byte offsets, drained
// from a StridedIter up front so the fan-out below can issue the resulting
// per-element RMA calls concurrently (the iterator itself is not safe for
// concurrent Next calls).
type offsetPair struct{ srcOff, dstOff int64 }

func drainOffsets(it *coty.StridedIter) []offsetPair {
	out := make([]offsetPair, 0, it.Len())
	for {
		_, srcOff, dstOff, ok := it.Next()
		if !ok {
			return out
		}
		out = append(out, offsetPair{srcOff: srcOff, dstOff: dstOff})
	}
}

func (e *Engine) elemFanout() int {
	if e.cfg == nil || e.cfg.ElemFanout <= 0 {
		return 1
	}
	return e.cfg.ElemFanout
}

func (e *Engine) sendPerElement(ctx context.Context, m *token.Master, byteOff int64, image int, dstDesc, srcDesc *coty.Descriptor, src []byte) error {
	offsets := drainOffsets(coty.NewStridedIter(srcDesc, dstDesc))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.elemFanout())
	for _, off := range offsets {
		off := off
		g.Go(func() error {
			elem, err := convertElement(src[off.srcOff:off.srcOff+srcDesc.ElemByteSize], srcDesc, dstDesc)
			if err != nil {
				return err
			}
			return e.net.Put(gctx, m.Window, image, byteOff+off.dstOff, elem)
		})
	}
	return g.Wait()
}

// sendStructured gathers every element into one packed buffer first and
// issues a single Put, the way a committed MPI indexed/vector datatype
// would move the whole section in one RMA call (spec.md §4.D.5,
// StrategyStructured). The simulated transport cannot express true
// indexed datatypes, so "one call" here means one Put of the gathered
// bytes rather than one call carrying the original gaps; see DESIGN.md.
func (e *Engine) sendStructured(ctx context.Context, m *token.Master, byteOff int64, image int, dstDesc, srcDesc *coty.Descriptor, src []byte) error {
	n := dstDesc.ElementCount()
	packed := make([]byte, n*dstDesc.ElemByteSize)
	it := coty.NewStridedIter(srcDesc, dstDesc)
	for {
		linear, srcOff, _, ok := it.Next()
		if !ok {
			break
		}
		elem, err := convertElement(src[srcOff:srcOff+srcDesc.ElemByteSize], srcDesc, dstDesc)
		if err != nil {
			return err
		}
		copy(packed[linear*dstDesc.ElemByteSize:], elem)
	}
	return e.net.Put(ctx, m.Window, image, byteOff, packed)
}

func (e *Engine) getPerElement(ctx context.Context, m *token.Master, byteOff int64, image int, dst []byte, dstDesc, srcDesc *coty.Descriptor) error {
	offsets := drainOffsets(coty.NewStridedIter(srcDesc, dstDesc))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.elemFanout())
	for _, off := range offsets {
		off := off
		g.Go(func() error {
			raw, err := e.net.Get(gctx, m.Window, image, byteOff+off.srcOff, srcDesc.ElemByteSize)
			if err != nil {
				return err
			}
			elem, err := convertElement(raw, srcDesc, dstDesc)
			if err != nil {
				return err
			}
			copy(dst[off.dstOff:off.dstOff+dstDesc.ElemByteSize], elem)
			return nil
		})
	}
	return g.Wait()
}

func (e *Engine) getStructured(ctx context.Context, m *token.Master, byteOff int64, image int, dst []byte, dstDesc, srcDesc *coty.Descriptor) error {
	n := dstDesc.ElementCount()
	packed, err := e.net.Get(ctx, m.Window, image, byteOff, n*srcDesc.ElemByteSize)
	if err != nil {
		return err
	}
	it := coty.NewStridedIter(srcDesc, dstDesc)
	for {
		linear, _, dstOff, ok := it.Next()
		if !ok {
			return nil
		}
		raw := packed[linear*srcDesc.ElemByteSize : (linear+1)*srcDesc.ElemByteSize]
		elem, err := convertElement(raw, srcDesc, dstDesc)
		if err != nil {
			return err
		}
		copy(dst[dstOff:], elem)
	}
}

// convertElement applies CHARACTER padding/kind conversion or numeric kind
// conversion depending on the descriptors' element type (spec.md §4.E
// cases 1-4). Non-CHARACTER, non-convertible types (e.g. identical
// DERIVED layouts) pass through unchanged.
func convertElement(src []byte, srcDesc, dstDesc *coty.Descriptor) ([]byte, error) {
	if srcDesc.ElemType == coty.Character && dstDesc.ElemType == coty.Character {
		if srcDesc.ElemKind == dstDesc.ElemKind {
			if int64(len(src)) >= dstDesc.ElemByteSize {
				return src[:dstDesc.ElemByteSize], nil
			}
			return PadCharacterElement(src, int(dstDesc.ElemByteSize), dstDesc.ElemKind), nil
		}
		if srcDesc.ElemKind == 4 && dstDesc.ElemKind == 1 {
			narrow := NarrowChar4to1(src)
			if int64(len(narrow)) >= dstDesc.ElemByteSize {
				return narrow[:dstDesc.ElemByteSize], nil
			}
			return PadCharacterElement(narrow, int(dstDesc.ElemByteSize), dstDesc.ElemKind), nil
		}
		if srcDesc.ElemKind == 1 && dstDesc.ElemKind == 4 {
			wide := WidenChar1to4(src)
			if int64(len(wide)) >= dstDesc.ElemByteSize {
				return wide[:dstDesc.ElemByteSize], nil
			}
			return PadCharacterElement(wide, int(dstDesc.ElemByteSize), dstDesc.ElemKind), nil
		}
	}
	if srcDesc.ElemType == dstDesc.ElemType && srcDesc.ElemKind == dstDesc.ElemKind {
		return src, nil
	}
	return ConvertNumeric(src, srcDesc.ElemType, srcDesc.ElemKind, dstDesc.ElemType, dstDesc.ElemKind)
}

func sameElemShape(a, b *coty.Descriptor) bool {
	return a.ElemType == b.ElemType && a.ElemKind == b.ElemKind && a.ElemByteSize == b.ElemByteSize
}

func flatDescriptor(d *coty.Descriptor, n int64) *coty.Descriptor {
	return &coty.Descriptor{
		ElemByteSize: d.ElemByteSize,
		ElemType:     d.ElemType,
		ElemKind:     d.ElemKind,
		Rank:         1,
		Dims:         []coty.Dim{{LowerBound: 1, UpperBound: n, Stride: 1}},
	}
}
