package refwalk

import (
	"context"

	"github.com/pkg/errors"

	"github.com/NITIALODDS/OpenCoarrays/corerr"
	"github.com/NITIALODDS/OpenCoarrays/coty"
	"github.com/NITIALODDS/OpenCoarrays/transport"
)

// Locator names a position in the transport's address space: a window, the
// image that owns it, and a byte offset within it.
type Locator struct {
	Window transport.WindowID
	Image  int
	Offset int64
}

// Walker is the per-image reference-chain walker (spec.md §4.E), holding
// only the transport and the maximum rank it will plan a remote descriptor
// fetch for.
type Walker struct {
	net     transport.Network
	maxRank int
}

func New(net transport.Network, maxRank int) *Walker {
	return &Walker{net: net, maxRank: maxRank}
}

// planResult is everything pass 1 discovers.
type planResult struct {
	base     Locator
	arrayRef *ArrayRef
	dims     []sectionDim // one entry per ArrayRef.Dims, resolved against backing
	itemSize int64
	elemType coty.ElemType
	elemKind int
	hasType  bool // false when the chain has no ArrayRef node
}

// plan walks the chain once (spec.md §4.E "Pass 1 — planning"): follows
// every component pointer, and on the chain's one permitted array
// reference resolves each dimension against its backing bounds, either
// supplied directly (ArrayRef.StaticDims) or fetched remotely.
func (w *Walker) plan(ctx context.Context, base Locator, chain Chain) (planResult, error) {
	cur := base
	var res planResult
	res.base = base
	seenArray := false
	var itemSize int64

	for _, node := range chain {
		switch n := node.(type) {
		case ComponentRef:
			if n.TokenOffset > 0 {
				ptrBuf, err := w.net.Get(ctx, cur.Window, cur.Image, cur.Offset+n.Offset, 8)
				if err != nil {
					return planResult{}, errors.Wrap(corerr.ErrTransport, err.Error())
				}
				addr := beUint64(ptrBuf)
				if addr == 0 {
					return planResult{}, errors.Wrap(corerr.ErrInvalidReference, "dereferenced null pointer component")
				}
				cur = Locator{Window: w.net.DynamicWindow(), Image: cur.Image, Offset: int64(addr)}
			} else {
				cur.Offset += n.Offset
			}
			itemSize = n.ItemSize

		case ArrayRef:
			if seenArray {
				return planResult{}, corerr.ErrDoubleArrayReference
			}
			seenArray = true
			backing, elemType, elemKind, hasType, baseAddr, movedBase, err := w.resolveBacking(ctx, cur, n)
			if err != nil {
				return planResult{}, err
			}
			if movedBase {
				cur = Locator{Window: cur.Window, Image: cur.Image, Offset: int64(baseAddr)}
			}
			if len(n.Dims) != len(backing) {
				return planResult{}, errors.Wrap(corerr.ErrRankOutOfRange, "array-ref dim count does not match backing rank")
			}
			dims := make([]sectionDim, len(n.Dims))
			for i, d := range n.Dims {
				resolved, err := resolveSectionDim(d, backing[i])
				if err != nil {
					return planResult{}, err
				}
				dims[i] = resolved
			}
			ar := n
			res.arrayRef = &ar
			res.dims = dims
			itemSize = n.ItemSize
			res.elemType, res.elemKind, res.hasType = elemType, elemKind, hasType

		default:
			return planResult{}, errors.Wrap(corerr.ErrInvalidReference, "unknown reference-chain node type")
		}
	}

	res.itemSize = itemSize
	if !seenArray {
		res.base = cur // scalar leaf: the walked-to locator is the leaf itself
	} else {
		res.base = cur // array-ref base: section offsets are relative to here
	}
	return res, nil
}

// resolveBacking returns the backing bounds for every dimension of n. A
// static reference supplies them directly and leaves the walker positioned
// where the chain already pointed. A dynamic reference fetches a wire
// descriptor at cur.Offset+n.DescriptorOffset and reports its BaseAddr so
// plan can reposition the walker at the array's actual data (which may
// live elsewhere in the dynamic window than the descriptor itself).
func (w *Walker) resolveBacking(ctx context.Context, cur Locator, n ArrayRef) (dims []coty.Dim, elemType coty.ElemType, elemKind int, hasType bool, baseAddr uint64, movedBase bool, err error) {
	if n.StaticDims != nil {
		return n.StaticDims, n.StaticElemType, n.StaticElemKind, true, 0, false, nil
	}
	wireSize := coty.WireSize(w.maxRank)
	buf, err := w.net.Get(ctx, cur.Window, cur.Image, cur.Offset+n.DescriptorOffset, wireSize)
	if err != nil {
		return nil, 0, 0, false, 0, false, errors.Wrap(corerr.ErrTransport, err.Error())
	}
	var desc coty.Descriptor
	if err := desc.UnmarshalBinary(buf); err != nil {
		return nil, 0, 0, false, 0, false, errors.Wrap(corerr.ErrInvalidReference, err.Error())
	}
	if desc.Rank > w.maxRank {
		return nil, 0, 0, false, 0, false, corerr.ErrRankOutOfRange
	}
	return desc.Dims, desc.ElemType, desc.ElemKind, true, desc.BaseAddr, true, nil
}

// sectionDim is the resolved shape of one ArrayRef dimension: how many
// elements it selects (Extent), and how to map a 0-based selected index to
// a 0-based backing element index.
type sectionDim struct {
	extent        int64
	lower         int64 // backing-relative start, element units (arithmetic modes)
	step          int64 // backing-element stride between consecutive selected elements (arithmetic modes)
	vector        []int64
	backingStride int64 // the backing array's own per-dim element stride
}

func (d sectionDim) backingIndex(k int64) int64 {
	if d.vector != nil {
		return d.vector[k]
	}
	return d.lower + k*d.step
}

// resolveSectionDim maps one DimSelector onto its backing dimension,
// computing the selected extent and the rule for turning a 0-based
// selected index into a 0-based backing element index (spec.md §4.E's six
// dim-mode cases).
func resolveSectionDim(d DimSelector, backing coty.Dim) (sectionDim, error) {
	absStep := func(s int64) int64 {
		if s < 0 {
			return -s
		}
		return s
	}
	switch d.Mode {
	case DimSingle:
		return sectionDim{extent: 1, lower: d.Lower - backing.LowerBound, step: 1, backingStride: backing.Stride}, nil
	case DimRange:
		sect := coty.Dim{LowerBound: d.Lower, UpperBound: d.Upper, Stride: d.Stride}
		return sectionDim{extent: sect.Extent(), lower: d.Lower - backing.LowerBound, step: absStep(d.Stride), backingStride: backing.Stride}, nil
	case DimOpenStart:
		sect := coty.Dim{LowerBound: backing.LowerBound, UpperBound: d.Upper, Stride: d.Stride}
		return sectionDim{extent: sect.Extent(), lower: 0, step: absStep(d.Stride), backingStride: backing.Stride}, nil
	case DimOpenEnd:
		sect := coty.Dim{LowerBound: d.Lower, UpperBound: backing.UpperBound, Stride: d.Stride}
		return sectionDim{extent: sect.Extent(), lower: d.Lower - backing.LowerBound, step: absStep(d.Stride), backingStride: backing.Stride}, nil
	case DimFull:
		return sectionDim{extent: backing.Extent(), lower: 0, step: 1, backingStride: backing.Stride}, nil
	case DimVector:
		if len(d.VectorIdx) == 0 {
			return sectionDim{}, errors.Wrap(corerr.ErrInvalidReference, "vector dim has no indices")
		}
		rel := make([]int64, len(d.VectorIdx))
		for i, v := range d.VectorIdx {
			rel[i] = v - backing.LowerBound
		}
		return sectionDim{extent: int64(len(rel)), vector: rel, backingStride: backing.Stride}, nil
	default:
		return sectionDim{}, errors.Wrap(corerr.ErrInvalidReference, "unknown array-ref dim mode")
	}
}

func beUint64(buf []byte) uint64 {
	var v uint64
	for i := 0; i < 8 && i < len(buf); i++ {
		v = v<<8 | uint64(buf[i])
	}
	return v
}
