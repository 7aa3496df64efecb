// Package collective implements spec.md §4.H: co_sum/co_min/co_max as
// co_reduce over the transport's built-in operators, co_broadcast, and the
// by_value/by_reference shims that adapt a user-defined combining function
// to the transport's custom-op mechanism. Grounded on xfer's contiguous
// fast-path/per-element fallback split (coty.Descriptor.IsContiguous
// decides which one applies) generalized from "move bytes between two
// descriptors" to "combine one array's bytes across every image".
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package collective

import (
	"context"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/NITIALODDS/OpenCoarrays/corerr"
	"github.com/NITIALODDS/OpenCoarrays/coty"
	"github.com/NITIALODDS/OpenCoarrays/transport"
	"github.com/NITIALODDS/OpenCoarrays/xfer"
)

// BuiltinOp selects one of the transport's three built-in reduction
// operators (spec.md §4.H: "co_sum/co_min/co_max are co_reduce with the
// transport's built-in operators").
type BuiltinOp int

const (
	OpSum BuiltinOp = iota
	OpMin
	OpMax
)

func (o BuiltinOp) reduceOp() transport.ReduceOp {
	switch o {
	case OpMin:
		return transport.ReduceMin
	case OpMax:
		return transport.ReduceMax
	default:
		return transport.ReduceSum
	}
}

// resultImageAll mirrors transport's internal sentinel for "every image
// gets the reduced value"; it is not exported by transport, so this
// package keeps its own copy of the same value alongside the ABI
// translation that produces it (spec.md §4.H: "result_image == 0 meaning
// all-reduce").
const resultImageAll = -1

// resolveResultImage maps the ABI's result_image convention onto the
// transport's 0-based indexing plus the all-reduce sentinel.
func resolveResultImage(resultImageIndex int) int {
	if resultImageIndex == 0 {
		return resultImageAll
	}
	return resultImageIndex - 1
}

// Collective bundles the transport handle a co_* call needs, scoped to one
// image (spec.md §9: no free globals).
type Collective struct {
	net transport.Network
}

func New(net transport.Network) *Collective {
	return &Collective{net: net}
}

// Reduce implements co_reduce (spec.md §4.H): resolve the element
// datatype from desc, pack a non-contiguous section into scratch bytes
// with the same unravel xfer's per-element path uses, run one transport
// collective over the packed bytes, and return the reduced contiguous
// result. userOp overrides builtin when non-nil (a true co_reduce with a
// caller-defined operator); otherwise builtin picks the combinator.
func (c *Collective) Reduce(ctx context.Context, desc *coty.Descriptor, data []byte, elemType coty.ElemType, elemKind int, builtin BuiltinOp, userOp transport.UserOp, resultImageIndex int) ([]byte, error) {
	if desc.ElementCount() == 0 {
		return nil, nil // testable property 2: zero-count is a no-op, never touches the transport
	}

	combinator := userOp
	reduceOp := transport.ReduceUser
	if combinator == nil {
		fn, err := builtinCombinator(elemType, elemKind, builtin)
		if err != nil {
			return nil, err
		}
		combinator = fn
		reduceOp = builtin.reduceOp()
	}

	packed := data
	if !desc.IsContiguous() {
		packed = packSection(desc, data)
	}

	resultImage := resolveResultImage(resultImageIndex)
	out, err := c.net.Reduce(ctx, packed, int(desc.ElemByteSize), reduceOp, combinator, resultImage)
	if err != nil {
		return nil, errors.Wrap(corerr.ErrTransport, err.Error())
	}
	return out, nil
}

// Sum, Min and Max are co_sum/co_min/co_max (spec.md §4.H).
func (c *Collective) Sum(ctx context.Context, desc *coty.Descriptor, data []byte, elemType coty.ElemType, elemKind int, resultImageIndex int) ([]byte, error) {
	return c.Reduce(ctx, desc, data, elemType, elemKind, OpSum, nil, resultImageIndex)
}

func (c *Collective) Min(ctx context.Context, desc *coty.Descriptor, data []byte, elemType coty.ElemType, elemKind int, resultImageIndex int) ([]byte, error) {
	return c.Reduce(ctx, desc, data, elemType, elemKind, OpMin, nil, resultImageIndex)
}

func (c *Collective) Max(ctx context.Context, desc *coty.Descriptor, data []byte, elemType coty.ElemType, elemKind int, resultImageIndex int) ([]byte, error) {
	return c.Reduce(ctx, desc, data, elemType, elemKind, OpMax, nil, resultImageIndex)
}

// packSection gathers a strided section's bytes into a contiguous scratch
// buffer using the same row-major unravel xfer's per-element path walks,
// so the transport's collective sees one flat elemSize-strided array
// regardless of the source's own stride vector.
func packSection(desc *coty.Descriptor, data []byte) []byte {
	it := coty.NewStridedIter(desc, desc)
	out := make([]byte, it.Len()*desc.ElemByteSize)
	for {
		linear, srcOff, _, ok := it.Next()
		if !ok {
			break
		}
		copy(out[linear*desc.ElemByteSize:], data[srcOff:srcOff+desc.ElemByteSize])
	}
	return out
}

// builtinCombinator adapts one of the three built-in operators to
// transport.UserOp via xfer's kind tables, validating elemKind once up
// front since UserOp's signature has no room to surface a per-call decode
// error (spec.md §4.G's widest-type promotion discipline applies equally
// here: combine in a 64-bit lane, encode back to the caller's kind).
func builtinCombinator(elemType coty.ElemType, elemKind int, op BuiltinOp) (transport.UserOp, error) {
	switch elemType {
	case coty.Integer, coty.Logical:
		if _, err := xfer.DecodeInt(make([]byte, elemKind), elemKind); err != nil {
			return nil, err
		}
		return func(a, b []byte) []byte {
			av, _ := xfer.DecodeInt(a, elemKind)
			bv, _ := xfer.DecodeInt(b, elemKind)
			r := combineInt(av, bv, op)
			out, _ := xfer.EncodeInt(r, elemKind)
			return out
		}, nil
	case coty.Real:
		if _, err := xfer.DecodeFloat(make([]byte, elemKind), elemKind); err != nil {
			return nil, err
		}
		return func(a, b []byte) []byte {
			av, _ := xfer.DecodeFloat(a, elemKind)
			bv, _ := xfer.DecodeFloat(b, elemKind)
			r := combineFloat(av, bv, op)
			out, _ := xfer.EncodeFloat(r, elemKind)
			return out
		}, nil
	default:
		return nil, errors.Wrapf(corerr.ErrTypeConversionUnsupported, "co_reduce builtin op on %s", elemType)
	}
}

func combineInt(a, b int64, op BuiltinOp) int64 {
	switch op {
	case OpMin:
		if b < a {
			return b
		}
		return a
	case OpMax:
		if b > a {
			return b
		}
		return a
	default:
		return a + b
	}
}

func combineFloat(a, b float64, op BuiltinOp) float64 {
	switch op {
	case OpMin:
		if b < a {
			return b
		}
		return a
	case OpMax:
		if b > a {
			return b
		}
		return a
	default:
		return a + b
	}
}

// Broadcast implements co_broadcast (spec.md §4.H). isCharArray rejects
// CHARACTER arrays outright ("explicitly unsupported and must report so");
// a CHARACTER scalar broadcasts its length first so a real transport that
// requires matching buffer sizes across the communicator can size its
// receive before the payload broadcast.
func (c *Collective) Broadcast(ctx context.Context, data []byte, elemType coty.ElemType, isCharArray bool, sourceImageIndex int) ([]byte, error) {
	if elemType == coty.Character && isCharArray {
		return nil, errors.Wrap(corerr.ErrTypeConversionUnsupported, "co_broadcast: CHARACTER arrays unsupported")
	}
	source := sourceImageIndex - 1

	if elemType != coty.Character {
		out, err := c.net.Broadcast(ctx, data, source)
		if err != nil {
			return nil, errors.Wrap(corerr.ErrTransport, err.Error())
		}
		return out, nil
	}

	lenBuf := make([]byte, 8)
	if c.net.ThisImage() == source {
		binary.BigEndian.PutUint64(lenBuf, uint64(len(data)))
	}
	lenOut, err := c.net.Broadcast(ctx, lenBuf, source)
	if err != nil {
		return nil, errors.Wrap(corerr.ErrTransport, err.Error())
	}
	n := binary.BigEndian.Uint64(lenOut)

	payload := data
	if c.net.ThisImage() != source {
		payload = make([]byte, n)
	}
	out, err := c.net.Broadcast(ctx, payload, source)
	if err != nil {
		return nil, errors.Wrap(corerr.ErrTransport, err.Error())
	}
	return out, nil
}

// ByValue and ByReference both adapt a caller-supplied combining function
// to transport.UserOp (spec.md §4.H "two shims"). The serialized-byte-slice
// boundary between this package and transport.Network has no value/
// reference distinction to preserve, so both shims carry the same Go
// signature; ByReference additionally threads elemByteSize through so a
// CHARACTER operator can be told the committed datatype's extent (spec.md
// §4.H: "element size derived from the committed datatype's extent").
func ByValue(fn func(a, b []byte) []byte) transport.UserOp {
	return transport.UserOp(fn)
}

func ByReference(elemByteSize int64, fn func(a, b []byte, elemByteSize int64) []byte) transport.UserOp {
	return func(a, b []byte) []byte { return fn(a, b, elemByteSize) }
}

// Register names the custom-op registration step spec.md §4.H describes
// as a distinct mechanism; this repo's transport.Network takes a UserOp
// directly on each Reduce call rather than holding a persistent
// registration table, so Register is a documentation-level identity
// function for call sites that want to name the step explicitly.
func Register(op transport.UserOp) transport.UserOp { return op }
