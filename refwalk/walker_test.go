package refwalk

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/NITIALODDS/OpenCoarrays/coty"
	"github.com/NITIALODDS/OpenCoarrays/transport"
)

func beEncode(v uint64) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, v)
	return out
}

// TestGetByRefAllocatableComponent mirrors spec.md §8 scenario S6: a
// derived-type object on image 0 holds one allocatable rank-2 INTEGER*8
// component, reached from image 1 via get_by_ref. The destination starts
// unassociated (rank 0) and must come back reallocated to the component's
// actual extents and contents.
func TestGetByRefAllocatableComponent(t *testing.T) {
	cluster := transport.NewSimCluster(2)
	owner := cluster.Image(0)
	caller := cluster.Image(1)
	ctx := context.Background()

	const dim0, dim1 = 2, 3
	data := make([]byte, dim0*dim1*8)
	for i1 := 0; i1 < dim1; i1++ {
		for i0 := 0; i0 < dim0; i0++ {
			linear := i0 + i1*dim0
			binary.BigEndian.PutUint64(data[linear*8:], uint64((i0+1)*10+(i1+1)))
		}
	}
	dataAddr := owner.Attach(data)

	desc := &coty.Descriptor{
		BaseAddr:     dataAddr,
		ElemByteSize: 8,
		ElemType:     coty.Integer,
		ElemKind:     8,
		Rank:         2,
		Dims: []coty.Dim{
			{LowerBound: 1, UpperBound: dim0, Stride: 1},
			{LowerBound: 1, UpperBound: dim1, Stride: dim0},
		},
	}
	descBytes, err := desc.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal descriptor: %v", err)
	}
	descAddr := owner.Attach(descBytes)

	objWin, err := owner.CreateWindow(ctx, 8)
	if err != nil {
		t.Fatalf("create window: %v", err)
	}
	if err := owner.Put(ctx, objWin, 0, 0, beEncode(descAddr)); err != nil {
		t.Fatalf("put pointer slot: %v", err)
	}

	chain := Chain{
		ComponentRef{Offset: 0, TokenOffset: 1, ItemSize: 8},
		ArrayRef{
			Dims: []DimSelector{
				{Mode: DimFull},
				{Mode: DimFull},
			},
			ItemSize:         8,
			DescriptorOffset: 0,
		},
	}

	w := New(caller, 15)
	dst := &coty.Descriptor{ElemByteSize: 8, ElemType: coty.Integer, ElemKind: 8, Rank: 0}
	out, outDesc, err := w.GetByRef(ctx, objWin, 0, 0, chain, dst, coty.Integer, 8, true)
	if err != nil {
		t.Fatalf("GetByRef: %v", err)
	}
	if outDesc.Rank != 2 {
		t.Fatalf("rank = %d, want 2", outDesc.Rank)
	}
	if outDesc.Dims[0].Extent() != dim0 || outDesc.Dims[1].Extent() != dim1 {
		t.Fatalf("extents = %v, want [%d %d]", outDesc.Dims, dim0, dim1)
	}
	if len(out) != len(data) {
		t.Fatalf("len(out) = %d, want %d", len(out), len(data))
	}
	for i := range data {
		if out[i] != data[i] {
			t.Fatalf("byte %d = %d, want %d", i, out[i], data[i])
		}
	}
}

// TestGetByRefStaticArrayRefNeedsNoDescriptorFetch confirms a StaticDims
// ArrayRef resolves without ever issuing a remote descriptor Get: the
// backing window holds only raw element data, no descriptor bytes.
func TestGetByRefStaticArrayRefNeedsNoDescriptorFetch(t *testing.T) {
	cluster := transport.NewSimCluster(2)
	owner := cluster.Image(0)
	caller := cluster.Image(1)
	ctx := context.Background()

	data := []byte{0, 0, 0, 1, 0, 0, 0, 2, 0, 0, 0, 3, 0, 0, 0, 4}
	win, err := owner.CreateWindow(ctx, int64(len(data)))
	if err != nil {
		t.Fatalf("create window: %v", err)
	}
	if err := owner.Put(ctx, win, 0, 0, data); err != nil {
		t.Fatalf("put: %v", err)
	}

	chain := Chain{
		ArrayRef{
			Dims:           []DimSelector{{Mode: DimFull}},
			ItemSize:       4,
			StaticDims:     []coty.Dim{{LowerBound: 1, UpperBound: 4, Stride: 1}},
			StaticElemType: coty.Integer,
			StaticElemKind: 4,
		},
	}

	w := New(caller, 15)
	dst := &coty.Descriptor{ElemByteSize: 4, ElemType: coty.Integer, ElemKind: 4, Rank: 0}
	out, outDesc, err := w.GetByRef(ctx, win, 0, 0, chain, dst, coty.Integer, 4, true)
	if err != nil {
		t.Fatalf("GetByRef: %v", err)
	}
	if outDesc.Dims[0].Extent() != 4 {
		t.Fatalf("extent = %d, want 4", outDesc.Dims[0].Extent())
	}
	if len(out) != len(data) {
		t.Fatalf("len(out) = %d, want %d", len(out), len(data))
	}
	for i := range data {
		if out[i] != data[i] {
			t.Fatalf("byte %d = %d, want %d", i, out[i], data[i])
		}
	}
}

func TestPlanRejectsDoubleArrayReference(t *testing.T) {
	cluster := transport.NewSimCluster(1)
	net := cluster.Image(0)
	w := New(net, 15)

	ref := ArrayRef{
		Dims:           []DimSelector{{Mode: DimFull}},
		ItemSize:       4,
		StaticDims:     []coty.Dim{{LowerBound: 1, UpperBound: 4, Stride: 1}},
		StaticElemType: coty.Integer,
		StaticElemKind: 4,
	}
	chain := Chain{ref, ref}

	_, err := w.plan(context.Background(), Locator{Image: 0}, chain)
	if err == nil {
		t.Fatal("expected double-array-reference error, got nil")
	}
}

func TestIsPresentNullVsNonNullPointer(t *testing.T) {
	cluster := transport.NewSimCluster(2)
	owner := cluster.Image(0)
	caller := cluster.Image(1)
	ctx := context.Background()

	win, err := owner.CreateWindow(ctx, 16)
	if err != nil {
		t.Fatalf("create window: %v", err)
	}
	// offset 0: null pointer slot (left zeroed).
	payload := []byte{1, 2, 3, 4}
	addr := owner.Attach(payload)
	if err := owner.Put(ctx, win, 0, 8, beEncode(addr)); err != nil {
		t.Fatalf("put: %v", err)
	}

	w := New(caller, 15)

	nullChain := Chain{ComponentRef{Offset: 0, TokenOffset: 1, ItemSize: 8}}
	present, err := w.IsPresent(ctx, win, 0, 0, nullChain)
	if err != nil {
		t.Fatalf("IsPresent (null): %v", err)
	}
	if present {
		t.Fatal("expected not present for null pointer component")
	}

	presentChain := Chain{ComponentRef{Offset: 8, TokenOffset: 1, ItemSize: 8}}
	present, err = w.IsPresent(ctx, win, 0, 0, presentChain)
	if err != nil {
		t.Fatalf("IsPresent (non-null): %v", err)
	}
	if !present {
		t.Fatal("expected present for non-null pointer component")
	}
}
