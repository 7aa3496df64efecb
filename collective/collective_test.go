package collective

import (
	"context"
	"sync"
	"testing"

	"github.com/NITIALODDS/OpenCoarrays/coty"
	"github.com/NITIALODDS/OpenCoarrays/transport"
	"github.com/NITIALODDS/OpenCoarrays/xfer"
)

func intArray(vals []int64, kind int) []byte {
	out := make([]byte, len(vals)*kind)
	for i, v := range vals {
		b, _ := xfer.EncodeInt(v, kind)
		copy(out[i*kind:], b)
	}
	return out
}

func decodeIntArray(buf []byte, kind int) []int64 {
	n := len(buf) / kind
	out := make([]int64, n)
	for i := range out {
		v, _ := xfer.DecodeInt(buf[i*kind:(i+1)*kind], kind)
		out[i] = v
	}
	return out
}

// TestSumAllReduce covers spec.md §8 S5: co_sum on [1,2,3,4] replicated
// across 4 images with result_image=0 yields [4,8,12,16] on every image.
func TestSumAllReduce(t *testing.T) {
	n := 4
	cluster := transport.NewSimCluster(n)
	desc := &coty.Descriptor{Rank: 1, ElemByteSize: 4, ElemType: coty.Integer, ElemKind: 4,
		Dims: []coty.Dim{{LowerBound: 1, UpperBound: 4, Stride: 1}}}

	var wg sync.WaitGroup
	results := make([][]byte, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			c := New(cluster.Image(i))
			data := intArray([]int64{1, 2, 3, 4}, 4)
			out, err := c.Sum(context.Background(), desc, data, coty.Integer, 4, 0)
			if err != nil {
				t.Errorf("image %d Sum: %v", i, err)
				return
			}
			results[i] = out
		}()
	}
	wg.Wait()

	want := []int64{4, 8, 12, 16}
	for i, r := range results {
		got := decodeIntArray(r, 4)
		for j, w := range want {
			if got[j] != w {
				t.Fatalf("image %d result[%d] = %d, want %d", i, j, got[j], w)
			}
		}
	}
}

// TestMaxSingleResultImage covers result_image != 0: only the named image
// gets the reduced value, others get a zero-filled buffer.
func TestMaxSingleResultImage(t *testing.T) {
	n := 3
	cluster := transport.NewSimCluster(n)
	desc := &coty.Descriptor{Rank: 0, ElemByteSize: 8, ElemType: coty.Integer, ElemKind: 8}

	var wg sync.WaitGroup
	results := make([][]byte, n)
	wg.Add(n)
	vals := []int64{5, 9, 2}
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			c := New(cluster.Image(i))
			data, _ := xfer.EncodeInt(vals[i], 8)
			out, err := c.Max(context.Background(), desc, data, coty.Integer, 8, 2) // result_image=2 (1-based) -> internal image 1
			if err != nil {
				t.Errorf("image %d Max: %v", i, err)
				return
			}
			results[i] = out
		}()
	}
	wg.Wait()

	got1, _ := xfer.DecodeInt(results[1], 8)
	if got1 != 9 {
		t.Fatalf("image 1 (ABI result_image=2) got %d, want 9", got1)
	}
	for _, idx := range []int{0, 2} {
		for _, b := range results[idx] {
			if b != 0 {
				t.Fatalf("image %d expected zero-filled buffer, got %v", idx, results[idx])
			}
		}
	}
}

// TestBroadcastCharacterScalarLengthThenPayload covers spec.md §4.H's
// CHARACTER scalar broadcast sequencing.
func TestBroadcastCharacterScalarLengthThenPayload(t *testing.T) {
	n := 3
	cluster := transport.NewSimCluster(n)
	payload := []byte("hello")

	var wg sync.WaitGroup
	results := make([][]byte, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			c := New(cluster.Image(i))
			var data []byte
			if i == 1 { // source is ABI image 2 (0-based 1)
				data = payload
			}
			out, err := c.Broadcast(context.Background(), data, coty.Character, false, 2)
			if err != nil {
				t.Errorf("image %d Broadcast: %v", i, err)
				return
			}
			results[i] = out
		}()
	}
	wg.Wait()

	for i, r := range results {
		if string(r) != "hello" {
			t.Fatalf("image %d got %q, want %q", i, r, "hello")
		}
	}
}

// TestBroadcastCharacterArrayUnsupported covers the explicit rejection of
// CHARACTER arrays for co_broadcast.
func TestBroadcastCharacterArrayUnsupported(t *testing.T) {
	cluster := transport.NewSimCluster(2)
	c := New(cluster.Image(0))
	_, err := c.Broadcast(context.Background(), []byte("ab"), coty.Character, true, 1)
	if err == nil {
		t.Fatal("expected CHARACTER array broadcast to be rejected")
	}
}

// TestReduceZeroCountIsNoOp covers testable property 2: a zero-extent
// array never touches the transport.
func TestReduceZeroCountIsNoOp(t *testing.T) {
	cluster := transport.NewSimCluster(2)
	c := New(cluster.Image(0))
	desc := &coty.Descriptor{Rank: 1, ElemByteSize: 4, ElemType: coty.Integer, ElemKind: 4,
		Dims: []coty.Dim{{LowerBound: 1, UpperBound: 0, Stride: 1}}}
	out, err := c.Sum(context.Background(), desc, nil, coty.Integer, 4, 0)
	if err != nil {
		t.Fatalf("zero-count Sum: %v", err)
	}
	if out != nil {
		t.Fatalf("expected nil result for zero-count reduce, got %v", out)
	}
}

// TestStridedSectionPacksBeforeReduce covers the non-contiguous per-element
// fallback: a section with stride 2 over an 8-element source still reduces
// element-by-element using the same unravel as the transfer engine.
func TestStridedSectionPacksBeforeReduce(t *testing.T) {
	n := 2
	cluster := transport.NewSimCluster(n)
	desc := &coty.Descriptor{Rank: 1, ElemByteSize: 4, ElemType: coty.Integer, ElemKind: 4,
		Dims: []coty.Dim{{LowerBound: 1, UpperBound: 7, Stride: 2}}} // picks elements 0,2,4,6

	source := intArray([]int64{10, 99, 20, 99, 30, 99, 40, 99}, 4)
	var wg sync.WaitGroup
	results := make([][]byte, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			c := New(cluster.Image(i))
			out, err := c.Sum(context.Background(), desc, source, coty.Integer, 4, 0)
			if err != nil {
				t.Errorf("image %d Sum: %v", i, err)
				return
			}
			results[i] = out
		}()
	}
	wg.Wait()

	want := []int64{20, 40, 60, 80}
	for i, r := range results {
		got := decodeIntArray(r, 4)
		for j, w := range want {
			if got[j] != w {
				t.Fatalf("image %d result[%d] = %d, want %d", i, j, got[j], w)
			}
		}
	}
}

func TestByValueAndByReferenceShims(t *testing.T) {
	concat := ByValue(func(a, b []byte) []byte { return append(append([]byte(nil), a...), b...) })
	if got := string(concat([]byte("a"), []byte("b"))); got != "ab" {
		t.Fatalf("ByValue combinator = %q, want %q", got, "ab")
	}

	byRef := ByReference(4, func(a, b []byte, elemByteSize int64) []byte {
		if int64(len(a)) != elemByteSize {
			t.Fatalf("ByReference did not thread elemByteSize: len(a)=%d want %d", len(a), elemByteSize)
		}
		return a
	})
	_ = byRef(make([]byte, 4), make([]byte, 4))
}

func TestRegisterIsIdentity(t *testing.T) {
	op := ByValue(func(a, b []byte) []byte { return append([]byte(nil), a...) })
	registered := Register(op)
	got := registered([]byte("x"), []byte("y"))
	if string(got) != "x" {
		t.Fatalf("Register(op) behaved differently than op: got %q", got)
	}
}
