package transport

import "sync"

// rendezvous is a reusable N-way barrier-with-payload: every image calls
// join with its own contribution, the last arrival runs compute once over
// all contributions, and every caller (including the last) receives the
// computed result. It is how SimNetwork fakes a transport-level collective
// without a real message-passing library underneath.
//
// Single-flight: callers are expected to separate successive collectives on
// the same rendezvous with a barrier (collective's co_* wrappers add none
// themselves), since a slow reader of round K's result racing against round K+1's first
// contributor is not guarded here.
type rendezvous struct {
	mu   sync.Mutex
	data map[int][]byte
	resC chan struct{}
	res  []byte
}

func newRendezvous() *rendezvous {
	return &rendezvous{data: make(map[int][]byte), resC: make(chan struct{})}
}

func (r *rendezvous) join(n int, self int, payload []byte, compute func(map[int][]byte) []byte) []byte {
	r.mu.Lock()
	r.data[self] = payload
	if len(r.data) < n {
		ch := r.resC
		r.mu.Unlock()
		<-ch
		r.mu.Lock()
		res := r.res
		r.mu.Unlock()
		return res
	}
	res := compute(r.data)
	r.res = res
	r.data = make(map[int][]byte)
	ch := r.resC
	r.resC = make(chan struct{})
	r.mu.Unlock()
	close(ch)
	return res
}

// resultImageAll is the SimNetwork sentinel meaning "every image gets the
// reduced value" (spec.md §4.H: result_image == 0 means all-reduce at the
// public, 1-based API; collective.resolveResultImage translates 0 to this
// sentinel).
const resultImageAll = -1

func simCollective(c *SimCluster, self int, data []byte, elemSize int, op ReduceOp, userOp UserOp, resultImage int) ([]byte, error) {
	c.mu.Lock()
	r := c.reduceR
	if r == nil {
		r = newRendezvous()
		c.reduceR = r
	}
	c.mu.Unlock()

	res := r.join(c.numImg, self, data, func(all map[int][]byte) []byte {
		out := append([]byte(nil), all[0]...)
		for img := 1; img < c.numImg; img++ {
			contrib := all[img]
			for off := 0; off+elemSize <= len(out); off += elemSize {
				copy(out[off:off+elemSize], combineElem(out[off:off+elemSize], contrib[off:off+elemSize], op, userOp))
			}
		}
		return out
	})

	if resultImage == resultImageAll {
		return res, nil
	}
	if self == resultImage {
		return res, nil
	}
	return make([]byte, len(data)), nil
}

func combineElem(a, b []byte, op ReduceOp, userOp UserOp) []byte {
	if userOp != nil {
		return userOp(a, b)
	}
	av, bv := beUint64(a, 0), beUint64(b, 0)
	var r uint64
	switch op {
	case ReduceMin:
		r = av
		if bv < av {
			r = bv
		}
	case ReduceMax:
		r = av
		if bv > av {
			r = bv
		}
	default: // ReduceSum and anything else falls back to a sum of the raw lanes
		r = av + bv
	}
	out := make([]byte, len(a))
	putBeUint64(out, 0, r)
	return out
}

func simBroadcast(c *SimCluster, self int, data []byte, sourceImage int) ([]byte, error) {
	c.mu.Lock()
	r := c.bcastR
	if r == nil {
		r = newRendezvous()
		c.bcastR = r
	}
	c.mu.Unlock()

	payload := data
	if self != sourceImage {
		payload = nil
	}
	return r.join(c.numImg, self, payload, func(all map[int][]byte) []byte {
		return append([]byte(nil), all[sourceImage]...)
	}), nil
}
