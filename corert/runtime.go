// Package corert is the lifecycle and failure manager of spec.md §4.C: the
// one runtime value that owns every singleton the rest of the CORE would
// otherwise reach through free globals (spec.md §9), threaded explicitly
// into xfer, refwalk, corasync, atomics, collective and term.
//
// Grounded on the teacher's ais.Runner/daemon bring-up (one struct owning
// every subsystem, Init/Stop lifecycle, a peer-failure watcher goroutine)
// and on xreg's registry-teardown-at-finalize ordering.
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package corert

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/NITIALODDS/OpenCoarrays/corecfg"
	"github.com/NITIALODDS/OpenCoarrays/corelog"
	"github.com/NITIALODDS/OpenCoarrays/token"
	"github.com/NITIALODDS/OpenCoarrays/transport"
)

// Status is the per-image status word of spec.md §3, replicated in a tiny
// dedicated window.
type Status int32

const (
	StatusRunning Status = iota
	StatusStopped
	StatusFailed
)

// StoppedSyncPayload is the out-of-band marker Finalize sends its peers and
// corasync.SyncImages checks arriving rendezvous payloads against (spec.md
// §4.F / §8 property 9: "if any received value equals STOPPED_IMAGE,
// promote the status to stopped"). It is two bytes, not one, so it can
// never be mistaken for an ordinary sync payload (always a single
// byte(thisImage)) no matter how many images are running.
var StoppedSyncPayload = []byte{0xFF, 0xFF}

// metrics are the Runtime's prometheus counters/gauges, grounded on the
// teacher's per-target request/error counter pattern, here retargeted from
// HTTP verbs to RMA operations and peer-failure events.
type metrics struct {
	windowsCreated prometheus.Counter
	putOps         prometheus.Counter
	getOps         prometheus.Counter
	barriers       prometheus.Counter
	peersFailed    prometheus.Gauge
}

func newMetrics(reg *prometheus.Registry) *metrics {
	m := &metrics{
		windowsCreated: prometheus.NewCounter(prometheus.CounterOpts{Name: "coarray_windows_created_total"}),
		putOps:         prometheus.NewCounter(prometheus.CounterOpts{Name: "coarray_put_ops_total"}),
		getOps:         prometheus.NewCounter(prometheus.CounterOpts{Name: "coarray_get_ops_total"}),
		barriers:       prometheus.NewCounter(prometheus.CounterOpts{Name: "coarray_barriers_total"}),
		peersFailed:    prometheus.NewGauge(prometheus.GaugeOpts{Name: "coarray_peers_failed"}),
	}
	reg.MustRegister(m.windowsCreated, m.putOps, m.getOps, m.barriers, m.peersFailed)
	return m
}

// Runtime is the single struct encapsulating every piece of mutable state
// spec.md §9 asks not to be a free global: the image-status window, the
// peer table, the token registry, the deferred-flush queue and the
// failure-recovery bookkeeping.
type Runtime struct {
	Net     transport.Network
	Tokens  *token.Registry
	Cfg     *corecfg.Config
	Flush   *transport.FlushQueue
	Locking transport.Locking
	Metrics *prometheus.Registry

	metrics *metrics
	epoch   uuid.UUID

	statusWindow transport.WindowID
	thisImage    int
	numImages    int
	peers        []int // every other image's index, excluding self

	ownsTransport bool

	mu         sync.Mutex
	numFailed  int
	localStat  Status
}

// Init brings up one image's Runtime (spec.md §4.C "Init"): assigns the
// image-status window, the peer table, the locking capability and (when
// cfg.NonBlockingPut) the deferred-flush queue. cfg.FailureHandling is not
// consulted here. ownsTransport is recorded on the Runtime and not
// otherwise used.
func Init(net transport.Network, cfg *corecfg.Config, ownsTransport bool) (*Runtime, error) {
	promReg := prometheus.NewRegistry()
	r := &Runtime{
		Net:           net,
		Tokens:        token.New(net),
		Cfg:           cfg,
		Metrics:       promReg,
		metrics:       newMetrics(promReg),
		epoch:         uuid.New(),
		thisImage:     net.ThisImage(),
		numImages:     net.NumImages(),
		ownsTransport: ownsTransport,
	}
	if cfg.Locking == corecfg.LockingLockAll {
		r.Locking = transport.LockAllFlush{}
	} else {
		r.Locking = transport.PerOpLocking{}
	}
	if cfg.NonBlockingPut {
		r.Flush = transport.NewFlushQueue(net)
	}

	for i := 0; i < r.numImages; i++ {
		if i != r.thisImage {
			r.peers = append(r.peers, i)
		}
	}

	m, err := r.Tokens.Register(int64(r.numImages)*4, token.KindData, nil)
	if err != nil {
		return nil, errors.Wrap(ErrAllocationFailure, err.Error())
	}
	r.statusWindow = m.Window
	r.metrics.windowsCreated.Inc()
	if err := r.setStatusLocked(StatusRunning); err != nil {
		return nil, errors.Wrap(ErrTransport, err.Error())
	}

	corelog.Infof("corert: image %d/%d initialized, epoch=%s", r.thisImage, r.numImages, r.epoch)
	return r, nil
}

// ThisImage and NumImages return transport.Network's 0-based image index
// and the image count unchanged. The ABI's 1-based indices are translated
// by the façades that accept them (term.ImageStatus, atomics and
// collective subtract 1; corasync.Lock stores index+1 as the lock holder),
// matching the teacher's internal-0-based/external-1-based split in its
// shard ownership tables.
func (r *Runtime) ThisImage() int { return r.thisImage }
func (r *Runtime) NumImages() int { return r.numImages }
func (r *Runtime) Peers() []int   { return append([]int(nil), r.peers...) }

func (r *Runtime) setStatusLocked(s Status) error {
	buf := make([]byte, 4)
	buf[3] = byte(s)
	return r.Net.Put(context.Background(), r.statusWindow, r.thisImage, int64(r.thisImage)*4, buf)
}

// LocalStatus returns this image's own status word without touching the
// transport.
func (r *Runtime) LocalStatus() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.localStat
}

// ImageStatus reads slot i of the replicated status window under a shared
// lock (spec.md §4.I "image_status"): `image_status(i)`.
func (r *Runtime) ImageStatus(ctx context.Context, image int) (Status, error) {
	if err := r.Locking.Lock(ctx, r.Net, r.statusWindow, image, false); err != nil {
		return 0, errors.Wrap(ErrTransport, err.Error())
	}
	defer func() { _ = r.Locking.Unlock(ctx, r.Net, r.statusWindow, image) }()
	buf, err := r.Net.Get(ctx, r.statusWindow, image, int64(image)*4, 4)
	if err != nil {
		return 0, errors.Wrap(ErrTransport, err.Error())
	}
	return Status(buf[3]), nil
}

// Finalize implements spec.md §4.C "Finalize": publish STOPPED to the
// status window, tell every peer via the reserved sync tag (so any peer
// blocked in sync_images learns of the stop), barrier, free every slave
// then master token, and drain and stop the flush queue. The transport
// itself is left as it is, whether or not this Runtime owns it.
func (r *Runtime) Finalize(ctx context.Context) error {
	r.mu.Lock()
	r.localStat = StatusStopped
	r.mu.Unlock()
	if err := r.setStatusLocked(StatusStopped); err != nil {
		corelog.Warningf("corert: finalize: publish stopped status: %v", err)
	}

	payload := StoppedSyncPayload
	for _, p := range r.peers {
		if err := r.Net.SendTagged(ctx, p, r.Cfg.SyncImagesTag, payload); err != nil {
			corelog.Warningf("corert: finalize: notify peer %d: %v", p, err)
		}
	}
	if err := r.Net.Barrier(ctx); err != nil {
		corelog.Warningf("corert: finalize: barrier: %v", err)
	}

	for _, s := range r.Tokens.Slaves() {
		if err := r.Tokens.DeregisterSlave(s); err != nil {
			corelog.Warningf("corert: finalize: deregister slave %d: %v", s.Handle, err)
		}
	}
	for _, m := range r.Tokens.Masters() {
		if err := r.Tokens.Deregister(m, token.FullDeregister); err != nil {
			corelog.Warningf("corert: finalize: deregister master %d: %v", m.Handle, err)
		}
	}

	if r.Flush != nil {
		r.Flush.Drain(ctx)
		r.Flush.Stop()
	}
	corelog.Infof("corert: image %d finalized, epoch=%s", r.thisImage, r.epoch)
	return nil
}

// RecordPut/RecordGet let xfer credit this Runtime's counters without xfer
// importing prometheus directly; xfer only needs to know it happened.
func (r *Runtime) RecordPut() { r.metrics.putOps.Inc() }
func (r *Runtime) RecordGet() { r.metrics.getOps.Inc() }
func (r *Runtime) RecordBarrier() { r.metrics.barriers.Inc() }
