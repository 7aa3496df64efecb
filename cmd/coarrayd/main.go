// Command coarrayd is a demonstration harness: it spins up N images over
// transport.SimCluster in-process, has them exercise every CORE operation
// group against each other (token registration, collective sync, atomics,
// reductions), and serves the first image's prometheus registry on
// -metrics-addr. It is not part of the CORE library; it exists to give the
// packages above a runnable end-to-end driver, the way the teacher's own
// daemon entrypoints wire its packages together behind a flag-parsed main.
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"sync"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/NITIALODDS/OpenCoarrays/atomics"
	"github.com/NITIALODDS/OpenCoarrays/collective"
	"github.com/NITIALODDS/OpenCoarrays/corasync"
	"github.com/NITIALODDS/OpenCoarrays/corecfg"
	"github.com/NITIALODDS/OpenCoarrays/corert"
	"github.com/NITIALODDS/OpenCoarrays/coty"
	"github.com/NITIALODDS/OpenCoarrays/term"
	"github.com/NITIALODDS/OpenCoarrays/token"
	"github.com/NITIALODDS/OpenCoarrays/transport"
	"github.com/NITIALODDS/OpenCoarrays/xfer"
)

var (
	numImages       = flag.Int("images", 4, "number of simulated images to run")
	metricsAddr     = flag.String("metrics-addr", ":9469", "address to serve image 0's prometheus registry on")
	failureHandling = flag.Bool("failure-handling", false, "enable the ALIVE_COMM probe and recovery state machine")
)

func main() {
	flag.Parse()
	defer glog.Flush()

	n := *numImages
	if n < 1 {
		glog.Exitf("coarrayd: -images must be >= 1, got %d", n)
	}

	cluster := transport.NewSimCluster(n)
	runtimes := make([]*corert.Runtime, n)
	for i := 0; i < n; i++ {
		cfg := corecfg.Default()
		cfg.FailureHandling = *failureHandling
		rt, err := corert.Init(cluster.Image(i), cfg, false)
		if err != nil {
			glog.Exitf("coarrayd: image %d init: %v", i, err)
		}
		runtimes[i] = rt
	}

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(runtimes[0].Metrics, promhttp.HandlerOpts{}))
		go func() {
			glog.Infof("coarrayd: serving image 0 metrics on %s", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				glog.Warningf("coarrayd: metrics server: %v", err)
			}
		}()
	}

	ctx := context.Background()
	var wg sync.WaitGroup
	sums := make([][]byte, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			sums[i] = runImage(ctx, i, cluster.Image(i), runtimes[i])
		}()
	}
	wg.Wait()

	for i, s := range sums {
		v, _ := xfer.DecodeInt(s, 8)
		glog.Infof("coarrayd: image %d co_sum result = %d", i, v)
	}

	exited := make(chan struct{})
	tm := term.New(runtimes[0], func(code int) { close(exited) }, nil)
	tm.StopNumeric(ctx, 0)
	<-exited

	fmt.Printf("coarrayd: %d images completed\n", n)
}

// runImage exercises token registration, a barrier, a counter atomic, and
// an all-reduce co_sum, returning the reduced bytes so main can print them
// once every image has finished.
func runImage(ctx context.Context, idx int, net transport.Network, rt *corert.Runtime) []byte {
	syncer := corasync.New(net, rt, rt.Cfg)
	if err := syncer.SyncAll(ctx, rt.Flush); err != nil {
		glog.Warningf("coarrayd: image %d SyncAll: %v", idx, err)
	}

	counter, err := rt.Tokens.Register(8, token.KindEvent, nil)
	if err != nil {
		glog.Warningf("coarrayd: image %d register counter: %v", idx, err)
		return nil
	}
	at := atomics.New(net)
	one, _ := xfer.EncodeInt(1, 8)
	if _, err := at.Op(ctx, counter.Window, idx+1, 0, one, atomics.OpAdd, coty.Integer, 8); err != nil {
		glog.Warningf("coarrayd: image %d atomic add: %v", idx, err)
	}
	if err := syncer.SyncAll(ctx, rt.Flush); err != nil {
		glog.Warningf("coarrayd: image %d post-atomic SyncAll: %v", idx, err)
	}

	desc := &coty.Descriptor{Rank: 0, ElemByteSize: 8, ElemType: coty.Integer, ElemKind: 8}
	data, _ := xfer.EncodeInt(int64(idx+1), 8)
	co := collective.New(net)
	out, err := co.Sum(ctx, desc, data, coty.Integer, 8, 0)
	if err != nil {
		glog.Warningf("coarrayd: image %d co_sum: %v", idx, err)
		return nil
	}
	return out
}
