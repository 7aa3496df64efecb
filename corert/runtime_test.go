package corert

import (
	"context"
	"testing"

	"github.com/NITIALODDS/OpenCoarrays/corecfg"
	"github.com/NITIALODDS/OpenCoarrays/transport"
)

func newTestRuntimes(t *testing.T, n int, failureHandling bool) (*transport.SimCluster, []*Runtime) {
	t.Helper()
	cluster := transport.NewSimCluster(n)
	rts := make([]*Runtime, n)
	for i := 0; i < n; i++ {
		cfg := corecfg.Default()
		cfg.FailureHandling = failureHandling
		r, err := Init(cluster.Image(i), cfg, true)
		if err != nil {
			t.Fatalf("Init image %d: %v", i, err)
		}
		rts[i] = r
	}
	return cluster, rts
}

func TestInitAssignsPeerTableExcludingSelf(t *testing.T) {
	_, rts := newTestRuntimes(t, 3, false)
	for i, r := range rts {
		peers := r.Peers()
		if len(peers) != 2 {
			t.Fatalf("image %d: expected 2 peers, got %d", i, len(peers))
		}
		for _, p := range peers {
			if p == i {
				t.Fatalf("image %d: peer table includes self", i)
			}
		}
	}
}

func TestImageStatusReadsOwnRunningSlot(t *testing.T) {
	_, rts := newTestRuntimes(t, 2, false)
	st, err := rts[1].ImageStatus(context.Background(), 0)
	if err != nil {
		t.Fatalf("ImageStatus: %v", err)
	}
	if st != StatusRunning {
		t.Fatalf("ImageStatus(0) = %v, want StatusRunning", st)
	}
}

func TestFinalizePublishesStoppedAndTearsDownTokens(t *testing.T) {
	_, rts := newTestRuntimes(t, 2, false)
	if _, err := rts[0].Tokens.Register(8, 0, nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if len(rts[0].Tokens.Masters()) != 2 { // status window + the one just registered
		t.Fatalf("expected 2 live masters before finalize, got %d", len(rts[0].Tokens.Masters()))
	}
	if err := rts[0].Finalize(context.Background()); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if len(rts[0].Tokens.Masters()) != 0 {
		t.Fatalf("expected 0 live masters after finalize, got %d", len(rts[0].Tokens.Masters()))
	}
	if rts[0].LocalStatus() != StatusStopped {
		t.Fatalf("LocalStatus() = %v, want StatusStopped", rts[0].LocalStatus())
	}
}

func TestHandleFailureIsNoopWithoutFailureHandling(t *testing.T) {
	cluster, rts := newTestRuntimes(t, 2, false)
	cluster.Kill(1)
	if err := rts[0].HandleFailure(context.Background()); err != nil {
		t.Fatalf("HandleFailure: %v", err)
	}
	if rts[0].NumImages() != 2 {
		t.Fatalf("NumImages changed without failure handling enabled: %d", rts[0].NumImages())
	}
}

func TestHandleFailureShrinksAndReplacesOnDetectedFailure(t *testing.T) {
	cluster, rts := newTestRuntimes(t, 3, true)
	cluster.Kill(2)
	if err := rts[0].HandleFailure(context.Background()); err != nil {
		t.Fatalf("HandleFailure: %v", err)
	}
	if rts[0].NumImages() != 2 {
		t.Fatalf("NumImages after recovery = %d, want 2", rts[0].NumImages())
	}
	if len(rts[0].Peers()) != 1 {
		t.Fatalf("Peers after recovery = %v, want 1 entry", rts[0].Peers())
	}
}
