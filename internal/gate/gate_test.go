package gate

import (
	"testing"
	"time"
)

func TestForReturnsSingleton(t *testing.T) {
	ResetAll()
	a := For("localhost", 4403)
	b := For("localhost", 4403)
	if a != b {
		t.Fatal("For must return the same gate for the same host:port")
	}
	if c := For("localhost", 4404); c == a {
		t.Fatal("different ports must get different gates")
	}
}

func TestAcquireRelease(t *testing.T) {
	ResetAll()
	g := For("localhost", 4403)

	lease, ok := g.Acquire(0, "collector")
	if !ok {
		t.Fatal("first acquire should succeed")
	}
	if !g.IsLocked() {
		t.Fatal("gate should report locked while held")
	}
	if g.Holder() != "collector" {
		t.Fatalf("holder = %q, want collector", g.Holder())
	}

	// Non-blocking try while held must fail and count a timeout.
	if _, ok := g.Acquire(0, "gateway"); ok {
		t.Fatal("second acquire should fail while held")
	}

	lease.Release()
	lease.Release() // idempotent
	if g.IsLocked() {
		t.Fatal("gate should be free after release")
	}

	st := g.Stats()
	if st.TotalAcquisitions != 1 || st.TotalTimeouts != 1 || st.TotalReleases != 1 {
		t.Fatalf("stats = %+v, want acquisitions=1 timeouts=1 releases=1", st)
	}
	if st.HeldSeconds != nil {
		t.Fatal("held_seconds should be nil when free")
	}
}

func TestAcquireTimeoutAndHandoff(t *testing.T) {
	ResetAll()
	g := For("localhost", 4403)

	lease, _ := g.Acquire(0, "first")

	start := time.Now()
	if _, ok := g.Acquire(30*time.Millisecond, "second"); ok {
		t.Fatal("acquire should time out while held")
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Fatal("timed acquire returned before the timeout elapsed")
	}

	// Release in the background; a waiting acquire should win.
	go func() {
		time.Sleep(10 * time.Millisecond)
		lease.Release()
	}()
	l2, ok := g.Acquire(time.Second, "second")
	if !ok {
		t.Fatal("acquire should succeed once the holder releases")
	}
	l2.Release()
}
