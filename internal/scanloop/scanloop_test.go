package scanloop

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestRunExecutesUntilStopped(t *testing.T) {
	var calls atomic.Int32
	stopCh := make(chan struct{})
	done := make(chan struct{})

	go func() {
		Run(stopCh, time.Millisecond, 0, func() { calls.Add(1) })
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if calls.Load() < 3 {
		t.Fatalf("calls = %d, want at least 3", calls.Load())
	}

	close(stopCh)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
}

func TestRunDefaultsNonPositiveInterval(t *testing.T) {
	stopCh := make(chan struct{})
	done := make(chan struct{})
	go func() {
		Run(stopCh, 0, -time.Second, func() {})
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	close(stopCh)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
}
