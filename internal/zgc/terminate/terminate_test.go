package terminate

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestTerminate_SingleWorker verifies a lone worker terminates at once.
func TestTerminate_SingleWorker(t *testing.T) {
	term := New()
	term.Reset(1)

	if !term.TryTerminate() {
		t.Fatal("TryTerminate() = false for the only worker")
	}
	if term.Working() != 0 {
		t.Errorf("Working = %d, want 0", term.Working())
	}
}

// TestTerminate_AllIdle verifies every worker agrees on termination once
// the last one goes idle.
func TestTerminate_AllIdle(t *testing.T) {
	const workers = 4
	term := New()
	term.Reset(workers)

	var terminated atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if term.TryTerminate() {
				terminated.Add(1)
			}
		}()
	}
	wg.Wait()

	if terminated.Load() != workers {
		t.Errorf("%d workers terminated, want %d", terminated.Load(), workers)
	}
}

// TestTerminate_WakeUp verifies a sleeping worker is woken to look for
// published work and then counts as working again.
func TestTerminate_WakeUp(t *testing.T) {
	term := New()
	term.Reset(2)

	result := make(chan bool, 1)
	go func() {
		result <- term.TryTerminate()
	}()

	// Wait until the first worker is idle.
	deadline := time.Now().Add(5 * time.Second)
	for term.Working() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("worker never went idle")
		}
		time.Sleep(time.Millisecond)
	}

	term.WakeUp()

	select {
	case terminated := <-result:
		if terminated {
			t.Fatal("woken worker reported termination")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("WakeUp() did not wake the idle worker")
	}
	if term.Working() != 2 {
		t.Errorf("Working = %d after wake-up, want 2", term.Working())
	}

	// Both now go idle for good.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !term.TryTerminate() {
				t.Error("TryTerminate() = false with no work left")
			}
		}()
	}
	wg.Wait()
}

// TestTerminate_WakeUpNoop verifies WakeUp does nothing when everyone is
// working or nobody is.
func TestTerminate_WakeUpNoop(t *testing.T) {
	term := New()
	term.Reset(3)

	term.WakeUp()
	if term.nawakening.Load() != 0 {
		t.Error("WakeUp() with everyone working registered a wake-up")
	}

	term.Reset(0)
	term.WakeUp()
	if term.nawakening.Load() != 0 {
		t.Error("WakeUp() with nobody working registered a wake-up")
	}
}

// TestTerminate_Leave verifies an aborting worker does not block the
// others from terminating.
func TestTerminate_Leave(t *testing.T) {
	term := New()
	term.Reset(2)

	done := make(chan bool, 1)
	go func() { done <- term.TryTerminate() }()

	for term.Working() != 1 {
		time.Sleep(time.Millisecond)
	}
	term.Leave()

	select {
	case ok := <-done:
		if !ok {
			t.Error("waiting worker did not terminate after Leave")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Leave() did not release the waiting worker")
	}
}

// TestTerminate_Resurrected verifies Reset clears the flag.
func TestTerminate_Resurrected(t *testing.T) {
	term := New()
	term.SetResurrected(true)
	if !term.Resurrected() {
		t.Fatal("Resurrected() = false after SetResurrected(true)")
	}
	term.Reset(1)
	if term.Resurrected() {
		t.Error("Reset() kept the resurrected flag")
	}
}
