package lanes

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestSessionLaneSerializes(t *testing.T) {
	s := NewScheduler(4)
	ctx := context.Background()

	var mu sync.Mutex
	inFlight := 0
	maxInFlight := 0

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := s.Acquire(ctx, "agent:main:cli")
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			mu.Lock()
			inFlight++
			if inFlight > maxInFlight {
				maxInFlight = inFlight
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			inFlight--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()

	if maxInFlight > 1 {
		t.Fatalf("session lane allowed %d concurrent holders", maxInFlight)
	}
}

func TestFIFOOrdering(t *testing.T) {
	s := NewScheduler(1)
	ctx := context.Background()

	first, err := s.Acquire(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 1; i <= 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			release, err := s.Acquire(ctx, "a")
			if err != nil {
				t.Errorf("acquire %d: %v", i, err)
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			release()
		}(i)
		// Give each goroutine time to enqueue before the next.
		time.Sleep(20 * time.Millisecond)
	}

	first()
	wg.Wait()

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("release order = %v, want [1 2 3]", order)
	}
}

func TestGlobalCapAcrossSessions(t *testing.T) {
	s := NewScheduler(2)
	ctx := context.Background()

	r1, err := s.Acquire(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	r2, err := s.Acquire(ctx, "s2")
	if err != nil {
		t.Fatal(err)
	}

	admitted := make(chan func(), 1)
	go func() {
		release, err := s.Acquire(ctx, "s3")
		if err != nil {
			return
		}
		admitted <- release
	}()

	select {
	case <-admitted:
		t.Fatal("third run admitted past global cap of 2")
	case <-time.After(50 * time.Millisecond):
	}

	r1()
	select {
	case release := <-admitted:
		release()
	case <-time.After(time.Second):
		t.Fatal("third run not admitted after a slot freed")
	}
	r2()
}

func TestAcquireCancellation(t *testing.T) {
	s := NewScheduler(4)
	bg := context.Background()

	release, err := s.Acquire(bg, "s")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(bg)
	done := make(chan error, 1)
	go func() {
		_, err := s.Acquire(ctx, "s")
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	if err := <-done; err != context.Canceled {
		t.Fatalf("Acquire = %v, want context.Canceled", err)
	}

	// The cancelled waiter must not leave the lane wedged.
	release()
	release2, err := s.Acquire(bg, "s")
	if err != nil {
		t.Fatalf("lane wedged after cancelled waiter: %v", err)
	}
	release2()
}

func TestReleaseIdempotent(t *testing.T) {
	s := NewScheduler(1)
	ctx := context.Background()

	release, err := s.Acquire(ctx, "s")
	if err != nil {
		t.Fatal(err)
	}
	release()
	release()

	again, err := s.Acquire(ctx, "other")
	if err != nil {
		t.Fatal(err)
	}
	again()

	if s.GlobalWaiting() != 0 {
		t.Fatalf("GlobalWaiting = %d", s.GlobalWaiting())
	}
}
