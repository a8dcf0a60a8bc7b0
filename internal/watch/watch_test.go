package watch

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestGetReturnsInitial(t *testing.T) {
	v := NewValue(uint64(7))
	if got := v.Get(); got != 7 {
		t.Fatalf("Get() = %d, want 7", got)
	}
}

func TestSubscribeReceivesCurrentFirst(t *testing.T) {
	v := NewValue(uint64(3))
	ch, cancel := v.Subscribe()
	defer cancel()

	select {
	case got := <-ch:
		if got != 3 {
			t.Fatalf("first receive = %d, want 3", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for initial value")
	}
}

func TestSetNotifiesSubscriber(t *testing.T) {
	v := NewValue(uint64(0))
	ch, cancel := v.Subscribe()
	defer cancel()

	<-ch // initial

	v.Set(42)

	select {
	case got := <-ch:
		if got != 42 {
			t.Fatalf("receive = %d, want 42", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for update")
	}
}

func TestSlowSubscriberSeesNewestValue(t *testing.T) {
	v := NewValue(uint64(0))
	ch, cancel := v.Subscribe()
	defer cancel()

	// Do not drain; every Set conflates with the pending notification.
	v.Set(1)
	v.Set(2)
	v.Set(3)

	select {
	case got := <-ch:
		if got != 3 {
			t.Fatalf("conflated receive = %d, want 3", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for conflated value")
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	v := NewValue(uint64(0))
	ch, cancel := v.Subscribe()
	<-ch
	cancel()
	cancel() // idempotent

	v.Set(9)

	if _, ok := <-ch; ok {
		t.Fatal("expected channel closed after cancel")
	}
}

func TestUpdatePublishesResult(t *testing.T) {
	v := NewValue(uint64(10))

	got := v.Update(func(cur uint64) uint64 { return cur + 5 })
	if got != 15 {
		t.Fatalf("Update returned %d, want 15", got)
	}
	if v.Get() != 15 {
		t.Fatalf("Get() = %d after update, want 15", v.Get())
	}
}

func TestWaitForReturnsWhenPredicateHolds(t *testing.T) {
	v := NewValue(uint64(0))

	var wg sync.WaitGroup
	wg.Add(1)
	var got uint64
	var waitErr error
	go func() {
		defer wg.Done()
		got, waitErr = v.WaitFor(context.Background(), func(cur uint64) bool { return cur >= 5 })
	}()

	v.Set(2)
	v.Set(5)
	wg.Wait()

	if waitErr != nil {
		t.Fatalf("WaitFor error: %v", waitErr)
	}
	if got != 5 {
		t.Fatalf("WaitFor = %d, want 5", got)
	}
}

func TestWaitForImmediateWhenAlreadySatisfied(t *testing.T) {
	v := NewValue(uint64(100))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	got, err := v.WaitFor(ctx, func(cur uint64) bool { return cur >= 50 })
	if err != nil {
		t.Fatalf("WaitFor error: %v", err)
	}
	if got != 100 {
		t.Fatalf("WaitFor = %d, want 100", got)
	}
}

func TestWaitForHonorsContext(t *testing.T) {
	v := NewValue(uint64(0))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := v.WaitFor(ctx, func(cur uint64) bool { return cur > 0 })
	if err != context.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestCloseDetachesSubscribers(t *testing.T) {
	v := NewValue(uint64(1))
	ch, cancel := v.Subscribe()
	defer cancel()
	<-ch

	v.Close()

	if _, ok := <-ch; ok {
		t.Fatal("expected channel closed after Close")
	}

	v.Set(9) // ignored
	if v.Get() != 1 {
		t.Fatalf("Get() = %d after close, want 1", v.Get())
	}

	ch2, cancel2 := v.Subscribe()
	defer cancel2()
	if _, ok := <-ch2; ok {
		t.Fatal("expected closed channel from Subscribe after Close")
	}
}

func TestConcurrentSetAndSubscribe(t *testing.T) {
	v := NewValue(uint64(0))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n uint64) {
			defer wg.Done()
			for j := uint64(0); j < 100; j++ {
				v.Update(func(cur uint64) uint64 { return cur + 1 })
			}
		}(uint64(i))
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, cancel := v.Subscribe()
			<-ch
			cancel()
		}()
	}
	wg.Wait()

	if v.Get() != 800 {
		t.Fatalf("Get() = %d after concurrent updates, want 800", v.Get())
	}
}
