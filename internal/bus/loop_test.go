package bus

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLoop(t *testing.T) (*Loop, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancelCause(context.Background())
	l := NewLoop(ctx, cancel, slog.New(slog.NewTextHandler(io.Discard, nil)))
	go l.Run()
	return l, func() { cancel(nil) }
}

func TestDispatchRuns(t *testing.T) {
	l, stop := testLoop(t)
	defer stop()

	done := make(chan struct{})
	l.Dispatch(func() error {
		close(done)
		return nil
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatched function")
	}
}

func TestDispatchWaitReturnsValue(t *testing.T) {
	l, stop := testLoop(t)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := l.DispatchWait(ctx, func() (any, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.(int) != 42 {
		t.Fatalf("expected 42, got %v", v)
	}
}

func TestDispatchWaitHonorsCallerDeadline(t *testing.T) {
	l, stop := testLoop(t)
	defer stop()

	block := make(chan struct{})
	defer close(block)
	l.Dispatch(func() error {
		<-block
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := l.DispatchWait(ctx, func() (any, error) {
		return nil, nil
	})
	if err == nil {
		t.Fatalf("expected DispatchWait to return on caller deadline, not block forever")
	}
}

func TestScheduleTaskFiresOnce(t *testing.T) {
	l, stop := testLoop(t)
	defer stop()

	fired := make(chan struct{}, 2)
	l.ScheduleTask(func() error {
		fired <- struct{}{}
		return nil
	}, 10*time.Millisecond)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
	select {
	case <-fired:
		t.Fatal("one-shot timer fired twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestScheduleTaskCancel(t *testing.T) {
	l, stop := testLoop(t)
	defer stop()

	fired := make(chan struct{}, 1)
	h := l.ScheduleTask(func() error {
		fired <- struct{}{}
		return nil
	}, 20*time.Millisecond)
	h.Cancel()

	select {
	case <-fired:
		t.Fatal("cancelled timer must not fire")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestRepeatTaskFiresMultipleTimes(t *testing.T) {
	l, stop := testLoop(t)
	defer stop()

	count := make(chan struct{}, 10)
	l.RepeatTask(func() error {
		count <- struct{}{}
		return nil
	}, 10*time.Millisecond)

	for i := 0; i < 3; i++ {
		select {
		case <-count:
		case <-time.After(time.Second):
			t.Fatalf("repeat task only fired %d times", i)
		}
	}
}

func TestTimerWheelOrdersByDeadline(t *testing.T) {
	w := NewTimerWheel()
	var order []int
	now := time.Now()
	w.Schedule(now.Add(30*time.Millisecond), func() { order = append(order, 3) })
	w.Schedule(now.Add(10*time.Millisecond), func() { order = append(order, 1) })
	w.Schedule(now.Add(20*time.Millisecond), func() { order = append(order, 2) })

	time.Sleep(40 * time.Millisecond)
	w.FireDue()

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("expected firing order [1 2 3], got %v", order)
	}
}
