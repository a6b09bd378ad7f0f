package redis

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

var errBackend = errors.New("backend down")

func TestBreakerPassesThroughWhileClosed(t *testing.T) {
	b := NewBreaker(3, 50*time.Millisecond)

	ran := 0
	for i := 0; i < 5; i++ {
		if err := b.Do(func() error { ran++; return nil }); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if ran != 5 {
		t.Fatalf("expected 5 executions, got %d", ran)
	}
	if b.State() != BreakerClosed {
		t.Fatalf("expected closed, got %v", b.State())
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker(3, time.Minute)

	for i := 0; i < 3; i++ {
		if err := b.Do(func() error { return errBackend }); !errors.Is(err, errBackend) {
			t.Fatalf("call %d: expected backend error, got %v", i, err)
		}
	}
	if b.State() != BreakerOpen {
		t.Fatalf("expected open after 3 failures, got %v", b.State())
	}

	ran := false
	err := b.Do(func() error { ran = true; return nil })
	if !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("expected ErrBreakerOpen, got %v", err)
	}
	if ran {
		t.Fatal("rejected call must not execute")
	}
}

func TestBreakerProbeClosesAfterCooldown(t *testing.T) {
	b := NewBreaker(2, 30*time.Millisecond)

	b.Do(func() error { return errBackend })
	b.Do(func() error { return errBackend })
	if b.State() != BreakerOpen {
		t.Fatal("expected open")
	}

	time.Sleep(40 * time.Millisecond)

	if err := b.Do(func() error { return nil }); err != nil {
		t.Fatalf("probe should run and succeed, got %v", err)
	}
	if b.State() != BreakerClosed {
		t.Fatalf("expected closed after successful probe, got %v", b.State())
	}
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	b := NewBreaker(2, 30*time.Millisecond)

	b.Do(func() error { return errBackend })
	b.Do(func() error { return errBackend })

	time.Sleep(40 * time.Millisecond)

	if err := b.Do(func() error { return errBackend }); !errors.Is(err, errBackend) {
		t.Fatalf("expected backend error from probe, got %v", err)
	}
	if b.State() != BreakerOpen {
		t.Fatalf("expected reopened, got %v", b.State())
	}

	// Still inside the new cooldown window.
	if err := b.Do(func() error { return nil }); !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("expected ErrBreakerOpen during cooldown, got %v", err)
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(3, time.Minute)

	b.Do(func() error { return errBackend })
	b.Do(func() error { return errBackend })
	b.Do(func() error { return nil })
	b.Do(func() error { return errBackend })
	b.Do(func() error { return errBackend })

	if b.State() != BreakerClosed {
		t.Fatalf("success should reset the streak, got %v", b.State())
	}
}

func TestBreakerReportsTransitions(t *testing.T) {
	b := NewBreaker(1, 30*time.Millisecond)

	var got []BreakerState
	b.OnStateChange = func(from, to BreakerState) {
		got = append(got, to)
	}

	b.Do(func() error { return errBackend })
	time.Sleep(40 * time.Millisecond)
	b.Do(func() error { return nil })

	want := []BreakerState{BreakerOpen, BreakerHalfOpen, BreakerClosed}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transition %d: expected %v, got %v", i, want[i], got[i])
		}
	}
}

func TestBacklogDropsOldestPastCap(t *testing.T) {
	p := &Publisher{}

	for i := 0; i < maxBacklog+10; i++ {
		p.deferSignals([]deferred{{payload: fmt.Sprintf("s%d", i)}})
	}

	if got := p.Backlog(); got != maxBacklog {
		t.Fatalf("expected backlog capped at %d, got %d", maxBacklog, got)
	}
	if p.backlog[0].payload != "s10" {
		t.Fatalf("expected oldest entries dropped, head is %q", p.backlog[0].payload)
	}
	if p.backlog[len(p.backlog)-1].payload != fmt.Sprintf("s%d", maxBacklog+9) {
		t.Fatalf("unexpected tail %q", p.backlog[len(p.backlog)-1].payload)
	}
}
