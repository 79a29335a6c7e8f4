package infra

import (
	"testing"
	"time"
)

func TestExponential_Delay(t *testing.T) {
	b := NewExponential(time.Second, 2)

	exp := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 1024 * time.Second}
	attempts := []int{0, 1, 2, 3, 10}

	for i, attempt := range attempts {
		if got := b.Delay(attempt); got != exp[i] {
			t.Errorf("attempt %d: expected %s, got %s", attempt, exp[i], got)
		}
	}
}

func TestExponential_NegativeAttempt(t *testing.T) {
	b := NewExponential(500*time.Millisecond, 2)
	if got := b.Delay(-4); got != 500*time.Millisecond {
		t.Errorf("expected base delay, got %s", got)
	}
}

func TestBackoff_NextStaysWithinJitterAndCap(t *testing.T) {
	b := NewBackoff(time.Second, 10*time.Second, 2)

	for i := 0; i < 8; i++ {
		wait := b.Next()
		if wait < time.Second {
			t.Fatalf("attempt %d: %s is below the base delay", i, wait)
		}
		if wait > 12*time.Second {
			t.Fatalf("attempt %d: %s exceeds cap plus jitter", i, wait)
		}
	}

	if b.Attempts() != 8 {
		t.Errorf("expected 8 attempts, got %d", b.Attempts())
	}
}

func TestBackoff_Reset(t *testing.T) {
	b := NewBackoff(time.Second, time.Minute, 2)
	b.Next()
	b.Next()
	b.Reset()

	if b.Attempts() != 0 {
		t.Errorf("expected attempts to reset, got %d", b.Attempts())
	}
	if wait := b.Next(); wait > 1200*time.Millisecond {
		t.Errorf("expected the first delay after reset, got %s", wait)
	}
}
