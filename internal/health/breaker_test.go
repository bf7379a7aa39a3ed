package health

import "testing"

func TestBreakerOpensAfterFailureThreshold(t *testing.T) {
	b := NewBreaker(Config{FailureThreshold: 3, SuccessThreshold: 2})
	for i := 0; i < 2; i++ {
		b.RecordFailure()
		if b.State() != StateClosed {
			t.Fatalf("expected closed after %d failures, got %s", i+1, b.State())
		}
	}
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("expected open after 3rd consecutive failure, got %s", b.State())
	}
	if b.AllowAttempt() {
		t.Fatal("open breaker must reject attempts")
	}
}

func TestBreakerHalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	b := NewBreaker(Config{FailureThreshold: 1, SuccessThreshold: 2})
	b.RecordFailure() // closed -> open
	b.ResetTimeoutElapsed()
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half_open, got %s", b.State())
	}
	if !b.AllowAttempt() {
		t.Fatal("half_open breaker must allow one trial")
	}

	b.RecordSuccess()
	if b.State() != StateHalfOpen {
		t.Fatalf("expected still half_open after 1 success, got %s", b.State())
	}
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("expected closed after 2 consecutive successes, got %s", b.State())
	}
}

func TestBreakerHalfOpenReopensOnFailure(t *testing.T) {
	b := NewBreaker(Config{FailureThreshold: 1, SuccessThreshold: 2})
	b.RecordFailure()
	b.ResetTimeoutElapsed()
	b.RecordFailure() // single failed trial reopens immediately
	if b.State() != StateOpen {
		t.Fatalf("expected open after half_open trial failure, got %s", b.State())
	}
}

func TestResetTimeoutElapsedNoopWhenNotOpen(t *testing.T) {
	b := NewBreaker(Config{})
	b.ResetTimeoutElapsed()
	if b.State() != StateClosed {
		t.Fatalf("expected closed breaker to stay closed, got %s", b.State())
	}
}
