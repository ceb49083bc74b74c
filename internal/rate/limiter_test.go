package rate

import (
	"context"
	"testing"
	"time"
)

func TestMemoryLimiterWithinLimit(t *testing.T) {
	l := NewMemoryLimiter(3, time.Minute)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		ok, _, err := l.Allow(ctx, "203.0.113.1")
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("request %d denied, limit is 3", i)
		}
	}
	ok, retry, err := l.Allow(ctx, "203.0.113.1")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("fourth request admitted over a limit of 3")
	}
	if retry <= 0 || retry > time.Minute {
		t.Errorf("retry = %v, want (0, 1m]", retry)
	}
}

func TestMemoryLimiterKeysAreIndependent(t *testing.T) {
	l := NewMemoryLimiter(1, time.Minute)
	ctx := context.Background()

	if ok, _, _ := l.Allow(ctx, "a"); !ok {
		t.Fatal("first request for key a denied")
	}
	if ok, _, _ := l.Allow(ctx, "b"); !ok {
		t.Error("key b throttled by key a's window")
	}
	if ok, _, _ := l.Allow(ctx, "a"); ok {
		t.Error("second request for key a admitted over limit 1")
	}
}

func TestMemoryLimiterWindowReset(t *testing.T) {
	l := NewMemoryLimiter(1, time.Minute)
	ctx := context.Background()

	if ok, _, _ := l.Allow(ctx, "a"); !ok {
		t.Fatal("first request denied")
	}
	l.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if ok, _, _ := l.Allow(ctx, "a"); !ok {
		t.Error("window did not reset")
	}
}

func TestNoopLimiter(t *testing.T) {
	var l NoopLimiter
	for i := 0; i < 100; i++ {
		ok, _, err := l.Allow(context.Background(), "any")
		if err != nil || !ok {
			t.Fatal("noop limiter must always admit")
		}
	}
}
