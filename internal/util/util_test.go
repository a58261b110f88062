package util

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"barmirror/internal/domain"
)

func TestRetryPolicyRecovers(t *testing.T) {
	p := RetryPolicy{Attempts: 5}
	var seen []int
	n, err := p.Do(context.Background(), func(attempt int) error {
		seen = append(seen, attempt)
		if attempt < 3 {
			return errors.New("transient error")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do returned unexpected error: %v", err)
	}
	if n != 3 || len(seen) != 3 || seen[2] != 3 {
		t.Errorf("Do() attempts = %d, seen %v; want 3", n, seen)
	}
}

func TestRetryPolicyAllFail(t *testing.T) {
	p := RetryPolicy{Attempts: 3}
	calls := 0
	n, err := p.Do(context.Background(), func(int) error {
		calls++
		return errors.New("persistent error")
	})
	if err == nil {
		t.Fatal("Do should return error when all attempts fail")
	}
	if n != 3 || calls != 3 {
		t.Errorf("Do() = %d attempts, %d calls; want 3", n, calls)
	}
}

func TestRetryPolicyMultiplier(t *testing.T) {
	p := RetryPolicy{Attempts: 3, Delay: 5 * time.Millisecond, Multiplier: 3}
	start := time.Now()
	if _, err := p.Do(context.Background(), func(int) error { return errors.New("down") }); err == nil {
		t.Fatal("Do should fail")
	}
	// Pauses of 5ms then 15ms.
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("elapsed %v, want at least 20ms", elapsed)
	}
}

func TestRetryPolicyPermanent(t *testing.T) {
	p := RetryPolicy{Attempts: 3}
	n, err := p.Do(context.Background(), func(int) error {
		return Permanent(errors.New("bad token"))
	})
	if n != 1 {
		t.Errorf("attempts = %d, want 1 for permanent error", n)
	}
	if !IsPermanent(err) {
		t.Errorf("IsPermanent(%v) = false", err)
	}
	if err.Error() != "bad token" {
		t.Errorf("err = %q, want %q", err, "bad token")
	}
}

func TestRetryPolicyFixedDelay(t *testing.T) {
	p := RetryPolicy{Attempts: 3, Delay: 5 * time.Millisecond, Multiplier: 1}
	start := time.Now()
	n, err := p.Do(context.Background(), func(int) error { return errors.New("down") })
	if err == nil || n != 3 {
		t.Fatalf("Do() = (%d, %v), want (3, error)", n, err)
	}
	// Two pauses between three attempts.
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Errorf("elapsed %v, want at least 10ms", elapsed)
	}
}

func TestRetryPolicyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := RetryPolicy{Attempts: 3, Delay: time.Hour}

	n, err := p.Do(ctx, func(int) error {
		cancel()
		return errors.New("down")
	})
	if n != 1 {
		t.Errorf("attempts = %d, want 1 after cancellation", n)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestRateLimiterNew(t *testing.T) {
	rl := NewRateLimiter(60, 1)
	if rl == nil {
		t.Fatal("NewRateLimiter returned nil")
	}
	if NewRateLimiter(0, 5) != nil {
		t.Error("NewRateLimiter(0) should be unlimited (nil)")
	}
}

func TestRateLimiterNilNeverBlocks(t *testing.T) {
	var rl *RateLimiter
	for i := 0; i < 100; i++ {
		if err := rl.Wait(context.Background()); err != nil {
			t.Fatalf("Wait on nil limiter: %v", err)
		}
	}
}

func TestRateLimiterBurst(t *testing.T) {
	rl := NewRateLimiter(60, 3)
	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := rl.Wait(ctx); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("burst of 3 took %v, want immediate", elapsed)
	}

	// The fourth token is a second away; a short deadline must expire first.
	ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := rl.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait after burst = %v, want deadline exceeded", err)
	}
}

func TestTradingCalendar(t *testing.T) {
	d := func(day int) time.Time { return time.Date(2021, 1, day, 0, 0, 0, 0, time.UTC) }
	cal := NewTradingCalendar("SSE", []domain.CalendarDay{
		{Exchange: "SSE", Date: d(6), IsOpen: true},
		{Exchange: "SSE", Date: d(4), IsOpen: true},
		{Exchange: "SSE", Date: d(5), IsOpen: true},
		{Exchange: "SSE", Date: d(9), IsOpen: false},
		{Exchange: "SZSE", Date: d(8), IsOpen: true},
		{Exchange: "SSE", Date: d(11), IsOpen: true},
	})

	if cal.Len() != 4 {
		t.Fatalf("Len() = %d, want 4", cal.Len())
	}
	// 2021-01-08 belongs to another exchange and 2021-01-09 is closed.
	if got := cal.OpenDates(d(7), d(10)); len(got) != 0 {
		t.Errorf("OpenDates(7..10) = %v, want none", got)
	}
	if got := cal.OpenDates(d(5).Add(10*time.Hour), d(5)); len(got) != 1 {
		t.Errorf("OpenDates ignores the clock: got %v", got)
	}

	got := cal.OpenDates(d(5), d(10))
	if len(got) != 2 || !got[0].Equal(d(5)) || !got[1].Equal(d(6)) {
		t.Errorf("OpenDates(5..10) = %v", got)
	}

	if next, ok := cal.NextOpen(d(7)); !ok || !next.Equal(d(11)) {
		t.Errorf("NextOpen(7) = %v, %v; want 2021-01-11", next, ok)
	}
	if last, ok := cal.LatestOpen(d(10)); !ok || !last.Equal(d(6)) {
		t.Errorf("LatestOpen(10) = %v, %v; want 2021-01-06", last, ok)
	}
	if _, ok := cal.LatestOpen(d(1)); ok {
		t.Error("LatestOpen before calendar start should report false")
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log := NewLoggerTo(&buf, "warn", "text")
	log.Info("hidden")
	log.Warn("shown", "symbol", "000001.SZ")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info record should be filtered at warn level")
	}
	if !strings.Contains(out, "symbol=000001.SZ") {
		t.Errorf("text output missing attribute: %q", out)
	}

	buf.Reset()
	NewLoggerTo(&buf, "info", "json").Info("hello")
	if !strings.HasPrefix(buf.String(), "{") {
		t.Errorf("json handler output = %q", buf.String())
	}
}
