package backoff

import (
	"context"
	"testing"
	"time"
)

func TestDelayGrowsExponentially(t *testing.T) {
	p := Policy{
		Initial: 100 * time.Millisecond,
		Max:     10 * time.Second,
		Factor:  2,
		Jitter:  0,
	}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{5, 1600 * time.Millisecond},
	}

	for _, tt := range tests {
		if got := p.delayWithRand(tt.attempt, 0.5); got != tt.want {
			t.Errorf("Delay(attempt=%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestDelayClampedToMax(t *testing.T) {
	p := Policy{
		Initial: 100 * time.Millisecond,
		Max:     500 * time.Millisecond,
		Factor:  2,
		Jitter:  0,
	}

	if got := p.delayWithRand(10, 0.9); got != 500*time.Millisecond {
		t.Errorf("Delay(attempt=10) = %v, want clamped 500ms", got)
	}
}

func TestDelayJitterAddsUpToFraction(t *testing.T) {
	p := Policy{
		Initial: 1 * time.Second,
		Max:     time.Minute,
		Factor:  2,
		Jitter:  0.5,
	}

	// random=0 → no jitter; random just under 1 → nearly +50%.
	if got := p.delayWithRand(1, 0); got != time.Second {
		t.Errorf("no-jitter delay = %v, want 1s", got)
	}
	got := p.delayWithRand(1, 0.999)
	if got <= time.Second || got > 1500*time.Millisecond {
		t.Errorf("jittered delay = %v, want within (1s, 1.5s]", got)
	}
}

func TestDelayZeroAttemptTreatedAsFirst(t *testing.T) {
	p := Default()
	if got, want := p.delayWithRand(0, 0), p.delayWithRand(1, 0); got != want {
		t.Errorf("Delay(0) = %v, want same as Delay(1) = %v", got, want)
	}
}

func TestSleepHonorsCancellation(t *testing.T) {
	p := Policy{
		Initial: time.Minute,
		Max:     time.Minute,
		Factor:  2,
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := p.Sleep(ctx, 1)
	if err == nil {
		t.Fatal("Sleep returned nil on cancelled context")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Sleep took %v after cancellation, want immediate return", elapsed)
	}
}

func TestSleepCompletes(t *testing.T) {
	p := Policy{
		Initial: 5 * time.Millisecond,
		Max:     5 * time.Millisecond,
		Factor:  1,
	}

	if err := p.Sleep(context.Background(), 1); err != nil {
		t.Errorf("Sleep = %v, want nil", err)
	}
}
