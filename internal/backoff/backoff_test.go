package backoff

import (
	"context"
	"errors"
	"io/fs"
	"testing"
	"time"
)

func TestDelay(t *testing.T) {
	p := Policy{Initial: 100 * time.Millisecond, Max: time.Second, Factor: 2, Jitter: 0.5}
	tests := []struct {
		attempt int
		r       float64
		want    time.Duration
	}{
		{1, 0, 100 * time.Millisecond},
		{2, 0, 200 * time.Millisecond},
		{3, 0, 400 * time.Millisecond},
		{1, 1, 150 * time.Millisecond},
		{5, 0, time.Second},
		{0, 0, 100 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := p.delayWithRand(tt.attempt, tt.r); got != tt.want {
			t.Errorf("delay(%d, %v) = %v, want %v", tt.attempt, tt.r, got, tt.want)
		}
	}
}

func TestRetryStopsOnPermanent(t *testing.T) {
	p := Policy{Attempts: 5, Initial: time.Millisecond, Max: time.Millisecond}
	calls := 0
	err := Retry(context.Background(), p, func(int) error {
		calls++
		return Permanent(fs.ErrNotExist)
	})
	if err != fs.ErrNotExist || calls != 1 {
		t.Fatalf("calls=%d err=%v", calls, err)
	}
}

func TestRetryRecoversFromTransientErrors(t *testing.T) {
	p := Policy{Attempts: 5, Initial: time.Millisecond, Max: time.Millisecond}
	var seen []int
	err := Retry(context.Background(), p, func(attempt int) error {
		seen = append(seen, attempt)
		if attempt < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil || len(seen) != 3 || seen[2] != 3 {
		t.Fatalf("attempts=%v err=%v", seen, err)
	}
}

func TestRetryReturnsLastError(t *testing.T) {
	p := Policy{Attempts: 2, Initial: time.Millisecond}
	calls := 0
	err := Retry(context.Background(), p, func(int) error {
		calls++
		return errors.New("still failing")
	})
	if err == nil || err.Error() != "still failing" || calls != 2 {
		t.Fatalf("calls=%d err=%v", calls, err)
	}
}

func TestRetryHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := Retry(ctx, ObjectStorePolicy(), func(int) error {
		calls++
		return nil
	})
	if !errors.Is(err, context.Canceled) || calls != 0 {
		t.Fatalf("calls=%d err=%v", calls, err)
	}
}

func TestSleep(t *testing.T) {
	if err := Sleep(context.Background(), 0); err != nil {
		t.Fatalf("Sleep(0) = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("Sleep on cancelled ctx = %v", err)
	}
}
