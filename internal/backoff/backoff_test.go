package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDelay(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{40, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := Delay(tt.attempt, cfg); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func fastConfig() Config {
	return Config{MaxRetries: 3, RetryDelay: time.Millisecond, MaxRetryDelay: 4 * time.Millisecond}
}

func TestRunSucceedsAfterFailures(t *testing.T) {
	var st State
	calls := 0
	err := Run(context.Background(), "test", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	}, fastConfig(), &st)

	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if st.Retries != 0 {
		t.Errorf("Retries = %d, want reset to 0", st.Retries)
	}
	if st.Total.Load() != 2 {
		t.Errorf("Total = %d, want 2", st.Total.Load())
	}
}

func TestRunExhausted(t *testing.T) {
	boom := errors.New("no device")
	calls := 0
	err := Run(context.Background(), "test", func(context.Context) error {
		calls++
		return boom
	}, fastConfig(), nil)

	if !errors.Is(err, ErrExhausted) || !errors.Is(err, boom) {
		t.Errorf("Run() error = %v, want ErrExhausted wrapping cause", err)
	}
	if calls != 4 {
		t.Errorf("calls = %d, want 4 (1 + 3 retries)", calls)
	}
}

func TestRunCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxRetries: 10, RetryDelay: time.Hour, MaxRetryDelay: time.Hour}

	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, "test", func(context.Context) error { return errors.New("down") }, cfg, nil)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}
