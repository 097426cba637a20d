package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoRecoversPanic(t *testing.T) {
	s := New(context.Background())
	s.Go("boom", func(ctx context.Context) error { panic("kaboom") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if err == nil {
		t.Fatal("expected panic to surface as supervisor error")
	}
	if got := s.Counters().Panics; got != 1 {
		t.Fatalf("panics = %d, want 1", got)
	}
}

func TestGoRestartRestartsUntilCleanExit(t *testing.T) {
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond), WithPublishFirstError(true))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = s.Wait(ctx)
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
	if s.Err() == nil {
		t.Fatal("expected first error to be published")
	}
}

func TestCancelOnErrorCancelsContext(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true))
	s.Go("fails", func(ctx context.Context) error { return errors.New("fatal") })
	select {
	case <-s.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected supervisor context to be canceled")
	}
}
