package invoker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		MaxElapsed:      200 * time.Millisecond,
	}
}

func TestRetrying_TransientErrorRetried(t *testing.T) {
	calls := 0
	inner := Func(func(ctx context.Context, req Request) (*Result, error) {
		calls++
		if calls < 3 {
			return nil, &ProviderError{Kind: KindRateLimited, Message: "slow down"}
		}
		return &Result{Output: "ok"}, nil
	})

	r := NewRetrying(inner, fastPolicy())
	res, err := r.Invoke(context.Background(), Request{Target: "model-a"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Output != "ok" {
		t.Errorf("got output %q, want ok", res.Output)
	}
	if calls != 3 {
		t.Errorf("got %d calls, want 3", calls)
	}
}

func TestRetrying_PermanentErrorNotRetried(t *testing.T) {
	calls := 0
	inner := Func(func(ctx context.Context, req Request) (*Result, error) {
		calls++
		return nil, &ProviderError{Kind: KindInvalidRequest, Message: "bad params"}
	})

	r := NewRetrying(inner, fastPolicy())
	_, err := r.Invoke(context.Background(), Request{})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("got %d calls, want 1 (no retry)", calls)
	}

	var perr *ProviderError
	if !errors.As(err, &perr) || perr.Kind != KindInvalidRequest {
		t.Errorf("error kind lost through retry wrapper: %v", err)
	}
}

func TestRetrying_NonProviderErrorNotRetried(t *testing.T) {
	calls := 0
	inner := Func(func(ctx context.Context, req Request) (*Result, error) {
		calls++
		return nil, errors.New("connection refused")
	})

	r := NewRetrying(inner, fastPolicy())
	if _, err := r.Invoke(context.Background(), Request{}); err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("got %d calls, want 1", calls)
	}
}

func TestRetrying_ContextCancelStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	inner := Func(func(ctx context.Context, req Request) (*Result, error) {
		cancel()
		return nil, &ProviderError{Kind: KindUnavailable, Message: "down"}
	})

	r := NewRetrying(inner, fastPolicy())
	if _, err := r.Invoke(ctx, Request{}); err == nil {
		t.Fatal("expected error after context cancel")
	}
}

func TestProviderError_Transient(t *testing.T) {
	tests := []struct {
		kind ErrorKind
		want bool
	}{
		{KindRateLimited, true},
		{KindUnavailable, true},
		{KindTimeout, true},
		{KindInvalidRequest, false},
		{KindAuth, false},
		{KindUnknown, false},
	}
	for _, tt := range tests {
		e := &ProviderError{Kind: tt.kind}
		if got := e.Transient(); got != tt.want {
			t.Errorf("%s.Transient() = %v, want %v", tt.kind, got, tt.want)
		}
	}
}
