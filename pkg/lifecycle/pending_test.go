package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestGoResolves(t *testing.T) {
	p := Go(context.Background(), func(ctx context.Context) (int, error) {
		return 42, nil
	})
	v, err := p.Wait(context.Background())
	if err != nil || v != 42 {
		t.Fatalf("Got %d, %v", v, err)
	}
	select {
	case <-p.Done():
	default:
		t.Fatal("Done should be closed after Wait returned")
	}
}

func TestGoRecoversPanic(t *testing.T) {
	p := Go(context.Background(), func(ctx context.Context) (struct{}, error) {
		panic("boom")
	})
	if _, err := p.Wait(context.Background()); !errors.Is(err, ErrPanic) {
		t.Fatalf("Error is %v", err)
	}
}

func TestWaitHonorsContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	p := Go(context.Background(), func(ctx context.Context) (struct{}, error) {
		<-release
		return struct{}{}, nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := p.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Error is %v", err)
	}
}

func TestResolvedAndRejected(t *testing.T) {
	if v, err := Resolved("ok").Wait(context.Background()); err != nil || v != "ok" {
		t.Fatalf("Got %s, %v", v, err)
	}
	boom := errors.New("boom")
	if _, err := Rejected[string](boom).Wait(context.Background()); err != boom {
		t.Fatalf("Error is %v", err)
	}
}
