package server

import (
	"context"
	"testing"
	"time"
)

func TestHealthLoopStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	swept := make(chan struct{}, 1)
	done := make(chan struct{})

	go func() {
		healthLoop(ctx, 2*time.Millisecond, func() {
			select {
			case swept <- struct{}{}:
			default:
			}
		})
		close(done)
	}()

	select {
	case <-swept:
	case <-time.After(2 * time.Second):
		t.Fatal("sweep never ran")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop after cancel")
	}
}
