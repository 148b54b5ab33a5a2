package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/engine/enginetest"
)

func TestWatchEngineExitsAfterDelay(t *testing.T) {
	router := enginetest.NewRouter()
	defer router.Close()

	delay := 30 * time.Millisecond
	done := make(chan error, 1)
	go func() { done <- watchEngine(context.Background(), router.Died(), delay) }()

	start := time.Now()
	router.Kill()
	select {
	case err := <-done:
		if !errors.Is(err, errEngineDied) || !errors.Is(err, core.ErrFatalEngineFailure) {
			t.Fatalf("got %v", err)
		}
		if elapsed := time.Since(start); elapsed < delay {
			t.Fatalf("returned after %v, want at least %v", elapsed, delay)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not return")
	}
}

func TestWatchEngineStopsOnShutdown(t *testing.T) {
	router := enginetest.NewRouter()
	defer router.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- watchEngine(ctx, router.Died(), time.Hour) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("got %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not return")
	}
}
