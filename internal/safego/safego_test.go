package safego

import (
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestGoRecoversPanic(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	done := make(chan struct{})

	Go(zap.New(core), "boom", func() {
		defer close(done)
		panic("kaboom")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine did not run")
	}
	deadline := time.Now().Add(time.Second)
	for logs.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	entries := logs.All()
	if len(entries) != 1 || entries[0].Message != "goroutine panicked" {
		t.Fatalf("unexpected log entries: %+v", entries)
	}
	if got := entries[0].ContextMap()["goroutine"]; got != "boom" {
		t.Fatalf("unexpected goroutine field: %v", got)
	}
}
