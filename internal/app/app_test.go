package app_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/tinywideclouds/go-presence-relay/internal/app"
)

// stubService blocks in Start until Shutdown is called, or fails at once
// when startErr is set.
type stubService struct {
	startErr  error
	stopped   chan struct{}
	shutdowns atomic.Int32
}

func newStubService(startErr error) *stubService {
	return &stubService{startErr: startErr, stopped: make(chan struct{})}
}

func (s *stubService) Start(ctx context.Context) error {
	if s.startErr != nil {
		return s.startErr
	}
	<-s.stopped
	return nil
}

func (s *stubService) Shutdown(context.Context) error {
	if s.shutdowns.Add(1) == 1 && s.startErr == nil {
		close(s.stopped)
	}
	return nil
}

func runAsync(ctx context.Context, apiService, relay app.Service) chan struct{} {
	done := make(chan struct{})
	go func() {
		app.Run(ctx, zerolog.Nop(), apiService, relay)
		close(done)
	}()
	return done
}

func TestRun(t *testing.T) {
	t.Run("cancelling the context shuts both services down", func(t *testing.T) {
		apiService, relay := newStubService(nil), newStubService(nil)
		ctx, cancel := context.WithCancel(context.Background())

		done := runAsync(ctx, apiService, relay)
		cancel()

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("Run did not return")
		}
		assert.Equal(t, int32(1), apiService.shutdowns.Load())
		assert.Equal(t, int32(1), relay.shutdowns.Load())
	})

	t.Run("a failing service stops the other", func(t *testing.T) {
		apiService := newStubService(nil)
		relay := newStubService(errors.New("address already in use"))

		done := runAsync(context.Background(), apiService, relay)

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("Run did not return")
		}
		assert.Equal(t, int32(1), apiService.shutdowns.Load())
		assert.Equal(t, int32(1), relay.shutdowns.Load())
	})
}
