package evcache

import (
	"context"
	"time"

	"github.com/hupe1980/evcache/resource"
)

// cleanupScheduler runs periodic cleanup passes on behalf of the manager.
// Each pass takes a background worker slot from the controller so cleanup
// never competes with snapshot writes for more workers than configured.
type cleanupScheduler struct {
	interval time.Duration
	pass     func(ctx context.Context)
	rc       *resource.Controller

	trigger chan struct{}
	stopCh  chan struct{}
	done    chan struct{}
}

func newCleanupScheduler(interval time.Duration, rc *resource.Controller, pass func(ctx context.Context)) *cleanupScheduler {
	return &cleanupScheduler{
		interval: interval,
		pass:     pass,
		rc:       rc,
		trigger:  make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (s *cleanupScheduler) start() {
	go s.loop()
}

func (s *cleanupScheduler) loop() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
		case <-s.trigger:
		}
		s.runOnce()
	}
}

func (s *cleanupScheduler) runOnce() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Abort the wait when the scheduler is stopped mid-acquire.
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := s.rc.AcquireBackground(ctx); err != nil {
		return
	}
	defer s.rc.ReleaseBackground()

	s.pass(ctx)
}

// triggerNow requests an immediate pass. Coalesces with a pending request.
func (s *cleanupScheduler) triggerNow() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// stop terminates the loop and waits for an in-flight pass to finish.
func (s *cleanupScheduler) stop() {
	close(s.stopCh)
	<-s.done
}
