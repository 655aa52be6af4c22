// Package shutdown implements signal-driven graceful drain: an
// in-flight invocation pipeline must be allowed to finish its cleanup
// before the process exits (spec §9, Design Note on cancellation and
// timeouts). Adapted from pkg/emergency.Controller's
// signal-watch/stop-channel/OnStop-callback shape, with the stop-file
// polling dropped (the worker has no equivalent external trigger file
// in its domain) and a sync.WaitGroup added to track in-flight
// invocations so Wait can block until they finish draining.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
)

// Controller coordinates a graceful worker shutdown: it watches for
// SIGINT/SIGTERM, runs the registered callbacks (e.g. closing the HTTP
// listener) as soon as shutdown begins, and lets Wait block until
// in-flight invocations have drained.
type Controller struct {
	log zerolog.Logger

	mu        sync.Mutex
	stopped   bool
	stopCh    chan struct{}
	callbacks []func()

	inFlight sync.WaitGroup
}

// New creates a Controller. Start must be called once to begin
// watching for signals.
func New(log zerolog.Logger) *Controller {
	return &Controller{log: log, stopCh: make(chan struct{})}
}

// Start begins watching for SIGINT/SIGTERM in the background. Watching
// stops when ctx is done.
func (c *Controller) Start(ctx context.Context) {
	go c.watchSignals(ctx)
}

func (c *Controller) watchSignals(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-ctx.Done():
		return
	case sig := <-sigCh:
		c.log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
		c.trigger()
	}
}

func (c *Controller) trigger() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	close(c.stopCh)
	for _, cb := range c.callbacks {
		cb()
	}
}

// Trigger manually starts a shutdown, for callers that detect a fatal
// condition outside the signal path (e.g. the HTTP listener dying).
func (c *Controller) Trigger() {
	c.trigger()
}

// StopChannel returns a channel that closes once shutdown begins.
func (c *Controller) StopChannel() <-chan struct{} {
	return c.stopCh
}

// OnStop registers a callback run exactly once when shutdown begins,
// before in-flight work is drained (e.g. closing the HTTP listener to
// stop accepting new invocations).
func (c *Controller) OnStop(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = append(c.callbacks, cb)
}

// TrackInvocation marks the start of one in-flight pipeline run. The
// returned func must be called when that run's cleanup has finished.
func (c *Controller) TrackInvocation() func() {
	c.inFlight.Add(1)
	return c.inFlight.Done
}

// Wait blocks until every tracked invocation has finished draining.
func (c *Controller) Wait() {
	c.inFlight.Wait()
}

// IsStopped reports whether shutdown has begun.
func (c *Controller) IsStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}
