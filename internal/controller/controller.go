// Package controller owns the fleet of per-stream monitor loops: one
// engine.Engine per configured policy, started together and shut down
// together, per spec.md 4.G. It shares no mutable state between engines
// beyond the adapters and metric source they're handed at construction.
package controller

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/kinescale/kinescale/internal/control"
	"github.com/kinescale/kinescale/internal/engine"
	"github.com/kinescale/kinescale/internal/metricsource"
	"github.com/kinescale/kinescale/internal/models"
)

// KinesisMaxHashKey re-exports control.KinesisMaxHashKey so callers
// constructing a Controller don't need a second import just for the
// engine's hash-space upper bound.
var KinesisMaxHashKey = control.KinesisMaxHashKey

// ReportListener is re-exported so callers wiring a Controller don't need
// to import the engine package directly just to satisfy this parameter.
type ReportListener = engine.ReportListener

// Controller starts and tracks one Engine per StreamPolicy.
type Controller struct {
	source   metricsource.Source
	adapter  control.Adapter
	logger   *zap.Logger
	listener ReportListener

	suppressAbortOnFatal bool

	mu      sync.Mutex
	engines map[string]*engine.Engine
	wg      sync.WaitGroup
	healthy bool
}

// Option customizes Controller construction.
type Option func(*Controller)

// WithSuppressAbortOnFatal keeps the controller reporting healthy even
// after an engine hits a fatal error, per spec.md 4.G's
// "suppress-abort-on-fatal" flag.
func WithSuppressAbortOnFatal() Option {
	return func(c *Controller) { c.suppressAbortOnFatal = true }
}

// New builds a Controller that will drive one engine per policy using
// source and adapter as the shared metric source and control-plane
// adapter, and listener to receive every finalized report.
func New(source metricsource.Source, adapter control.Adapter, logger *zap.Logger, listener ReportListener, opts ...Option) *Controller {
	c := &Controller{
		source:   source,
		adapter:  adapter,
		logger:   logger,
		listener: listener,
		engines:  make(map[string]*engine.Engine),
		healthy:  true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start builds one Engine per policy and runs each in its own goroutine.
// Start returns as soon as the goroutines are launched; it does not wait
// for any engine's first iteration, nor for the lifetime of the fleet.
func (c *Controller) Start(ctx context.Context, policies []models.StreamPolicy) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, policy := range policies {
		if _, exists := c.engines[policy.StreamName]; exists {
			return fmt.Errorf("controller: duplicate policy for stream %q", policy.StreamName)
		}

		e := engine.New(policy, c.source, c.adapter, KinesisMaxHashKey, c.logger, c.listener)
		c.engines[policy.StreamName] = e

		c.wg.Add(1)
		go func(stream string, e *engine.Engine) {
			defer c.wg.Done()
			if err := e.Run(ctx); err != nil {
				c.logger.Error("controller: engine exited",
					zap.String("stream", stream), zap.Error(err))
				c.markUnhealthy()
			}
		}(policy.StreamName, e)
	}

	return nil
}

// Stop signals every engine to stop and waits for their loops to exit.
func (c *Controller) Stop() {
	c.mu.Lock()
	engines := make([]*engine.Engine, 0, len(c.engines))
	for _, e := range c.engines {
		engines = append(engines, e)
	}
	c.mu.Unlock()

	for _, e := range engines {
		e.Stop()
	}
	c.wg.Wait()
}

// Healthy reports whether the controller considers itself healthy: false
// once any engine has hit a fatal error, unless suppress-abort-on-fatal
// was set.
func (c *Controller) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthy
}

func (c *Controller) markUnhealthy() {
	if c.suppressAbortOnFatal {
		return
	}
	c.mu.Lock()
	c.healthy = false
	c.mu.Unlock()
}

// Errors returns the captured fatal error for every engine that has one,
// keyed by stream name.
func (c *Controller) Errors() map[string]error {
	c.mu.Lock()
	defer c.mu.Unlock()

	errs := make(map[string]error)
	for stream, e := range c.engines {
		if err := e.Err(); err != nil {
			errs[stream] = err
		}
	}
	return errs
}

// LastReport returns the most recent ScalingReport for stream, or nil if
// none has landed yet (or the stream is not configured).
func (c *Controller) LastReport(stream string) *models.ScalingReport {
	c.mu.Lock()
	e, ok := c.engines[stream]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return e.LastReport()
}

// Streams returns the configured stream names, for the health/report
// server to enumerate.
func (c *Controller) Streams() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	streams := make([]string, 0, len(c.engines))
	for stream := range c.engines {
		streams = append(streams, stream)
	}
	return streams
}
