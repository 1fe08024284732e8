// Package onboarding brings platforms up one at a time and publishes chat
// commands once every queued platform has been handled.
package onboarding

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/onnwee/stream-alerts/platform"
	"github.com/onnwee/stream-alerts/telemetry"
)

// Publisher exposes commands for the available platforms to chat users.
type Publisher interface {
	PublishCommands(ctx context.Context, platforms []string) error
}

// Notifier receives the online relay of every onboarded platform.
type Notifier interface {
	Notify(ctx context.Context, p platform.Platform, streamer string)
}

type Coordinator struct {
	registry  *platform.Registry
	mux       *http.ServeMux
	publisher Publisher
	notifier  Notifier

	mu         sync.Mutex
	queue      []platform.Platform
	processing bool
	published  bool
	drained    chan struct{}

	relays sync.WaitGroup
}

func New(registry *platform.Registry, mux *http.ServeMux, publisher Publisher, notifier Notifier) *Coordinator {
	return &Coordinator{
		registry:  registry,
		mux:       mux,
		publisher: publisher,
		notifier:  notifier,
		drained:   make(chan struct{}),
	}
}

func (c *Coordinator) log() *slog.Logger {
	return slog.Default().With(slog.String("component", "onboarding"))
}

// Add queues p. Platforms are onboarded in the order they were added, never
// concurrently; ctx bounds the onboarding and the platform's background work.
func (c *Coordinator) Add(ctx context.Context, p platform.Platform) {
	c.mu.Lock()
	c.queue = append(c.queue, p)
	if c.processing {
		c.mu.Unlock()
		return
	}
	c.processing = true
	if c.published {
		c.published = false
		c.drained = make(chan struct{})
	}
	c.mu.Unlock()
	go c.process(ctx)
}

// Start publishes commands once nothing is left to onboard. It is a no-op
// while a queue is being processed, so callers run it after the last Add;
// with nothing queued it publishes right away.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.processing || c.published {
		c.mu.Unlock()
		return
	}
	c.processing = true
	c.mu.Unlock()
	go c.process(ctx)
}

func (c *Coordinator) process(ctx context.Context) {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.mu.Unlock()
			c.publish(ctx)
			c.mu.Lock()
			if len(c.queue) == 0 {
				c.processing = false
				c.published = true
				close(c.drained)
				c.mu.Unlock()
				return
			}
		}
		p := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		c.onboard(ctx, p)
	}
}

func (c *Coordinator) onboard(ctx context.Context, p platform.Platform) {
	lg := c.log().With(slog.String("platform", p.Name()))
	start := time.Now()
	lg.Info("onboarding platform")

	p.RegisterRoutes(c.mux)
	if err := p.Init(ctx); err != nil {
		lg.Error("platform onboarding failed, skipping", slog.Any("err", err))
		_ = p.Close()
		return
	}

	c.relays.Add(1)
	go func() {
		defer c.relays.Done()
		for name := range p.Online() {
			c.notifier.Notify(ctx, p, name)
		}
	}()

	c.registry.Add(p)
	telemetry.ObserveOnboarding(p.Name(), start)
	lg.Info("platform available", slog.Duration("took", time.Since(start)))
}

func (c *Coordinator) publish(ctx context.Context) {
	names := c.registry.Names()
	if c.publisher == nil {
		return
	}
	if err := c.publisher.PublishCommands(ctx, names); err != nil {
		c.log().Error("publish commands failed", slog.Any("err", err))
		return
	}
	c.log().Info("commands published", slog.Any("platforms", names))
}

// Wait blocks until the queue has drained and commands were published.
func (c *Coordinator) Wait(ctx context.Context) error {
	c.mu.Lock()
	ch := c.drained
	c.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drained reports whether the last queued platform has been handled.
func (c *Coordinator) Drained() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.published
}

// Close shuts down every onboarded platform and waits for their relays.
func (c *Coordinator) Close() {
	for _, p := range c.registry.All() {
		if err := p.Close(); err != nil {
			c.log().Warn("platform close failed", slog.String("platform", p.Name()), slog.Any("err", err))
		}
	}
	c.relays.Wait()
}
