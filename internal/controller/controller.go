package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wyatt727/fartlooper/internal/discovery"
	"github.com/wyatt727/fartlooper/internal/events"
	"github.com/wyatt727/fartlooper/internal/media"
	"github.com/wyatt727/fartlooper/internal/netinfo"
	"github.com/wyatt727/fartlooper/internal/rules"
	"github.com/wyatt727/fartlooper/pkg/logging"
)

// ErrBusy is returned when a blast is requested while one is running.
var ErrBusy = errors.New("a blast is already running")

// ErrNoClip is returned when a blast action carries no clip source.
var ErrNoClip = errors.New("blast action carries no clip")

// Pipeline is the orchestrator surface the controller drives.
type Pipeline interface {
	Blast(ctx context.Context, clip media.ClipSource) <-chan events.PipelineEvent
	DiscoverOnly(ctx context.Context) <-chan events.PipelineEvent
}

// Status is the controller's externally visible state.
type Status struct {
	Running       bool                 `json:"running"`
	Action        string               `json:"action,omitempty"`
	StartedAt     *time.Time           `json:"started_at,omitempty"`
	LastSummary   *events.Summary      `json:"last_summary,omitempty"`
	LastRenderers []discovery.Renderer `json:"last_renderers,omitempty"`
}

// Controller owns the single active pipeline, publishes its events on
// the bus, and fires auto blasts from rule evaluation on network change.
type Controller struct {
	logger    logging.Logger
	pipeline  Pipeline
	evaluator *rules.Evaluator
	bus       *events.Bus
	clock     rules.Clock

	mu          sync.Mutex
	cancel      context.CancelFunc
	running     bool
	action      string
	startedAt   time.Time
	lastSummary *events.Summary
	renderers   []discovery.Renderer
	drained     chan struct{}
}

// New creates a controller.
func New(logger logging.Logger, pipeline Pipeline, evaluator *rules.Evaluator, bus *events.Bus, clock rules.Clock) *Controller {
	if clock == nil {
		clock = rules.SystemClock()
	}
	return &Controller{
		logger:    logger,
		pipeline:  pipeline,
		evaluator: evaluator,
		bus:       bus,
		clock:     clock,
	}
}

// Start launches a pipeline for the named trigger action. Only one
// pipeline runs at a time; a second Start returns ErrBusy.
func (c *Controller) Start(action string, clip media.ClipSource) error {
	if action != rules.ActionDiscoverOnly && clip == nil {
		return ErrNoClip
	}

	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrBusy
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.running = true
	c.action = action
	c.startedAt = c.clock.Now()
	c.renderers = nil
	c.drained = make(chan struct{})
	drained := c.drained
	c.mu.Unlock()

	var stream <-chan events.PipelineEvent
	if action == rules.ActionDiscoverOnly {
		stream = c.pipeline.DiscoverOnly(ctx)
	} else {
		stream = c.pipeline.Blast(ctx, clip)
	}

	c.logger.WithFields(logging.Fields{
		"action": action,
	}).Info("Pipeline started")

	go c.consume(stream, cancel, drained)
	return nil
}

// Stop cancels the running pipeline, if any, and waits briefly for its
// event stream to drain.
func (c *Controller) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	drained := c.drained
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if drained != nil {
		select {
		case <-drained:
		case <-time.After(2 * time.Second):
		}
	}
}

// Status returns a snapshot of the controller state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		Running:     c.running,
		Action:      c.action,
		LastSummary: c.lastSummary,
	}
	if !c.startedAt.IsZero() {
		ts := c.startedAt
		st.StartedAt = &ts
	}
	st.LastRenderers = append(st.LastRenderers, c.renderers...)
	return st
}

// OnNetworkChange evaluates the rules against the new network state and
// fires at most one auto blast.
func (c *Controller) OnNetworkChange(state netinfo.NetworkState) {
	ctx := rules.EvaluationContext{Network: state, Now: c.clock.Now()}
	action, ruleID, fired := c.evaluator.ShouldBlast(ctx)
	if !fired {
		return
	}

	clip, err := ClipFromAction(*action)
	if err != nil && action.Type != rules.ActionDiscoverOnly {
		c.logger.WithError(err).WithField("rule", ruleID).Warn("Rule fired without a usable clip")
		return
	}

	if err := c.Start(action.Type, clip); err != nil {
		c.logger.WithError(err).WithField("rule", ruleID).Warn("Auto blast not started")
	}
}

// ClipFromAction resolves a blast action's clip source.
func ClipFromAction(action rules.BlastAction) (media.ClipSource, error) {
	switch {
	case action.ClipPath != "":
		clip, err := media.NewLocalClip(action.ClipPath)
		if err != nil {
			return nil, err
		}
		return clip, nil
	case action.ClipURL != "":
		clip, err := media.NewRemoteClip(action.ClipURL)
		if err != nil {
			return nil, err
		}
		return clip, nil
	default:
		return nil, fmt.Errorf("%w: action %s", ErrNoClip, action.Type)
	}
}

func (c *Controller) consume(stream <-chan events.PipelineEvent, cancel context.CancelFunc, drained chan struct{}) {
	defer close(drained)
	defer cancel()

	for ev := range stream {
		c.bus.Publish(ev)
		switch typed := ev.(type) {
		case events.RendererFound:
			c.mu.Lock()
			c.renderers = append(c.renderers, typed.Renderer)
			c.mu.Unlock()
		case events.Done:
			summary := typed.Summary
			c.mu.Lock()
			c.lastSummary = &summary
			c.mu.Unlock()
		}
	}

	c.mu.Lock()
	c.running = false
	c.cancel = nil
	c.drained = nil
	c.mu.Unlock()
	c.logger.Info("Pipeline settled")
}
