package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"github.com/wyatt727/fartlooper/internal/config"
	"github.com/wyatt727/fartlooper/internal/discovery"
	"github.com/wyatt727/fartlooper/internal/events"
	"github.com/wyatt727/fartlooper/internal/media"
	"github.com/wyatt727/fartlooper/internal/soap"
	"github.com/wyatt727/fartlooper/pkg/logging"
)

// drainWindow bounds how long shutdown waits for cancelled tasks to
// settle before the origin goes down.
const drainWindow = 500 * time.Millisecond

// Origin is the media origin surface the orchestrator drives. Start
// returns a stop handle bound to the run it started; the orchestrator
// stops only through that handle, so a grace-delayed stop can never hit
// a later run's server.
type Origin interface {
	Start() (baseURL string, stop func(ctx context.Context) error, err error)
	SetClip(clip media.ClipSource)
	MediaURL() (string, bool)
	ContentType() string
}

// Control issues the AVTransport actions.
type Control interface {
	SetAVTransportURI(ctx context.Context, controlURL, mediaURL, metadata string) error
	Play(ctx context.Context, controlURL string) error
}

// Promoter resolves control URLs for renderers discovered without them.
type Promoter interface {
	Promote(ctx context.Context, r discovery.Renderer) (discovery.Renderer, error)
}

// DiscoverFunc produces the merged renderer stream for one session.
type DiscoverFunc func(ctx context.Context) <-chan discovery.Renderer

// Orchestrator runs the blast pipeline: origin up, discovery overlapped
// with per-renderer SOAP state machines, bounded by the global budget.
type Orchestrator struct {
	logger   logging.Logger
	cfg      config.BlastConfig
	origin   Origin
	control  Control
	promoter Promoter
	discover DiscoverFunc
}

// New creates an orchestrator.
func New(logger logging.Logger, cfg config.BlastConfig, origin Origin, control Control, promoter Promoter, discover DiscoverFunc) *Orchestrator {
	return &Orchestrator{
		logger:   logger,
		cfg:      cfg,
		origin:   origin,
		control:  control,
		promoter: promoter,
		discover: discover,
	}
}

// Blast runs one full pipeline pass. The returned stream is serialized:
// subscribers observe a total order, terminated by exactly one Done.
// Cancelling ctx stops the pipeline; per-renderer errors never do.
func (o *Orchestrator) Blast(ctx context.Context, clip media.ClipSource) <-chan events.PipelineEvent {
	out := make(chan events.PipelineEvent, 64)
	go o.run(ctx, clip, false, out)
	return out
}

// DiscoverOnly runs discovery and emits RendererFound events without
// dispatching any SOAP commands.
func (o *Orchestrator) DiscoverOnly(ctx context.Context) <-chan events.PipelineEvent {
	out := make(chan events.PipelineEvent, 64)
	go o.run(ctx, nil, true, out)
	return out
}

func (o *Orchestrator) run(ctx context.Context, clip media.ClipSource, discoverOnly bool, out chan<- events.PipelineEvent) {
	defer close(out)

	emit := func(ev events.PipelineEvent) { out <- ev }

	if clip != nil {
		o.origin.SetClip(clip)
	}
	baseURL, stopOrigin, err := o.origin.Start()
	if err != nil {
		o.logger.WithError(err).Error("Media origin failed to start")
		emit(events.Done{Summary: events.Summary{Error: err.Error()}})
		return
	}
	emit(events.OriginReady{BaseURL: baseURL})

	runCtx, cancelRun := context.WithTimeout(ctx, o.cfg.TotalBudget)
	defer cancelRun()

	mediaURL, _ := o.origin.MediaURL()
	metadata := ""
	if clip != nil {
		metadata = soap.DIDLLite(clip.Describe(), mediaURL, o.origin.ContentType())
	}

	discCtx, cancelDisc := context.WithTimeout(runCtx, o.cfg.DiscoveryBudget)
	defer cancelDisc()
	stream := o.discover(discCtx)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		found    int
		outcomes []events.RendererOutcome
	)

	// Spawn a task the moment a renderer arrives; on slow LANs the first
	// renderers should be playing before port-scan finishes.
	for r := range stream {
		// The global budget stops admission; discovery children drain out
		// through the cancelled discCtx.
		if runCtx.Err() != nil {
			break
		}
		found++
		emit(events.RendererFound{Renderer: r})
		if discoverOnly {
			continue
		}

		wg.Add(1)
		go func(r discovery.Renderer) {
			defer wg.Done()
			outcome := o.runRenderer(runCtx, r, mediaURL, metadata, out)
			mu.Lock()
			outcomes = append(outcomes, outcome)
			mu.Unlock()
			out <- outcome
		}(r)
	}
	wg.Wait()

	summary := events.Summary{
		Found:     found,
		Attempted: len(outcomes),
		Failed:    make(map[events.Result]int),
	}
	for _, oc := range outcomes {
		if oc.Result == events.ResultSuccess {
			summary.Succeeded++
		} else {
			summary.Failed[oc.Result]++
		}
	}
	if len(summary.Failed) == 0 {
		summary.Failed = nil
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && summary.Succeeded < summary.Attempted {
		summary.Error = "global_budget_expired"
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && summary.Attempted == 0 {
		summary.Error = "global_budget_expired"
	}

	emit(events.Metrics{
		Found:     summary.Found,
		Attempted: summary.Attempted,
		Succeeded: summary.Succeeded,
		Failed:    summary.Failed,
	})
	emit(events.Done{Summary: summary})

	// Discover-only runs serve no clip, so their origin skips the grace
	// window.
	grace := o.cfg.OriginGrace
	if discoverOnly {
		grace = 0
	}
	o.stopOrigin(stopOrigin, grace)
}

// stopOrigin tears this run's origin down after the given grace window;
// renderers that stream lazily still get their bytes. The stop handle is
// the one Start returned for this run, so a re-blast inside the grace
// window keeps its own origin.
func (o *Orchestrator) stopOrigin(stop func(ctx context.Context) error, grace time.Duration) {
	go func() {
		if grace > 0 {
			time.Sleep(grace)
		}
		stopCtx, cancel := context.WithTimeout(context.Background(), drainWindow)
		defer cancel()
		if err := stop(stopCtx); err != nil {
			o.logger.WithError(err).Debug("Origin stop returned error")
		}
	}()
}

// runRenderer drives one renderer through the state machine. Every exit
// path produces exactly one outcome; errors are absorbed here and never
// propagate up.
func (o *Orchestrator) runRenderer(ctx context.Context, r discovery.Renderer, mediaURL, metadata string, out chan<- events.PipelineEvent) events.RendererOutcome {
	taskCtx, cancel := context.WithTimeout(ctx, o.cfg.PerDeviceTimeout)
	defer cancel()

	id := r.ID()
	start := time.Now()
	state := stateNew

	outcome := func(result events.Result, upnpCode string) events.RendererOutcome {
		return events.RendererOutcome{
			ID:        id,
			Result:    result,
			UPnPCode:  upnpCode,
			LatencyMS: time.Since(start).Milliseconds(),
		}
	}

	// NEW -> READY: resolve the control URL if discovery didn't carry it.
	if !r.HasAVTransport() {
		out <- events.RendererAttempt{ID: id, Step: events.StepDescribe, Attempt: 1}
		promoted, err := o.promoter.Promote(taskCtx, r)
		if err != nil || !promoted.HasAVTransport() {
			if result, ok := budgetResult(ctx, taskCtx); ok {
				return outcome(result, "")
			}
			o.logger.WithError(err).WithField("renderer", id).Debug("No AVTransport control URL")
			return outcome(events.ResultNoControl, "")
		}
		r = promoted
	}
	state = stateReady
	o.logger.WithFields(logging.Fields{"renderer": id, "state": state.String()}).Debug("Renderer transition")
	controlURL, _ := r.ControlURL(discovery.ServiceAVTransport)

	// READY -> PREPARED. Set and Play keep separate retry buckets: a Play
	// failure must not restart Set.
	if err := o.step(taskCtx, id, events.StepSet, out, func(stepCtx context.Context) error {
		return o.control.SetAVTransportURI(stepCtx, controlURL, mediaURL, metadata)
	}); err != nil {
		if result, ok := budgetResult(ctx, taskCtx); ok {
			return outcome(result, "")
		}
		code, _ := soap.UPnPCodeFromError(err)
		return outcome(events.ResultSetFailed, code)
	}
	state = statePrepared
	o.logger.WithFields(logging.Fields{"renderer": id, "state": state.String()}).Debug("Renderer transition")

	// PREPARED -> PLAYING. Play is never issued before Set has settled
	// with success; renderers answer 718 otherwise.
	if err := o.step(taskCtx, id, events.StepPlay, out, func(stepCtx context.Context) error {
		return o.control.Play(stepCtx, controlURL)
	}); err != nil {
		if result, ok := budgetResult(ctx, taskCtx); ok {
			return outcome(result, "")
		}
		code, _ := soap.UPnPCodeFromError(err)
		return outcome(events.ResultPlayFail, code)
	}
	state = statePlaying

	o.logger.WithFields(logging.Fields{
		"renderer": id,
		"state":    state.String(),
		"latency":  time.Since(start),
	}).Info("Renderer playing")
	return outcome(events.ResultSuccess, "")
}

// step runs one SOAP action under the retry policy, emitting an attempt
// event per try.
func (o *Orchestrator) step(ctx context.Context, id string, step events.Step, out chan<- events.PipelineEvent, fn func(context.Context) error) error {
	maxDelay := o.cfg.RetryBaseDelay << uint(o.cfg.SoapRetryCount)
	if maxDelay < o.cfg.RetryBaseDelay {
		maxDelay = o.cfg.RetryBaseDelay
	}
	retry := retrypolicy.NewBuilder[any]().
		WithBackoff(o.cfg.RetryBaseDelay, maxDelay).
		WithJitterFactor(0.25).
		WithMaxRetries(o.cfg.SoapRetryCount).
		Build()

	attempt := 0
	_, err := failsafe.With(retry).WithContext(ctx).Get(func() (any, error) {
		attempt++
		out <- events.RendererAttempt{ID: id, Step: step, Attempt: attempt}
		return nil, fn(ctx)
	})
	return err
}

// budgetResult classifies a step failure caused by budget expiry rather
// than the renderer.
func budgetResult(runCtx, taskCtx context.Context) (events.Result, bool) {
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		// Global budget expired; the task was cancelled mid-flight.
		return events.ResultCancelled, true
	case errors.Is(runCtx.Err(), context.Canceled):
		return events.ResultCancelled, true
	case errors.Is(taskCtx.Err(), context.DeadlineExceeded):
		return events.ResultTimeout, true
	default:
		return "", false
	}
}
