package events

import (
	"encoding/json"
	"time"

	"github.com/wyatt727/fartlooper/internal/discovery"
)

// Kind discriminates pipeline event payloads.
type Kind string

const (
	KindOriginReady       Kind = "origin_ready"
	KindDiscoveryProgress Kind = "discovery_progress"
	KindRendererFound     Kind = "renderer_found"
	KindRendererAttempt   Kind = "renderer_attempt"
	KindRendererOutcome   Kind = "renderer_outcome"
	KindMetrics           Kind = "metrics"
	KindDone              Kind = "done"
)

// PipelineEvent is the tagged union every pipeline emission implements.
type PipelineEvent interface {
	Kind() Kind
}

// Step names the state-machine step an attempt belongs to.
type Step string

const (
	StepDescribe Step = "describe"
	StepSet      Step = "set_av_transport_uri"
	StepPlay     Step = "play"
)

// Result tags a per-renderer outcome.
type Result string

const (
	ResultSuccess   Result = "success"
	ResultNoControl Result = "no_control"
	ResultSetFailed Result = "set_failed"
	ResultPlayFail  Result = "play_failed"
	ResultTimeout   Result = "per_device_timeout"
	ResultCancelled Result = "cancelled"
)

// OriginReady reports the media origin's advertised base URL.
type OriginReady struct {
	BaseURL string `json:"base_url"`
}

func (OriginReady) Kind() Kind { return KindOriginReady }

// DiscoveryProgress reports arrivals on the merged discovery stream.
type DiscoveryProgress struct {
	Source discovery.Source `json:"source"`
	Seen   int              `json:"seen"`
	New    int              `json:"new"`
}

func (DiscoveryProgress) Kind() Kind { return KindDiscoveryProgress }

// RendererFound reports a deduplicated renderer arrival.
type RendererFound struct {
	Renderer discovery.Renderer `json:"renderer"`
}

func (RendererFound) Kind() Kind { return KindRendererFound }

// RendererAttempt reports one step attempt in a renderer's state machine.
type RendererAttempt struct {
	ID      string `json:"id"`
	Step    Step   `json:"step"`
	Attempt int    `json:"attempt"`
}

func (RendererAttempt) Kind() Kind { return KindRendererAttempt }

// RendererOutcome reports the terminal result of one renderer task.
type RendererOutcome struct {
	ID        string `json:"id"`
	Result    Result `json:"result"`
	UPnPCode  string `json:"upnp_code,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

func (RendererOutcome) Kind() Kind { return KindRendererOutcome }

// Metrics is a periodic counter snapshot.
type Metrics struct {
	Found     int            `json:"found"`
	Attempted int            `json:"attempted"`
	Succeeded int            `json:"succeeded"`
	Failed    map[Result]int `json:"failed_by_kind,omitempty"`
}

func (Metrics) Kind() Kind { return KindMetrics }

// Summary is the terminal accounting of one blast.
type Summary struct {
	Found     int            `json:"found"`
	Attempted int            `json:"attempted"`
	Succeeded int            `json:"succeeded"`
	Failed    map[Result]int `json:"failed_by_kind,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Done terminates the event stream for one blast.
type Done struct {
	Summary Summary `json:"summary"`
}

func (Done) Kind() Kind { return KindDone }

// Envelope is the wire form sent to external subscribers.
type Envelope struct {
	Type      Kind          `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
	Event     PipelineEvent `json:"event"`
}

// Marshal wraps an event in its envelope and encodes it as JSON.
func Marshal(ev PipelineEvent) ([]byte, error) {
	return json.Marshal(Envelope{
		Type:      ev.Kind(),
		Timestamp: time.Now().UTC(),
		Event:     ev,
	})
}
