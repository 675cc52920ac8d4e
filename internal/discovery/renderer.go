package discovery

import (
	"fmt"
	"net"
)

// Source tags which discoverer first saw a renderer.
type Source string

const (
	SourceSSDP     Source = "ssdp"
	SourceMDNS     Source = "mdns"
	SourcePortScan Source = "port_scan"
)

// Service names keyed in Renderer.ControlURLs.
const (
	ServiceAVTransport      = "AVTransport"
	ServiceRenderingControl = "RenderingControl"
)

// Renderer represents a discovered media renderer. Identity is (IP, Port);
// UUIDs are kept for telemetry only, since some renderers advertise a
// different UUID per service.
type Renderer struct {
	IP           net.IP            `json:"ip"`
	Port         int               `json:"port"`
	DeviceType   string            `json:"device_type,omitempty"`
	FriendlyName string            `json:"friendly_name,omitempty"`
	Manufacturer string            `json:"manufacturer,omitempty"`
	ModelName    string            `json:"model_name,omitempty"`
	UUID         string            `json:"uuid,omitempty"`
	IconURL      string            `json:"icon_url,omitempty"`
	ControlURLs  map[string]string `json:"control_urls,omitempty"`
	Source       Source            `json:"source"`
}

// Key returns the dedupe identity for the discovery bus.
func (r Renderer) Key() string {
	return net.JoinHostPort(r.IP.String(), fmt.Sprintf("%d", r.Port))
}

// ID returns a human-readable identifier used in pipeline events.
func (r Renderer) ID() string {
	if r.FriendlyName != "" {
		return fmt.Sprintf("%s (%s)", r.FriendlyName, r.Key())
	}
	return r.Key()
}

// ControlURL returns the control URL for a service, if known.
func (r Renderer) ControlURL(service string) (string, bool) {
	u, ok := r.ControlURLs[service]
	return u, ok
}

// HasAVTransport reports whether the renderer already carries an
// AVTransport control URL. Renderers without one are promoted lazily by
// the orchestrator via a description fetch.
func (r Renderer) HasAVTransport() bool {
	_, ok := r.ControlURLs[ServiceAVTransport]
	return ok
}
