package descriptor

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wyatt727/fartlooper/internal/discovery"
)

// FetchTimeout bounds one description document fetch. Renderers that
// cannot produce their description within this window are treated as
// absent.
const FetchTimeout = 2 * time.Second

// Candidate description paths probed when a renderer was discovered
// without a LOCATION header (mDNS, port-scan).
var candidatePaths = []string{
	"/xml/device_description.xml",
	"/description.xml",
	"/setup/eureka_info",
	"/",
}

// Description is the parsed subset of a UPnP device description.
type Description struct {
	DeviceType   string
	FriendlyName string
	Manufacturer string
	ModelName    string
	UUID         string
	IconURL      string
	ControlURLs  map[string]string
}

// Client fetches and parses renderer descriptions.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a description client.
func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: FetchTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: FetchTimeout,
				}).DialContext,
				DisableKeepAlives: true,
			},
		},
	}
}

// Fetch retrieves and parses the description document at location.
func (c *Client) Fetch(ctx context.Context, location string) (*Description, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid description location %q: %w", location, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("description fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("description fetch returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 512<<10))
	if err != nil {
		return nil, fmt.Errorf("description read failed: %w", err)
	}

	base, _ := url.Parse(location)
	return Parse(body, base)
}

// Promote fills in a renderer's description by probing the candidate
// paths on its host. Used for renderers discovered without control URLs.
func (c *Client) Promote(ctx context.Context, r discovery.Renderer) (discovery.Renderer, error) {
	host := r.IP.String()
	var lastErr error
	for _, p := range candidatePaths {
		location := fmt.Sprintf("http://%s:%d%s", host, r.Port, p)
		desc, err := c.Fetch(ctx, location)
		if err != nil {
			lastErr = err
			continue
		}
		return merge(r, desc), nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no description endpoint on %s:%d", host, r.Port)
	}
	return r, lastErr
}

func merge(r discovery.Renderer, desc *Description) discovery.Renderer {
	if desc.FriendlyName != "" {
		r.FriendlyName = desc.FriendlyName
	}
	if desc.Manufacturer != "" {
		r.Manufacturer = desc.Manufacturer
	}
	if desc.ModelName != "" {
		r.ModelName = desc.ModelName
	}
	if desc.DeviceType != "" {
		r.DeviceType = desc.DeviceType
	}
	if desc.UUID != "" && r.UUID == "" {
		r.UUID = desc.UUID
	}
	if desc.IconURL != "" && r.IconURL == "" {
		r.IconURL = desc.IconURL
	}
	if len(desc.ControlURLs) > 0 {
		if r.ControlURLs == nil {
			r.ControlURLs = make(map[string]string, len(desc.ControlURLs))
		}
		for svc, u := range desc.ControlURLs {
			if _, exists := r.ControlURLs[svc]; !exists {
				r.ControlURLs[svc] = u
			}
		}
	}
	return r
}

// UPnP device description document, per urn:schemas-upnp-org:device-1-0.
type deviceDocument struct {
	XMLName xml.Name   `xml:"root"`
	URLBase string     `xml:"URLBase"`
	Device  deviceNode `xml:"device"`
}

type deviceNode struct {
	DeviceType   string        `xml:"deviceType"`
	FriendlyName string        `xml:"friendlyName"`
	Manufacturer string        `xml:"manufacturer"`
	ModelName    string        `xml:"modelName"`
	UDN          string        `xml:"UDN"`
	Icons        []iconNode    `xml:"iconList>icon"`
	Services     []serviceNode `xml:"serviceList>service"`
	Devices      []deviceNode  `xml:"deviceList>device"`
}

type iconNode struct {
	MimeType string `xml:"mimetype"`
	URL      string `xml:"url"`
}

type serviceNode struct {
	ServiceType string `xml:"serviceType"`
	ServiceID   string `xml:"serviceId"`
	ControlURL  string `xml:"controlURL"`
	EventSubURL string `xml:"eventSubURL"`
	SCPDURL     string `xml:"SCPDURL"`
}

// Cast devices expose a JSON status document instead of UPnP XML.
type eurekaDocument struct {
	Name      string `json:"name"`
	SSID      string `json:"ssid"`
	MAC       string `json:"mac_address"`
	BuildInfo struct {
		CastBuildRevision string `json:"cast_build_revision"`
	} `json:"build_info"`
}

// Parse decodes a description document body. XML bodies are parsed as
// UPnP device descriptions; JSON bodies as Cast eureka_info.
func Parse(body []byte, base *url.URL) (*Description, error) {
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "{") {
		return parseEureka(body, base)
	}
	return parseDeviceXML(body, base)
}

func parseDeviceXML(body []byte, base *url.URL) (*Description, error) {
	var doc deviceDocument
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("not a device description: %w", err)
	}

	if doc.URLBase != "" {
		if u, err := url.Parse(doc.URLBase); err == nil {
			base = u
		}
	}

	desc := &Description{
		DeviceType:   doc.Device.DeviceType,
		FriendlyName: doc.Device.FriendlyName,
		Manufacturer: doc.Device.Manufacturer,
		ModelName:    doc.Device.ModelName,
		UUID:         strings.TrimPrefix(doc.Device.UDN, "uuid:"),
		ControlURLs:  make(map[string]string),
	}

	if len(doc.Device.Icons) > 0 {
		desc.IconURL = resolveURL(base, doc.Device.Icons[0].URL)
	}

	collectServices(desc, doc.Device, base)

	if len(desc.ControlURLs) == 0 {
		return nil, fmt.Errorf("device %q has no usable control URLs", desc.FriendlyName)
	}
	return desc, nil
}

// collectServices walks the device tree; embedded devices (Sonos nests
// the MediaRenderer under the root device) contribute their services too.
func collectServices(desc *Description, dev deviceNode, base *url.URL) {
	for _, svc := range dev.Services {
		name := serviceName(svc.ServiceType)
		if name == "" {
			continue
		}
		if _, exists := desc.ControlURLs[name]; exists {
			continue
		}
		desc.ControlURLs[name] = resolveURL(base, svc.ControlURL)
	}
	for _, child := range dev.Devices {
		collectServices(desc, child, base)
	}
}

func serviceName(serviceType string) string {
	switch {
	case strings.Contains(serviceType, ":AVTransport:"):
		return discovery.ServiceAVTransport
	case strings.Contains(serviceType, ":RenderingControl:"):
		return discovery.ServiceRenderingControl
	default:
		return ""
	}
}

func parseEureka(body []byte, base *url.URL) (*Description, error) {
	var doc eurekaDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("not an eureka_info document: %w", err)
	}
	if doc.Name == "" {
		return nil, fmt.Errorf("eureka_info document lacks a device name")
	}

	desc := &Description{
		DeviceType:   "urn:dial-multiscreen-org:device:dial:1",
		FriendlyName: doc.Name,
		Manufacturer: "Google Inc.",
		ModelName:    "Chromecast",
		ControlURLs:  make(map[string]string),
	}
	// Cast devices take their transport commands on the eureka port.
	desc.ControlURLs[discovery.ServiceAVTransport] = resolveURL(base, "/apps/CC1AD845")
	return desc, nil
}

func resolveURL(base *url.URL, ref string) string {
	if ref == "" {
		return ""
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	if refURL.IsAbs() || base == nil {
		return refURL.String()
	}
	return base.ResolveReference(refURL).String()
}
