package portscan

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wyatt727/fartlooper/internal/discovery"
	"github.com/wyatt727/fartlooper/internal/netinfo"
	"github.com/wyatt727/fartlooper/pkg/logging"
)

// DefaultPorts are the candidate renderer ports swept when config does
// not override them.
var DefaultPorts = []int{8008, 8009, 1400, 49152, 49153, 49154, 80, 7000}

const (
	connectTimeout = 400 * time.Millisecond
	probeTimeout   = time.Second

	// Outstanding connect cap; a /24 sweep at 8 ports is ~2000 dials.
	maxOutstanding = 64
)

// Probe paths tried on an open port, most specific first.
var probePaths = []string{
	"/xml/device_description.xml",
	"/setup/eureka_info",
	"/",
}

// Discoverer sweeps the local /24 for renderers that do not announce
// themselves. Last-resort source: slowest and least precise, but it
// catches devices with broken SSDP stacks.
type Discoverer struct {
	logger logging.Logger
	ports  []int

	// hosts enumerates sweep targets; swappable for tests.
	hosts func() ([]string, error)

	probeClient *http.Client
}

// New creates a port-scan discoverer.
func New(logger logging.Logger, ports []int) *Discoverer {
	if len(ports) == 0 {
		ports = DefaultPorts
	}
	return &Discoverer{
		logger: logger,
		ports:  ports,
		hosts: func() ([]string, error) {
			ip, err := netinfo.RoutableIPv4()
			if err != nil {
				return nil, err
			}
			return netinfo.SubnetHosts(ip), nil
		},
		probeClient: &http.Client{
			Timeout: probeTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: connectTimeout,
				}).DialContext,
				DisableKeepAlives: true,
			},
		},
	}
}

// Source implements discovery.Discoverer.
func (d *Discoverer) Source() discovery.Source {
	return discovery.SourcePortScan
}

// Discover sweeps host × port with a bounded connect pool and emits a
// renderer per open port whose probe body classifies as a device
// document.
func (d *Discoverer) Discover(ctx context.Context) (<-chan discovery.Renderer, error) {
	hosts, err := d.hosts()
	if err != nil {
		return nil, fmt.Errorf("cannot derive sweep targets: %w", err)
	}

	out := make(chan discovery.Renderer, 16)
	go func() {
		defer close(out)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(maxOutstanding)

		for _, host := range hosts {
			for _, port := range d.ports {
				host, port := host, port
				g.Go(func() error {
					d.sweep(gctx, host, port, out)
					return nil
				})
			}
		}
		_ = g.Wait()
	}()

	return out, nil
}

func (d *Discoverer) sweep(ctx context.Context, host string, port int, out chan<- discovery.Renderer) {
	select {
	case <-ctx.Done():
		return
	default:
	}

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	dialer := net.Dialer{Timeout: connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return
	}
	_ = conn.Close()

	if !d.probe(ctx, host, port) {
		return
	}

	r := discovery.Renderer{
		IP:     net.ParseIP(host),
		Port:   port,
		Source: discovery.SourcePortScan,
	}
	select {
	case out <- r:
	case <-ctx.Done():
	}
}

// probe fetches candidate paths on an open port and classifies the body.
func (d *Discoverer) probe(ctx context.Context, host string, port int) bool {
	for _, path := range probePaths {
		probeURL := fmt.Sprintf("http://%s%s", net.JoinHostPort(host, fmt.Sprintf("%d", port)), path)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
		if err != nil {
			continue
		}
		resp, err := d.probeClient.Do(req)
		if err != nil {
			continue
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			continue
		}
		if LooksLikeRenderer(body) {
			return true
		}
	}
	return false
}

// LooksLikeRenderer classifies a probe body as a UPnP device description
// or a Cast eureka_info document.
func LooksLikeRenderer(body []byte) bool {
	s := strings.TrimSpace(string(body))
	if strings.HasPrefix(s, "{") {
		return strings.Contains(s, `"name"`) || strings.Contains(s, `"cast_build_revision"`)
	}
	return strings.Contains(s, "urn:schemas-upnp-org:device") ||
		strings.Contains(s, "<friendlyName>")
}
