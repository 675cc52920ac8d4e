package ssdp

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/wyatt727/fartlooper/internal/descriptor"
	"github.com/wyatt727/fartlooper/internal/discovery"
	"github.com/wyatt727/fartlooper/pkg/logging"
)

const (
	multicastAddr = "239.255.255.250:1900"

	// MX=1: Sonos and most renderers respond reliably at MX=1; higher MX
	// delays responses without improving recall on small LANs.
	searchMX = 1

	// Repeated sends tolerate packet loss on WiFi.
	searchRepeats  = 3
	searchInterval = 250 * time.Millisecond
)

var searchTargets = []string{
	"urn:schemas-upnp-org:device:MediaRenderer:1",
	"upnp:rootdevice",
	"ssdp:all",
}

// Discoverer finds renderers by multicast M-SEARCH.
type Discoverer struct {
	logger logging.Logger
	desc   *descriptor.Client
}

// New creates an SSDP discoverer.
func New(logger logging.Logger) *Discoverer {
	return &Discoverer{
		logger: logger,
		desc:   descriptor.NewClient(),
	}
}

// Source implements discovery.Discoverer.
func (d *Discoverer) Source() discovery.Source {
	return discovery.SourceSSDP
}

// Discover sends M-SEARCH probes and emits a renderer per response whose
// description document carries an AVTransport control URL. The stream
// closes when the context deadline elapses.
func (d *Discoverer) Discover(ctx context.Context) (<-chan discovery.Renderer, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("failed to open SSDP socket: %w", err)
	}

	out := make(chan discovery.Renderer, 16)
	go d.run(ctx, conn, out)
	return out, nil
}

func (d *Discoverer) run(ctx context.Context, conn *net.UDPConn, out chan<- discovery.Renderer) {
	defer close(out)
	defer conn.Close()

	go d.sendSearches(ctx, conn)

	var (
		wg            sync.WaitGroup
		mu            sync.Mutex
		seenLocations = make(map[string]bool)
	)
	defer wg.Wait()

	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		deadline := time.Now().Add(500 * time.Millisecond)
		if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
			deadline = ctxDeadline
		}
		_ = conn.SetReadDeadline(deadline)

		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return
		}

		headers, ok := ParseSearchResponse(string(buf[:n]))
		if !ok {
			continue
		}
		location := headers["LOCATION"]
		if location == "" {
			continue
		}

		mu.Lock()
		dup := seenLocations[location]
		seenLocations[location] = true
		mu.Unlock()
		if dup {
			continue
		}

		wg.Add(1)
		go func(location, usn string) {
			defer wg.Done()
			d.resolve(ctx, location, usn, out)
		}(location, headers["USN"])
	}
}

func (d *Discoverer) sendSearches(ctx context.Context, conn *net.UDPConn) {
	dst, err := net.ResolveUDPAddr("udp4", multicastAddr)
	if err != nil {
		d.logger.WithError(err).Error("Failed to resolve SSDP multicast address")
		return
	}

	for i := 0; i < searchRepeats; i++ {
		for _, st := range searchTargets {
			if _, err := conn.WriteToUDP([]byte(BuildSearchRequest(st)), dst); err != nil {
				d.logger.WithError(err).WithField("st", st).Debug("M-SEARCH send failed")
			}
		}
		select {
		case <-time.After(searchInterval):
		case <-ctx.Done():
			return
		}
	}
}

// resolve fetches the description document behind a LOCATION header and
// emits a renderer when it exposes AVTransport. Responses whose host is
// unreachable or whose description lacks the service are discarded.
func (d *Discoverer) resolve(ctx context.Context, location, usn string, out chan<- discovery.Renderer) {
	ip, port, err := hostPortFromLocation(location)
	if err != nil {
		d.logger.WithError(err).WithField("location", location).Debug("Unusable LOCATION header")
		return
	}

	desc, err := d.desc.Fetch(ctx, location)
	if err != nil {
		d.logger.WithError(err).WithField("location", location).Debug("Description fetch failed")
		return
	}

	r := discovery.Renderer{
		IP:           ip,
		Port:         port,
		DeviceType:   desc.DeviceType,
		FriendlyName: desc.FriendlyName,
		Manufacturer: desc.Manufacturer,
		ModelName:    desc.ModelName,
		UUID:         desc.UUID,
		IconURL:      desc.IconURL,
		ControlURLs:  desc.ControlURLs,
		Source:       discovery.SourceSSDP,
	}
	if r.UUID == "" {
		r.UUID = ExtractUUID(usn)
	}
	if !r.HasAVTransport() {
		return
	}

	select {
	case out <- r:
	case <-ctx.Done():
	}
}

// BuildSearchRequest formats an M-SEARCH probe. The header block is
// exact: renderers drop probes without the quoted MAN value or the
// trailing CRLFCRLF.
func BuildSearchRequest(st string) string {
	return "M-SEARCH * HTTP/1.1\r\n" +
		"HOST: " + multicastAddr + "\r\n" +
		"MAN: \"ssdp:discover\"\r\n" +
		"MX: " + strconv.Itoa(searchMX) + "\r\n" +
		"ST: " + st + "\r\n" +
		"\r\n"
}

// ParseSearchResponse parses an SSDP search response into its headers.
// Returns ok=false for anything that is not an HTTP/1.1 200 response.
func ParseSearchResponse(message string) (map[string]string, bool) {
	lines := strings.Split(message, "\r\n")
	if len(lines) == 0 || !strings.HasPrefix(lines[0], "HTTP/1.1 200") {
		return nil, false
	}

	headers := make(map[string]string)
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.ToUpper(strings.TrimSpace(parts[0]))
		headers[key] = strings.TrimSpace(parts[1])
	}
	return headers, true
}

// ExtractUUID pulls the uuid out of a USN header value
// (uuid:XXX::urn:...).
func ExtractUUID(usn string) string {
	head := strings.SplitN(usn, "::", 2)[0]
	return strings.TrimPrefix(head, "uuid:")
}

func hostPortFromLocation(location string) (net.IP, int, error) {
	u, err := url.Parse(location)
	if err != nil {
		return nil, 0, err
	}
	host := u.Hostname()
	ip := net.ParseIP(host)
	if ip == nil {
		// Description hosts are dotted quads on real devices; resolve
		// anything else rather than guessing.
		addrs, err := net.LookupIP(host)
		if err != nil || len(addrs) == 0 {
			return nil, 0, fmt.Errorf("unresolvable LOCATION host %q", host)
		}
		ip = addrs[0]
	}
	port := 80
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return nil, 0, fmt.Errorf("bad LOCATION port %q", p)
		}
	}
	return ip, port, nil
}

func isTimeout(err error) bool {
	netErr, ok := err.(net.Error)
	return ok && netErr.Timeout()
}
