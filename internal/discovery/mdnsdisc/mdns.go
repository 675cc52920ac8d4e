package mdnsdisc

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"

	"github.com/wyatt727/fartlooper/internal/discovery"
	"github.com/wyatt727/fartlooper/pkg/logging"
)

// DefaultServiceTypes are the service types queried when config does not
// override them.
var DefaultServiceTypes = []string{
	"_googlecast._tcp",
	"_airplay._tcp",
	"_raop._tcp",
	"_spotify-connect._tcp",
}

const (
	castService    = "_googlecast._tcp"
	castTLSService = "_googlecasttls._tcp"

	// Cast devices answer discovery and description requests on 8008;
	// 8009 is the TLS control channel.
	castHTTPPort = 8008

	defaultQueryTimeout = 3 * time.Second
)

// Discoverer finds renderers over multicast DNS. Emitted renderers carry
// no control URLs; the orchestrator promotes them lazily via a
// description fetch.
type Discoverer struct {
	logger       logging.Logger
	serviceTypes []string

	// query is swappable for tests.
	query func(params *mdns.QueryParam) error
}

// New creates an mDNS discoverer for the given service types.
func New(logger logging.Logger, serviceTypes []string) *Discoverer {
	if len(serviceTypes) == 0 {
		serviceTypes = DefaultServiceTypes
	}
	return &Discoverer{
		logger:       logger,
		serviceTypes: serviceTypes,
		query:        mdns.Query,
	}
}

// Source implements discovery.Discoverer.
func (d *Discoverer) Source() discovery.Source {
	return discovery.SourceMDNS
}

// Discover queries every configured service type concurrently and emits
// one renderer per resolved SRV+A pair.
func (d *Discoverer) Discover(ctx context.Context) (<-chan discovery.Renderer, error) {
	timeout := defaultQueryTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	out := make(chan discovery.Renderer, 16)
	tls := newTLSHosts()

	var wg sync.WaitGroup
	castConfigured := containsService(d.serviceTypes, castService)
	for _, st := range d.serviceTypes {
		// The cast pass below covers the TLS variant's hosts too.
		if st == castService || (st == castTLSService && castConfigured) {
			continue
		}
		wg.Add(1)
		go func(serviceType string) {
			defer wg.Done()
			d.queryService(ctx, serviceType, timeout, tls, out)
		}(st)
	}

	// Cast runs on its own goroutine with the TLS variant resolved
	// first: tls.has() during the cast query must see every TLS host, or
	// the 8008-vs-8009 choice becomes a race.
	if castConfigured {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tlsTimeout := timeout / 2
			if tlsTimeout > time.Second {
				tlsTimeout = time.Second
			}
			d.collectTLSHosts(ctx, tlsTimeout, tls)
			d.queryService(ctx, castService, timeout, tls, out)
		}()
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	return out, nil
}

func (d *Discoverer) queryService(ctx context.Context, serviceType string, timeout time.Duration, tls *tlsHosts, out chan<- discovery.Renderer) {
	entries := make(chan *mdns.ServiceEntry, 32)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			r, ok := entryToRenderer(serviceType, entry, tls)
			if !ok {
				continue
			}
			select {
			case out <- r:
			case <-ctx.Done():
				return
			}
		}
	}()

	err := d.query(&mdns.QueryParam{
		Service:     serviceType,
		Domain:      "local",
		Timeout:     timeout,
		Entries:     entries,
		DisableIPv6: true,
	})
	close(entries)
	wg.Wait()

	if err != nil {
		d.logger.WithError(err).WithField("service_type", serviceType).Debug("mDNS query failed")
	}
}

func (d *Discoverer) collectTLSHosts(ctx context.Context, timeout time.Duration, tls *tlsHosts) {
	entries := make(chan *mdns.ServiceEntry, 32)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			if entry.AddrV4 != nil {
				tls.add(entry.AddrV4.String())
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
		}
	}()

	err := d.query(&mdns.QueryParam{
		Service:     castTLSService,
		Domain:      "local",
		Timeout:     timeout,
		Entries:     entries,
		DisableIPv6: true,
	})
	close(entries)
	wg.Wait()

	if err != nil {
		d.logger.WithError(err).Debug("mDNS TLS-variant query failed")
	}
}

// entryToRenderer converts a resolved service entry. Entries without an
// IPv4 address are dropped; discovery is IPv4-only.
func entryToRenderer(serviceType string, entry *mdns.ServiceEntry, tls *tlsHosts) (discovery.Renderer, bool) {
	if entry == nil || entry.AddrV4 == nil || entry.Port == 0 {
		return discovery.Renderer{}, false
	}

	port := entry.Port
	if strings.HasPrefix(serviceType, castService) && !tls.has(entry.AddrV4.String()) {
		port = castHTTPPort
	}

	return discovery.Renderer{
		IP:           entry.AddrV4,
		Port:         port,
		DeviceType:   serviceType,
		FriendlyName: instanceName(entry.Name, serviceType),
		Source:       discovery.SourceMDNS,
	}, true
}

// instanceName strips the service suffix from a full mDNS instance name
// and undoes the space escaping.
func instanceName(name, serviceType string) string {
	name = strings.TrimSuffix(name, ".")
	name = strings.TrimSuffix(name, "local")
	name = strings.TrimSuffix(name, ".")
	name = strings.TrimSuffix(name, serviceType)
	name = strings.TrimSuffix(name, ".")
	return strings.ReplaceAll(name, `\ `, " ")
}

func containsService(types []string, serviceType string) bool {
	for _, t := range types {
		if t == serviceType {
			return true
		}
	}
	return false
}

type tlsHosts struct {
	mu    sync.Mutex
	hosts map[string]bool
}

func newTLSHosts() *tlsHosts {
	return &tlsHosts{hosts: make(map[string]bool)}
}

func (t *tlsHosts) add(host string) {
	t.mu.Lock()
	t.hosts[host] = true
	t.mu.Unlock()
}

func (t *tlsHosts) has(host string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hosts[host]
}
