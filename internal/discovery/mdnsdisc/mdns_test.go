package mdnsdisc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyatt727/fartlooper/internal/discovery"
	"github.com/wyatt727/fartlooper/pkg/logging"
)

func TestEntryToRendererCastDefaultsToHTTPPort(t *testing.T) {
	entry := &mdns.ServiceEntry{
		Name:   `Living\ Room._googlecast._tcp.local.`,
		AddrV4: net.ParseIP("192.168.1.101"),
		Port:   8009,
	}

	r, ok := entryToRenderer(castService, entry, newTLSHosts())
	require.True(t, ok)
	assert.Equal(t, 8008, r.Port)
	assert.Equal(t, "Living Room", r.FriendlyName)
	assert.Equal(t, discovery.SourceMDNS, r.Source)
	assert.False(t, r.HasAVTransport())
}

func TestEntryToRendererKeepsTLSPortWhenSeen(t *testing.T) {
	tls := newTLSHosts()
	tls.add("192.168.1.101")

	entry := &mdns.ServiceEntry{
		Name:   "speaker._googlecast._tcp.local.",
		AddrV4: net.ParseIP("192.168.1.101"),
		Port:   8009,
	}

	r, ok := entryToRenderer(castService, entry, tls)
	require.True(t, ok)
	assert.Equal(t, 8009, r.Port)
}

func TestEntryToRendererKeepsSRVPortForNonCast(t *testing.T) {
	entry := &mdns.ServiceEntry{
		Name:   "Apple-TV._airplay._tcp.local.",
		AddrV4: net.ParseIP("192.168.1.60"),
		Port:   7000,
	}

	r, ok := entryToRenderer("_airplay._tcp", entry, newTLSHosts())
	require.True(t, ok)
	assert.Equal(t, 7000, r.Port)
	assert.Equal(t, "Apple-TV", r.FriendlyName)
}

func TestEntryToRendererDropsEntriesWithoutIPv4(t *testing.T) {
	entry := &mdns.ServiceEntry{Name: "x._airplay._tcp.local.", Port: 7000}
	_, ok := entryToRenderer("_airplay._tcp", entry, newTLSHosts())
	assert.False(t, ok)
}

func TestDiscoverEmitsResolvedEntries(t *testing.T) {
	d := New(logging.NewLogger(), []string{"_airplay._tcp"})
	d.query = func(params *mdns.QueryParam) error {
		if params.Service == "_airplay._tcp" {
			params.Entries <- &mdns.ServiceEntry{
				Name:   "Apple-TV._airplay._tcp.local.",
				AddrV4: net.ParseIP("192.168.1.60"),
				Port:   7000,
			}
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	stream, err := d.Discover(ctx)
	require.NoError(t, err)

	var got []discovery.Renderer
	for r := range stream {
		got = append(got, r)
	}
	require.Len(t, got, 1)
	assert.Equal(t, "192.168.1.60:7000", got[0].Key())
}

func TestDiscoverResolvesTLSHostsBeforeCastQuery(t *testing.T) {
	d := New(logging.NewLogger(), []string{castService})
	d.query = func(params *mdns.QueryParam) error {
		switch params.Service {
		case castTLSService:
			params.Entries <- &mdns.ServiceEntry{
				Name:   "tls-speaker._googlecasttls._tcp.local.",
				AddrV4: net.ParseIP("192.168.1.70"),
				Port:   8009,
			}
		case castService:
			params.Entries <- &mdns.ServiceEntry{
				Name:   "tls-speaker._googlecast._tcp.local.",
				AddrV4: net.ParseIP("192.168.1.70"),
				Port:   8009,
			}
			params.Entries <- &mdns.ServiceEntry{
				Name:   "plain-speaker._googlecast._tcp.local.",
				AddrV4: net.ParseIP("192.168.1.71"),
				Port:   8009,
			}
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	stream, err := d.Discover(ctx)
	require.NoError(t, err)

	ports := map[string]int{}
	for r := range stream {
		ports[r.IP.String()] = r.Port
	}
	assert.Equal(t, 8009, ports["192.168.1.70"], "TLS-capable host keeps the control port")
	assert.Equal(t, 8008, ports["192.168.1.71"], "plain host is downgraded to the HTTP port")
}

func TestInstanceName(t *testing.T) {
	assert.Equal(t, "Kitchen speaker",
		instanceName(`Kitchen\ speaker._googlecast._tcp.local.`, castService))
	assert.Equal(t, "plain", instanceName("plain", castService))
}
