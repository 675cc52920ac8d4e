package portscan

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyatt727/fartlooper/internal/discovery"
	"github.com/wyatt727/fartlooper/pkg/logging"
)

func TestLooksLikeRenderer(t *testing.T) {
	assert.True(t, LooksLikeRenderer([]byte(`<?xml version="1.0"?><root xmlns="urn:schemas-upnp-org:device-1-0"></root>`)))
	assert.True(t, LooksLikeRenderer([]byte(`<device><friendlyName>TV</friendlyName></device>`)))
	assert.True(t, LooksLikeRenderer([]byte(`{"name":"Living Room speaker"}`)))
	assert.True(t, LooksLikeRenderer([]byte(`{"build_info":1,"cast_build_revision":"1.56"}`)))
	assert.False(t, LooksLikeRenderer([]byte(`<html><body>router admin</body></html>`)))
	assert.False(t, LooksLikeRenderer([]byte(`{"status":"ok"}`)))
}

func TestDiscoverEmitsClassifiedHost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/xml/device_description.xml" {
			_, _ = w.Write([]byte(`<root xmlns="urn:schemas-upnp-org:device-1-0"><device><friendlyName>TV</friendlyName></device></root>`))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	host, portStr, _ := net.SplitHostPort(u.Host)
	port, _ := strconv.Atoi(portStr)

	d := New(logging.NewLogger(), []int{port})
	d.hosts = func() ([]string, error) { return []string{host}, nil }

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := d.Discover(ctx)
	require.NoError(t, err)

	var got []discovery.Renderer
	for r := range stream {
		got = append(got, r)
	}
	require.Len(t, got, 1)
	assert.Equal(t, discovery.SourcePortScan, got[0].Source)
	assert.Equal(t, port, got[0].Port)
	assert.False(t, got[0].HasAVTransport())
}

func TestDiscoverSkipsUnclassifiedHost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>not a renderer</html>"))
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	host, portStr, _ := net.SplitHostPort(u.Host)
	port, _ := strconv.Atoi(portStr)

	d := New(logging.NewLogger(), []int{port})
	d.hosts = func() ([]string, error) { return []string{host}, nil }

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := d.Discover(ctx)
	require.NoError(t, err)

	count := 0
	for range stream {
		count++
	}
	assert.Zero(t, count)
}

func TestDiscoverClosedPortsProduceNothing(t *testing.T) {
	// Grab a port and close it so nothing is listening.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	d := New(logging.NewLogger(), []int{port})
	d.hosts = func() ([]string, error) { return []string{"127.0.0.1"}, nil }

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stream, err := d.Discover(ctx)
	require.NoError(t, err)
	count := 0
	for range stream {
		count++
	}
	assert.Zero(t, count)
}
