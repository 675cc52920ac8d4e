package ssdp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSearchRequest(t *testing.T) {
	req := BuildSearchRequest("urn:schemas-upnp-org:device:MediaRenderer:1")

	assert.True(t, strings.HasPrefix(req, "M-SEARCH * HTTP/1.1\r\n"))
	assert.Contains(t, req, "HOST: 239.255.255.250:1900\r\n")
	assert.Contains(t, req, "MAN: \"ssdp:discover\"\r\n")
	assert.Contains(t, req, "MX: 1\r\n")
	assert.Contains(t, req, "ST: urn:schemas-upnp-org:device:MediaRenderer:1\r\n")
	assert.True(t, strings.HasSuffix(req, "\r\n\r\n"))
}

func TestParseSearchResponse(t *testing.T) {
	msg := "HTTP/1.1 200 OK\r\n" +
		"CACHE-CONTROL: max-age = 1800\r\n" +
		"EXT:\r\n" +
		"LOCATION: http://192.168.1.100:1400/xml/device_description.xml\r\n" +
		"SERVER: Linux UPnP/1.0 Sonos/57.3 (ZPS1)\r\n" +
		"ST: urn:schemas-upnp-org:device:MediaRenderer:1\r\n" +
		"USN: uuid:RINCON_000E58AA::urn:schemas-upnp-org:device:MediaRenderer:1\r\n" +
		"\r\n"

	headers, ok := ParseSearchResponse(msg)
	require.True(t, ok)
	assert.Equal(t, "http://192.168.1.100:1400/xml/device_description.xml", headers["LOCATION"])
	assert.Equal(t, "urn:schemas-upnp-org:device:MediaRenderer:1", headers["ST"])
}

func TestParseSearchResponseLowercaseHeaders(t *testing.T) {
	msg := "HTTP/1.1 200 OK\r\n" +
		"location: http://192.168.1.5:49152/desc.xml\r\n" +
		"usn: uuid:abc::upnp:rootdevice\r\n" +
		"\r\n"

	headers, ok := ParseSearchResponse(msg)
	require.True(t, ok)
	assert.Equal(t, "http://192.168.1.5:49152/desc.xml", headers["LOCATION"])
}

func TestParseSearchResponseRejectsNotify(t *testing.T) {
	msg := "NOTIFY * HTTP/1.1\r\nNT: upnp:rootdevice\r\n\r\n"
	_, ok := ParseSearchResponse(msg)
	assert.False(t, ok)
}

func TestExtractUUID(t *testing.T) {
	assert.Equal(t, "RINCON_000E58AA",
		ExtractUUID("uuid:RINCON_000E58AA::urn:schemas-upnp-org:device:MediaRenderer:1"))
	assert.Equal(t, "abc", ExtractUUID("uuid:abc"))
	assert.Equal(t, "", ExtractUUID(""))
}

func TestHostPortFromLocation(t *testing.T) {
	ip, port, err := hostPortFromLocation("http://192.168.1.100:1400/xml/device_description.xml")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.100", ip.String())
	assert.Equal(t, 1400, port)

	ip, port, err = hostPortFromLocation("http://192.168.1.7/desc.xml")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.7", ip.String())
	assert.Equal(t, 80, port)

	_, _, err = hostPortFromLocation("://bad")
	assert.Error(t, err)
}
