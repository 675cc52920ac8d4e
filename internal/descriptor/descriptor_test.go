package descriptor

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyatt727/fartlooper/internal/discovery"
)

const sonosDescription = `<?xml version="1.0"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
  <device>
    <deviceType>urn:schemas-upnp-org:device:ZonePlayer:1</deviceType>
    <friendlyName>192.168.1.100 - Sonos Play:1</friendlyName>
    <manufacturer>Sonos, Inc.</manufacturer>
    <modelName>Sonos Play:1</modelName>
    <UDN>uuid:RINCON_000E58AA</UDN>
    <iconList>
      <icon>
        <mimetype>image/png</mimetype>
        <url>/img/icon-S1.png</url>
      </icon>
    </iconList>
    <deviceList>
      <device>
        <deviceType>urn:schemas-upnp-org:device:MediaRenderer:1</deviceType>
        <serviceList>
          <service>
            <serviceType>urn:schemas-upnp-org:service:RenderingControl:1</serviceType>
            <serviceId>urn:upnp-org:serviceId:RenderingControl</serviceId>
            <controlURL>/MediaRenderer/RenderingControl/Control</controlURL>
          </service>
          <service>
            <serviceType>urn:schemas-upnp-org:service:AVTransport:1</serviceType>
            <serviceId>urn:upnp-org:serviceId:AVTransport</serviceId>
            <controlURL>/MediaRenderer/AVTransport/Control</controlURL>
          </service>
        </serviceList>
      </device>
    </deviceList>
  </device>
</root>`

const urlBaseDescription = `<?xml version="1.0"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
  <URLBase>http://192.168.1.200:49152/</URLBase>
  <device>
    <deviceType>urn:schemas-upnp-org:device:MediaRenderer:1</deviceType>
    <friendlyName>Bravia TV</friendlyName>
    <manufacturer>Sony</manufacturer>
    <modelName>KDL-50W800</modelName>
    <UDN>uuid:34567</UDN>
    <serviceList>
      <service>
        <serviceType>urn:schemas-upnp-org:service:AVTransport:1</serviceType>
        <controlURL>upnp/control/AVTransport</controlURL>
      </service>
    </serviceList>
  </device>
</root>`

func TestParseSonosDescription(t *testing.T) {
	base, _ := url.Parse("http://192.168.1.100:1400/xml/device_description.xml")
	desc, err := Parse([]byte(sonosDescription), base)
	require.NoError(t, err)

	assert.Equal(t, "192.168.1.100 - Sonos Play:1", desc.FriendlyName)
	assert.Equal(t, "Sonos, Inc.", desc.Manufacturer)
	assert.Equal(t, "Sonos Play:1", desc.ModelName)
	assert.Equal(t, "RINCON_000E58AA", desc.UUID)
	assert.Equal(t, "http://192.168.1.100:1400/img/icon-S1.png", desc.IconURL)
	assert.Equal(t,
		"http://192.168.1.100:1400/MediaRenderer/AVTransport/Control",
		desc.ControlURLs[discovery.ServiceAVTransport])
	assert.Equal(t,
		"http://192.168.1.100:1400/MediaRenderer/RenderingControl/Control",
		desc.ControlURLs[discovery.ServiceRenderingControl])
}

func TestParseHonorsURLBase(t *testing.T) {
	base, _ := url.Parse("http://192.168.1.200:80/desc.xml")
	desc, err := Parse([]byte(urlBaseDescription), base)
	require.NoError(t, err)
	assert.Equal(t,
		"http://192.168.1.200:49152/upnp/control/AVTransport",
		desc.ControlURLs[discovery.ServiceAVTransport])
}

func TestParseRejectsDescriptionWithoutControlURLs(t *testing.T) {
	doc := `<?xml version="1.0"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
  <device>
    <friendlyName>Printer</friendlyName>
    <serviceList>
      <service>
        <serviceType>urn:schemas-upnp-org:service:PrintBasic:1</serviceType>
        <controlURL>/print</controlURL>
      </service>
    </serviceList>
  </device>
</root>`
	_, err := Parse([]byte(doc), nil)
	assert.Error(t, err)
}

func TestParseEurekaInfo(t *testing.T) {
	body := `{"name":"Living Room speaker","ssid":"OfficeNet","mac_address":"aa:bb:cc"}`
	base, _ := url.Parse("http://192.168.1.101:8008/setup/eureka_info")
	desc, err := Parse([]byte(body), base)
	require.NoError(t, err)
	assert.Equal(t, "Living Room speaker", desc.FriendlyName)
	assert.Equal(t, "http://192.168.1.101:8008/apps/CC1AD845",
		desc.ControlURLs[discovery.ServiceAVTransport])
}

func TestParseEurekaRequiresName(t *testing.T) {
	_, err := Parse([]byte(`{"ssid":"x"}`), nil)
	assert.Error(t, err)
}

func TestFetchAndPromote(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/xml/device_description.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/xml")
		_, _ = w.Write([]byte(sonosDescription))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	host, portStr, _ := net.SplitHostPort(u.Host)
	port, _ := strconv.Atoi(portStr)

	client := NewClient()
	r := discovery.Renderer{IP: net.ParseIP(host), Port: port, Source: discovery.SourceMDNS}
	promoted, err := client.Promote(context.Background(), r)
	require.NoError(t, err)
	assert.True(t, promoted.HasAVTransport())
	assert.Equal(t, "192.168.1.100 - Sonos Play:1", promoted.FriendlyName)
	// Identity is untouched by promotion.
	assert.Equal(t, r.Key(), promoted.Key())
}

func TestPromoteFailsWhenNothingServes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	host, portStr, _ := net.SplitHostPort(u.Host)
	port, _ := strconv.Atoi(portStr)

	client := NewClient()
	r := discovery.Renderer{IP: net.ParseIP(host), Port: port, Source: discovery.SourcePortScan}
	_, err := client.Promote(context.Background(), r)
	assert.Error(t, err)
}
