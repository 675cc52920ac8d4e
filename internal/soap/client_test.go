package soap

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyatt727/fartlooper/pkg/logging"
)

const faultBody718 = `<?xml version="1.0"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">
  <s:Body>
    <s:Fault>
      <faultcode>s:Client</faultcode>
      <faultstring>UPnPError</faultstring>
      <detail>
        <UPnPError xmlns="urn:schemas-upnp-org:control-1-0">
          <errorCode>718</errorCode>
          <errorDescription>Transition not available</errorDescription>
        </UPnPError>
      </detail>
    </s:Fault>
  </s:Body>
</s:Envelope>`

const okBody = `<?xml version="1.0"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">
  <s:Body>
    <u:SetAVTransportURIResponse xmlns:u="urn:schemas-upnp-org:service:AVTransport:1"/>
  </s:Body>
</s:Envelope>`

func TestSetAVTransportURISendsWellFormedRequest(t *testing.T) {
	var gotAction, gotContentType, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAction = r.Header.Get("SOAPAction")
		gotContentType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		_, _ = w.Write([]byte(okBody))
	}))
	defer srv.Close()

	client := NewClient(logging.NewLogger())
	metadata := DIDLLite("Clip", "http://192.168.1.2:8080/media/current.mp3", "audio/mpeg")
	err := client.SetAVTransportURI(context.Background(), srv.URL,
		"http://192.168.1.2:8080/media/current.mp3", metadata)
	require.NoError(t, err)

	assert.Equal(t, `"urn:schemas-upnp-org:service:AVTransport:1#SetAVTransportURI"`, gotAction)
	assert.Equal(t, `text/xml; charset="utf-8"`, gotContentType)
	assert.Contains(t, gotBody, "<InstanceID>0</InstanceID>")
	assert.Contains(t, gotBody, "<CurrentURI>http://192.168.1.2:8080/media/current.mp3</CurrentURI>")
	// The DIDL-Lite payload is XML-escaped into CurrentURIMetaData.
	assert.Contains(t, gotBody, "&lt;DIDL-Lite")
	assert.Contains(t, gotBody, "object.item.audioItem.musicTrack")
}

func TestPlaySendsSpeedOne(t *testing.T) {
	var gotBody, gotAction string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAction = r.Header.Get("SOAPAction")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		_, _ = w.Write([]byte(okBody))
	}))
	defer srv.Close()

	client := NewClient(logging.NewLogger())
	require.NoError(t, client.Play(context.Background(), srv.URL))

	assert.Equal(t, `"urn:schemas-upnp-org:service:AVTransport:1#Play"`, gotAction)
	assert.Contains(t, gotBody, "<Speed>1</Speed>")
}

func TestFaultBodyIsFailureWithUPnPCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(faultBody718))
	}))
	defer srv.Close()

	client := NewClient(logging.NewLogger())
	err := client.Play(context.Background(), srv.URL)
	require.Error(t, err)

	code, ok := UPnPCodeFromError(err)
	require.True(t, ok)
	assert.Equal(t, "718", code)
}

func TestFaultWithHTTP200IsStillFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(faultBody718))
	}))
	defer srv.Close()

	client := NewClient(logging.NewLogger())
	err := client.SetAVTransportURI(context.Background(), srv.URL, "http://x/y.mp3", "")
	require.Error(t, err)

	code, ok := UPnPCodeFromError(err)
	require.True(t, ok)
	assert.Equal(t, "718", code)
}

func TestNetworkErrorIsFailureWithoutCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	controlURL := srv.URL
	srv.Close()

	client := NewClient(logging.NewLogger())
	err := client.Play(context.Background(), controlURL)
	require.Error(t, err)
	_, ok := UPnPCodeFromError(err)
	assert.False(t, ok)
}

func TestDIDLLite(t *testing.T) {
	didl := DIDLLite("My <Clip>", "http://192.168.1.2:8080/media/current.mp3", "audio/mpeg")
	assert.True(t, strings.HasPrefix(didl, "<DIDL-Lite"))
	assert.Contains(t, didl, `protocolInfo="http-get:*:audio/mpeg:*"`)
	assert.Contains(t, didl, "My &lt;Clip&gt;")
	assert.Contains(t, didl, "object.item.audioItem.musicTrack")
}

func TestParseFaultNonFault(t *testing.T) {
	_, _, faulted := parseFault([]byte(okBody))
	assert.False(t, faulted)
	_, _, faulted = parseFault([]byte("not xml"))
	assert.False(t, faulted)
}
