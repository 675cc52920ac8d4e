package soap

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/wyatt727/fartlooper/pkg/logging"
)

// AVTransportServiceType is the UPnP service every blast target must
// implement.
const AVTransportServiceType = "urn:schemas-upnp-org:service:AVTransport:1"

const (
	connectTimeout = 2 * time.Second
	totalTimeout   = 4 * time.Second
)

// Error is a failed SOAP invocation. UPnPCode carries the
// <errorCode> from a fault body when the renderer sent one (718 =
// transition not available, the classic Play-before-Set symptom).
type Error struct {
	Action     string
	HTTPStatus int
	UPnPCode   string
	Detail     string
}

func (e *Error) Error() string {
	if e.UPnPCode != "" {
		return fmt.Sprintf("soap %s failed: upnp error %s (%s)", e.Action, e.UPnPCode, e.Detail)
	}
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("soap %s failed: http %d", e.Action, e.HTTPStatus)
	}
	return fmt.Sprintf("soap %s failed: %s", e.Action, e.Detail)
}

// UPnPCodeFromError extracts the UPnP error code from an error chain.
func UPnPCodeFromError(err error) (string, bool) {
	var soapErr *Error
	if errors.As(err, &soapErr) && soapErr.UPnPCode != "" {
		return soapErr.UPnPCode, true
	}
	return "", false
}

// Client issues AVTransport actions against renderer control URLs.
// Keep-alive is disabled: many embedded renderers mis-handle pipelined
// requests.
type Client struct {
	logger     logging.Logger
	httpClient *http.Client
}

// NewClient creates a SOAP client.
func NewClient(logger logging.Logger) *Client {
	return &Client{
		logger: logger,
		httpClient: &http.Client{
			Timeout: totalTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: connectTimeout,
				}).DialContext,
				DisableKeepAlives: true,
			},
		},
	}
}

// SetAVTransportURI points the renderer at the media URL. metadata is
// the DIDL-Lite document; it is escaped into CurrentURIMetaData here.
func (c *Client) SetAVTransportURI(ctx context.Context, controlURL, mediaURL, metadata string) error {
	body := fmt.Sprintf(
		`<u:SetAVTransportURI xmlns:u="%s"><InstanceID>0</InstanceID><CurrentURI>%s</CurrentURI><CurrentURIMetaData>%s</CurrentURIMetaData></u:SetAVTransportURI>`,
		AVTransportServiceType,
		escapeXML(mediaURL),
		escapeXML(metadata),
	)
	return c.invoke(ctx, controlURL, "SetAVTransportURI", body)
}

// Play starts playback at normal speed.
func (c *Client) Play(ctx context.Context, controlURL string) error {
	body := fmt.Sprintf(
		`<u:Play xmlns:u="%s"><InstanceID>0</InstanceID><Speed>1</Speed></u:Play>`,
		AVTransportServiceType,
	)
	return c.invoke(ctx, controlURL, "Play", body)
}

// Stop halts playback.
func (c *Client) Stop(ctx context.Context, controlURL string) error {
	body := fmt.Sprintf(
		`<u:Stop xmlns:u="%s"><InstanceID>0</InstanceID></u:Stop>`,
		AVTransportServiceType,
	)
	return c.invoke(ctx, controlURL, "Stop", body)
}

func (c *Client) invoke(ctx context.Context, controlURL, action, actionBody string) error {
	envelope := `<?xml version="1.0" encoding="utf-8"?>` +
		`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">` +
		`<s:Body>` + actionBody + `</s:Body></s:Envelope>`

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, controlURL, bytes.NewBufferString(envelope))
	if err != nil {
		return &Error{Action: action, Detail: err.Error()}
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("SOAPAction", fmt.Sprintf(`"%s#%s"`, AVTransportServiceType, action))
	req.Header.Set("Connection", "close")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Action: action, Detail: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return &Error{Action: action, HTTPStatus: resp.StatusCode, Detail: err.Error()}
	}

	code, detail, faulted := parseFault(body)
	if resp.StatusCode != http.StatusOK {
		return &Error{Action: action, HTTPStatus: resp.StatusCode, UPnPCode: code, Detail: detail}
	}
	if faulted {
		return &Error{Action: action, HTTPStatus: resp.StatusCode, UPnPCode: code, Detail: detail}
	}

	c.logger.WithFields(logging.Fields{
		"action":      action,
		"control_url": controlURL,
	}).Debug("SOAP action succeeded")
	return nil
}

type faultEnvelope struct {
	XMLName xml.Name `xml:"Envelope"`
	Body    struct {
		Fault *faultBody `xml:"Fault"`
	} `xml:"Body"`
}

type faultBody struct {
	FaultCode   string `xml:"faultcode"`
	FaultString string `xml:"faultstring"`
	Detail      struct {
		UPnPError struct {
			Code        string `xml:"errorCode"`
			Description string `xml:"errorDescription"`
		} `xml:"UPnPError"`
	} `xml:"detail"`
}

// parseFault reports whether the body is a SOAP fault, extracting the
// UPnP error code for telemetry when present.
func parseFault(body []byte) (code, detail string, faulted bool) {
	var env faultEnvelope
	if err := xml.Unmarshal(body, &env); err != nil || env.Body.Fault == nil {
		return "", "", false
	}
	f := env.Body.Fault
	code = f.Detail.UPnPError.Code
	detail = f.Detail.UPnPError.Description
	if detail == "" {
		detail = f.FaultString
	}
	return code, detail, true
}

func escapeXML(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}
