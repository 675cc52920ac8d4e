package soap

import "fmt"

// DIDLLite builds the CurrentURIMetaData document for an audio clip.
// Some renderers accept an empty metadata argument, Sonos does not;
// always send a single-item DIDL-Lite with a protocolInfo res.
func DIDLLite(title, mediaURL, contentType string) string {
	if title == "" {
		title = "Audio Clip"
	}
	if contentType == "" {
		contentType = "audio/mpeg"
	}
	return fmt.Sprintf(
		`<DIDL-Lite xmlns="urn:schemas-upnp-org:metadata-1-0/DIDL-Lite/" xmlns:dc="http://purl.org/dc/elements/1.1/" xmlns:upnp="urn:schemas-upnp-org:metadata-1-0/upnp/">`+
			`<item id="1" parentID="0" restricted="1">`+
			`<dc:title>%s</dc:title>`+
			`<upnp:class>object.item.audioItem.musicTrack</upnp:class>`+
			`<res protocolInfo="http-get:*:%s:*">%s</res>`+
			`</item>`+
			`</DIDL-Lite>`,
		escapeXML(title),
		contentType,
		escapeXML(mediaURL),
	)
}
