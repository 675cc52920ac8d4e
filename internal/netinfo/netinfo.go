package netinfo

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrNoRoutableIPv4 is returned when no usable interface address exists.
// The blast pipeline cannot run without one: renderers must be able to
// reach the media origin over the LAN.
var ErrNoRoutableIPv4 = errors.New("no routable IPv4 address on any interface")

// RoutableIPv4 returns the device's IPv4 on the primary non-loopback,
// non-link-local interface.
func RoutableIPv4() (net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate interfaces: %w", err)
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipNet.IP.To4()
			if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}
			return ip, nil
		}
	}

	return nil, ErrNoRoutableIPv4
}

// SubnetHosts enumerates the /24 derived from ip, excluding the network
// address, the broadcast address and ip itself.
func SubnetHosts(ip net.IP) []string {
	v4 := ip.To4()
	if v4 == nil {
		return nil
	}
	hosts := make([]string, 0, 253)
	for last := 1; last < 255; last++ {
		if int(v4[3]) == last {
			continue
		}
		hosts = append(hosts, fmt.Sprintf("%d.%d.%d.%d", v4[0], v4[1], v4[2], last))
	}
	return hosts
}

// LinkKind tags the kind of network link the device is on.
type LinkKind string

const (
	LinkWiFi         LinkKind = "wifi"
	LinkMobile       LinkKind = "mobile"
	LinkDisconnected LinkKind = "disconnected"
)

// NetworkState is a snapshot of the device's network link. It is supplied
// by the platform collaborator (UI shell or trigger API); the core never
// shells out to OS WiFi tooling.
type NetworkState struct {
	Kind LinkKind `json:"kind"`
	SSID string   `json:"ssid,omitempty"`
}

// Wifi builds a WiFi state with the raw SSID as reported by the platform.
func Wifi(ssid string) NetworkState {
	return NetworkState{Kind: LinkWiFi, SSID: ssid}
}

// Disconnected is the zero-link state.
func Disconnected() NetworkState {
	return NetworkState{Kind: LinkDisconnected}
}

// NormalizedSSID strips the surrounding quotes some platforms include in
// the reported SSID.
func (s NetworkState) NormalizedSSID() string {
	return strings.Trim(s.SSID, `"`)
}

// IsWiFi reports whether the device is on a WiFi link.
func (s NetworkState) IsWiFi() bool {
	return s.Kind == LinkWiFi
}
