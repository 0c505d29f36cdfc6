// Package discovery finds the other members of a ring on the local
// network and keeps the table of where they can be reached.
//
// Each node advertises itself over mDNS with its public discovery token
// and listens for everybody else. Only records carrying the local token
// end up in the Directory; everybody else on the LAN is ignored.
package discovery

import (
	"net"
	"strconv"
	"strings"
)

const (
	// ServiceType is the DNS-SD service browsed and advertised.
	ServiceType = "_clipring._tcp"
	// Domain is the mDNS domain.
	Domain = "local."
	// ProtocolVersion is advertised in the version TXT record.
	ProtocolVersion = "1"

	instancePrefix = "clipring-"

	txtVersion = "version"
	txtRing    = "ring"
	txtName    = "name"
	txtDevice  = "device"

	unknownName = "Unknown"
)

// Presence is one observation of a ring member on the network, already
// stripped of mDNS details.
type Presence struct { // A
	Instance    string
	DeviceID    string
	DisplayName string
	Token       string
	Version     string
	IPv4        []net.IP
	IPv6        []net.IP
	Port        int
	// Removed marks a goodbye record: the instance withdrew.
	Removed bool
}

// InstanceName is the advertised DNS-SD instance of a device.
func InstanceName(deviceID string) string { // A
	return instancePrefix + deviceID
}

// DeviceIDFromInstance recovers the device id from an instance name,
// tolerating a trailing service/domain suffix.
func DeviceIDFromInstance(instance string) (string, bool) { // A
	i := strings.Index(instance, instancePrefix)
	if i < 0 {
		return "", false
	}
	rest := instance[i+len(instancePrefix):]
	if j := strings.IndexByte(rest, '.'); j >= 0 {
		rest = rest[:j]
	}
	if rest == "" {
		return "", false
	}
	return rest, true
}

// TXTRecords builds the TXT strings advertised for this device.
func TXTRecords(token, displayName, deviceID string) []string { // A
	return []string{
		txtVersion + "=" + ProtocolVersion,
		txtRing + "=" + token,
		txtName + "=" + displayName,
		txtDevice + "=" + deviceID,
	}
}

// ParseTXT splits key=value TXT strings. Surrounding quotes are removed
// and later keys win.
func ParseTXT(txt []string) map[string]string { // A
	out := make(map[string]string, len(txt))
	for _, rec := range txt {
		k, v, ok := strings.Cut(rec, "=")
		if !ok {
			continue
		}
		k = strings.ToLower(strings.TrimSpace(k))
		v = strings.Trim(strings.TrimSpace(v), `"`)
		out[k] = v
	}
	return out
}

// PresenceFromTXT builds a Presence from a resolved record. A missing
// device TXT falls back to the instance name.
func PresenceFromTXT( // A
	instance string,
	txt []string,
	ipv4, ipv6 []net.IP,
	port int,
) Presence {
	kv := ParseTXT(txt)
	p := Presence{
		Instance:    instance,
		DeviceID:    kv[txtDevice],
		DisplayName: kv[txtName],
		Token:       kv[txtRing],
		Version:     kv[txtVersion],
		IPv4:        ipv4,
		IPv6:        ipv6,
		Port:        port,
	}
	if p.DeviceID == "" {
		if id, ok := DeviceIDFromInstance(instance); ok {
			p.DeviceID = id
		} else {
			p.DeviceID = instance
		}
	}
	if p.DisplayName == "" {
		p.DisplayName = unknownName
	}
	return p
}

// SelectAddress picks the dial address: the first IPv4 address when
// there is one, else the first IPv6 address. Link-local IPv6 is usable
// only with a zone, which mDNS does not carry, so IPv4 wins.
func SelectAddress(ipv4, ipv6 []net.IP, port int) (string, bool) { // A
	for _, ip := range ipv4 {
		if v4 := ip.To4(); v4 != nil {
			return net.JoinHostPort(v4.String(), strconv.Itoa(port)), true
		}
	}
	for _, ip := range ipv6 {
		if ip != nil {
			return net.JoinHostPort(ip.String(), strconv.Itoa(port)), true
		}
	}
	return "", false
}
