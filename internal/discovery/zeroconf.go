package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/grandcat/zeroconf"
	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"
)

// mdnsGroup is the IPv4 mDNS multicast group.
var mdnsGroup = &net.UDPAddr{IP: net.IPv4(224, 0, 0, 251), Port: 5353}

// Zeroconf is the Backend built on github.com/grandcat/zeroconf.
type Zeroconf struct{}

var _ Backend = Zeroconf{}

// Advertise registers the service on every multicast interface.
func (Zeroconf) Advertise(instance string, port int, txt []string) (func(), error) {
	server, err := zeroconf.Register(instance, ServiceType, Domain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mdns service: %w", err)
	}
	return server.Shutdown, nil
}

// Browse runs one resolver until ctx is done. The resolver swallows
// goodbye records, so a second listener on the multicast group turns
// them into Removed presences.
func (Zeroconf) Browse(ctx context.Context, out chan<- Presence) error {
	resolver, err := zeroconf.NewResolver()
	if err != nil {
		return fmt.Errorf("create resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry, 16)
	if err := resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
		return fmt.Errorf("browse: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		watchGoodbyes(gctx, out)
		return nil
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case e, ok := <-entries:
				if !ok {
					return nil
				}
				if e == nil {
					continue
				}
				p := PresenceFromTXT(e.Instance, e.Text, e.AddrIPv4, e.AddrIPv6, e.Port)
				select {
				case out <- p:
				case <-gctx.Done():
					return nil
				}
			}
		}
	})
	return g.Wait()
}

// watchGoodbyes reads mDNS traffic until ctx is done and forwards every
// withdrawal of this service. Without multicast it returns at once and
// the Directory falls back to its staleness sweep.
func watchGoodbyes(ctx context.Context, out chan<- Presence) {
	conn, err := net.ListenMulticastUDP("udp4", nil, mdnsGroup)
	if err != nil {
		return
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	buf := make([]byte, 65536)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			return
		}
		for _, p := range Goodbyes(buf[:n]) {
			select {
			case out <- p:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Goodbyes decodes an mDNS packet and returns a Removed presence for each
// PTR record of this service announced with a zero TTL.
func Goodbyes(packet []byte) []Presence {
	var msg dns.Msg
	if err := msg.Unpack(packet); err != nil || !msg.Response {
		return nil
	}
	service := ServiceType + "." + Domain
	var out []Presence
	for _, rr := range append(msg.Answer, msg.Extra...) {
		ptr, ok := rr.(*dns.PTR)
		if !ok || ptr.Hdr.Ttl != 0 || !strings.EqualFold(ptr.Hdr.Name, service) {
			continue
		}
		instance := strings.TrimSuffix(ptr.Ptr, "."+service)
		if instance == ptr.Ptr || instance == "" {
			continue
		}
		out = append(out, Presence{Instance: instance, Removed: true})
	}
	return out
}
