// Package mdns advertises this host on the local network as a Moonlight
// streaming target, the way a real GameStream host makes itself visible to
// clients that never received a manually-entered address.
package mdns

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/pion/mdns/v2"
	"golang.org/x/net/ipv4"
)

const serviceName = "_nvstream._tcp.local."

// Config names the host identity. Hostname is the name the responder
// answers for; Port is only reported in the startup log line.
type Config struct {
	Hostname string
	Port     int
}

// Advertiser runs an mDNS responder for the configured host name until its
// context is cancelled.
type Advertiser struct {
	log *slog.Logger
	cfg Config
}

// New builds an Advertiser. Serve does the actual publishing.
func New(log *slog.Logger, cfg Config) *Advertiser {
	return &Advertiser{log: log, cfg: cfg}
}

// Serve joins the mDNS multicast group and answers queries for the
// configured host name until ctx is cancelled. It does not publish the
// _nvstream._tcp service or any PTR/SRV/TXT records for it.
func (a *Advertiser) Serve(ctx context.Context) error {
	addr4, err := net.ResolveUDPAddr("udp4", mdns.DefaultAddress)
	if err != nil {
		return fmt.Errorf("mdns: resolve multicast address: %w", err)
	}
	conn, err := net.ListenUDP("udp4", addr4)
	if err != nil {
		return fmt.Errorf("mdns: listen on multicast group: %w", err)
	}
	defer conn.Close()

	packetConn := ipv4.NewPacketConn(conn)
	ifaces, err := localMulticastInterfaces()
	if err != nil {
		return fmt.Errorf("mdns: enumerate interfaces: %w", err)
	}

	server, err := mdns.Server(packetConn, &mdns.Config{
		LocalNames: []string{a.cfg.Hostname},
	})
	if err != nil {
		return fmt.Errorf("mdns: start server: %w", err)
	}
	defer server.Close()

	a.log.Info("mdns advertising", "service", serviceName, "hostname", a.cfg.Hostname, "port", a.cfg.Port, "interfaces", len(ifaces))

	<-ctx.Done()
	return nil
}

// localMulticastInterfaces returns the up, multicast-capable interfaces.
// Serve only reports their count in its log line; the mdns server is not
// restricted to them.
func localMulticastInterfaces() ([]net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var out []net.Interface
	for _, iface := range ifaces {
		if iface.Flags&net.FlagMulticast == 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		out = append(out, iface)
	}
	return out, nil
}
