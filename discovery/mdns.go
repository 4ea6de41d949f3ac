package discovery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/netip"
	"os"
	"strings"

	"github.com/pion/mdns/v2"
	"golang.org/x/net/ipv4"
)

// DefaultPort is where the agent listens unless told otherwise.
const DefaultPort = 10000

var ErrNoIPv4 = errors.New("no IPv4 address on interface")

// LocalName returns "<host>.local" for this machine.
func LocalName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "ota-agent"
	}
	if i := strings.IndexByte(host, '.'); i > 0 {
		host = host[:i]
	}
	return host + ".local"
}

func listen() (*ipv4.PacketConn, error) {
	addr4, err := net.ResolveUDPAddr("udp4", mdns.DefaultAddressIPv4)
	if err != nil {
		return nil, fmt.Errorf("resolving mDNS address: %w", err)
	}
	l4, err := net.ListenUDP("udp4", addr4)
	if err != nil {
		return nil, fmt.Errorf("listening on mDNS address: %w", err)
	}
	return ipv4.NewPacketConn(l4), nil
}

// Advertiser answers mDNS queries for a name until closed.
type Advertiser struct {
	conn *mdns.Conn
	Name string
}

// Advertise publishes name (e.g. "carputer.local"). When ip is nil the
// address of the receiving interface is announced.
func Advertise(name string, ip net.IP) (*Advertiser, error) {
	pc, err := listen()
	if err != nil {
		return nil, err
	}
	conn, err := mdns.Server(pc, nil, &mdns.Config{
		LocalNames:   []string{name},
		LocalAddress: ip,
	})
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("creating mDNS server: %w", err)
	}
	log.Printf("[mdns] advertising %s", name)
	return &Advertiser{conn: conn, Name: name}, nil
}

func (a *Advertiser) Close() error { return a.conn.Close() }

// Resolve queries mDNS for name and returns the first address answered.
func Resolve(ctx context.Context, name string) (netip.Addr, error) {
	pc, err := listen()
	if err != nil {
		return netip.Addr{}, err
	}
	conn, err := mdns.Server(pc, nil, &mdns.Config{})
	if err != nil {
		pc.Close()
		return netip.Addr{}, fmt.Errorf("creating mDNS client: %w", err)
	}
	defer conn.Close()

	_, src, err := conn.QueryAddr(ctx, name)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("failed to query mDNS for %s: %w", name, err)
	}
	if !src.IsValid() {
		return netip.Addr{}, fmt.Errorf("no valid mDNS response for %s", name)
	}
	log.Printf("[mdns] resolved %s to %s", name, src)
	return src, nil
}

// InterfaceIPv4 returns the first IPv4 address of the named interface.
func InterfaceIPv4(ifname string) (net.IP, error) {
	iface, err := net.InterfaceByName(ifname)
	if err != nil {
		return nil, err
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, err
	}
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok {
			if v4 := ipnet.IP.To4(); v4 != nil {
				return v4, nil
			}
		}
	}
	return nil, fmt.Errorf("%w %s", ErrNoIPv4, ifname)
}
