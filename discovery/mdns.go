package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_wristlink._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultLookupTimeout bounds each discovery scan.
	DefaultLookupTimeout = 3 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls mDNS broadcast and lookup behavior.
type Config struct {
	Service       string
	Domain        string
	LookupTimeout time.Duration

	SelfDeviceID  string
	DeviceName    string
	ListeningPort int

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.LookupTimeout <= 0 {
		out.LookupTimeout = DefaultLookupTimeout
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	if out.browseFn == nil {
		out.browseFn = func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			resolver, err := zeroconf.NewResolver(nil)
			if err != nil {
				return err
			}
			return resolver.Browse(ctx, service, domain, entries)
		}
	}
	return out
}

// Peer is a discovered companion device.
type Peer struct {
	DeviceID   string
	DeviceName string
	Addresses  []net.IP
	Port       int
}

// Addr returns a dialable host:port for the peer, preferring IPv4.
func (p Peer) Addr() string {
	for _, ip := range p.Addresses {
		if ip.To4() != nil {
			return net.JoinHostPort(ip.String(), strconv.Itoa(p.Port))
		}
	}
	if len(p.Addresses) > 0 {
		return net.JoinHostPort(p.Addresses[0].String(), strconv.Itoa(p.Port))
	}
	return ""
}

// Broadcaster advertises local device presence via mDNS.
type Broadcaster struct {
	server *zeroconf.Server
}

// StartBroadcaster registers and starts the mDNS broadcast.
func StartBroadcaster(config Config) (*Broadcaster, error) {
	cfg := config.withDefaults()
	if strings.TrimSpace(cfg.SelfDeviceID) == "" {
		return nil, errors.New("self device ID is required")
	}
	if strings.TrimSpace(cfg.DeviceName) == "" {
		return nil, errors.New("device name is required")
	}
	if cfg.ListeningPort <= 0 {
		return nil, errors.New("listening port must be > 0")
	}

	txt := []string{
		"device_id=" + cfg.SelfDeviceID,
	}

	server, err := cfg.registerFn(cfg.DeviceName, cfg.Service, cfg.Domain, cfg.ListeningPort, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	return &Broadcaster{server: server}, nil
}

// Stop stops mDNS broadcasting.
func (b *Broadcaster) Stop() {
	if b == nil || b.server == nil {
		return
	}
	b.server.Shutdown()
}

// Lookup runs one bounded scan and returns the companion peers found,
// excluding the local device.
func Lookup(ctx context.Context, config Config) ([]Peer, error) {
	cfg := config.withDefaults()
	if strings.TrimSpace(cfg.SelfDeviceID) == "" {
		return nil, errors.New("self device ID is required")
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.LookupTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	if err := cfg.browseFn(scanCtx, cfg.Service, cfg.Domain, entries); err != nil {
		return nil, fmt.Errorf("browse mDNS service: %w", err)
	}

	var peers []Peer
	for entry := range entries {
		peer := peerFromEntry(entry)
		if peer.DeviceID == "" || peer.DeviceID == cfg.SelfDeviceID {
			continue
		}
		peers = append(peers, peer)
	}
	return peers, nil
}

func peerFromEntry(entry *zeroconf.ServiceEntry) Peer {
	peer := Peer{
		DeviceName: entry.Instance,
		Port:       entry.Port,
	}
	peer.Addresses = append(peer.Addresses, entry.AddrIPv4...)
	peer.Addresses = append(peer.Addresses, entry.AddrIPv6...)

	for _, txt := range entry.Text {
		if value, ok := strings.CutPrefix(txt, "device_id="); ok {
			peer.DeviceID = value
		}
	}
	return peer
}
