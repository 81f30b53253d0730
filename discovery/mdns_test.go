package discovery

import (
	"context"
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
)

func TestStartBroadcasterValidatesConfig(t *testing.T) {
	cases := []struct {
		name   string
		config Config
	}{
		{"missing device ID", Config{DeviceName: "Watch", ListeningPort: 9400}},
		{"missing device name", Config{SelfDeviceID: "id-1", ListeningPort: 9400}},
		{"missing port", Config{SelfDeviceID: "id-1", DeviceName: "Watch"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := StartBroadcaster(tc.config); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}

func TestStartBroadcasterRegistersService(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotDomain   string
		gotPort     int
		gotText     []string
	)

	config := Config{
		SelfDeviceID:  "id-1",
		DeviceName:    "Watch",
		ListeningPort: 9400,
		registerFn: func(instance, service, domain string, port int, text []string, _ []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			gotService = service
			gotDomain = domain
			gotPort = port
			gotText = text
			return nil, nil
		},
	}

	broadcaster, err := StartBroadcaster(config)
	if err != nil {
		t.Fatalf("StartBroadcaster failed: %v", err)
	}
	defer broadcaster.Stop()

	if gotInstance != "Watch" {
		t.Errorf("instance = %q, want %q", gotInstance, "Watch")
	}
	if gotService != DefaultService {
		t.Errorf("service = %q, want %q", gotService, DefaultService)
	}
	if gotDomain != DefaultDomain {
		t.Errorf("domain = %q, want %q", gotDomain, DefaultDomain)
	}
	if gotPort != 9400 {
		t.Errorf("port = %d, want 9400", gotPort)
	}
	if len(gotText) != 1 || gotText[0] != "device_id=id-1" {
		t.Errorf("txt records = %v", gotText)
	}
}

func TestLookupFiltersSelfAndUnknownEntries(t *testing.T) {
	config := Config{
		SelfDeviceID: "self-id",
		browseFn: func(_ context.Context, _, _ string, entries chan<- *zeroconf.ServiceEntry) error {
			go func() {
				entries <- &zeroconf.ServiceEntry{
					ServiceRecord: zeroconf.ServiceRecord{Instance: "Me"},
					Port:          9400,
					Text:          []string{"device_id=self-id"},
				}
				entries <- &zeroconf.ServiceEntry{
					ServiceRecord: zeroconf.ServiceRecord{Instance: "Stranger"},
					Port:          1234,
					Text:          []string{"model=toaster"},
				}
				entries <- &zeroconf.ServiceEntry{
					ServiceRecord: zeroconf.ServiceRecord{Instance: "Companion"},
					Port:          9401,
					Text:          []string{"device_id=peer-id"},
					AddrIPv4:      []net.IP{net.IPv4(192, 168, 1, 20)},
				}
				close(entries)
			}()
			return nil
		},
	}

	peers, err := Lookup(context.Background(), config)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if len(peers) != 1 {
		t.Fatalf("got %d peers, want 1", len(peers))
	}

	peer := peers[0]
	if peer.DeviceID != "peer-id" {
		t.Errorf("device ID = %q, want %q", peer.DeviceID, "peer-id")
	}
	if peer.DeviceName != "Companion" {
		t.Errorf("device name = %q, want %q", peer.DeviceName, "Companion")
	}
	if got, want := peer.Addr(), "192.168.1.20:9401"; got != want {
		t.Errorf("addr = %q, want %q", got, want)
	}
}

func TestLookupRequiresSelfID(t *testing.T) {
	if _, err := Lookup(context.Background(), Config{}); err == nil {
		t.Error("expected a validation error")
	}
}

func TestPeerAddrPrefersIPv4(t *testing.T) {
	peer := Peer{
		Port: 9400,
		Addresses: []net.IP{
			net.ParseIP("fe80::1"),
			net.IPv4(10, 0, 0, 5),
		},
	}
	if got, want := peer.Addr(), "10.0.0.5:9400"; got != want {
		t.Errorf("addr = %q, want %q", got, want)
	}

	v6Only := Peer{Port: 9400, Addresses: []net.IP{net.ParseIP("fe80::1")}}
	if got, want := v6Only.Addr(), "[fe80::1]:9400"; got != want {
		t.Errorf("addr = %q, want %q", got, want)
	}

	if got := (Peer{Port: 9400}).Addr(); got != "" {
		t.Errorf("addr = %q, want empty", got)
	}
}
