package discovery

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func fakeBrowse(found ...*zeroconf.ServiceEntry) browseFunc {
	return func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
		for _, entry := range found {
			entries <- entry
		}
		return nil
	}
}

func entry(instance string, port int, ip string, txt ...string) *zeroconf.ServiceEntry {
	e := &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: instance,
			Service:  DefaultService,
			Domain:   DefaultDomain,
		},
		HostName: instance + ".local.",
		Port:     port,
		Text:     txt,
	}
	if ip != "" {
		e.AddrIPv4 = []net.IP{net.ParseIP(ip)}
	}
	return e
}

func TestLookupParsesCompatibleServers(t *testing.T) {
	cfg := Config{
		ScanTimeout: 50 * time.Millisecond,
		browseFn: fakeBrowse(
			entry("beta", 9001, "192.168.1.20", "version=1", "server_id=srv-b", "path=chat"),
			entry("alpha", 9000, "192.168.1.10", "version=1", "server_id=srv-a", "tls=1"),
			entry("legacy", 9002, "192.168.1.30", "version=0", "server_id=srv-old"),
			nil,
		),
	}

	servers, err := Lookup(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("expected 2 compatible servers, got %d: %+v", len(servers), servers)
	}
	if servers[0].ServerID != "srv-a" || servers[1].ServerID != "srv-b" {
		t.Fatalf("unexpected order: %+v", servers)
	}
	if got := servers[0].URL(); got != "wss://192.168.1.10:9000/ws" {
		t.Fatalf("unexpected alpha URL %q", got)
	}
	if got := servers[1].URL(); got != "ws://192.168.1.20:9001/chat" {
		t.Fatalf("unexpected beta URL %q", got)
	}
}

func TestLookupFallsBackToHostName(t *testing.T) {
	cfg := Config{
		ScanTimeout: 50 * time.Millisecond,
		browseFn:    fakeBrowse(entry("gamma", 8080, "", "version=1")),
	}

	servers, err := Lookup(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if len(servers) != 1 {
		t.Fatalf("expected 1 server, got %d", len(servers))
	}
	if servers[0].ServerID != "gamma" {
		t.Fatalf("expected instance name as server id, got %q", servers[0].ServerID)
	}
	if got := servers[0].URL(); got != "ws://gamma.local:8080/ws" {
		t.Fatalf("unexpected URL %q", got)
	}
}

func TestResolveWithoutServers(t *testing.T) {
	cfg := Config{ScanTimeout: 20 * time.Millisecond, browseFn: fakeBrowse()}
	if _, err := Resolve(context.Background(), cfg); !errors.Is(err, ErrNoServer) {
		t.Fatalf("expected ErrNoServer, got %v", err)
	}
}

func TestLookupBrowseError(t *testing.T) {
	browseErr := errors.New("multicast unavailable")
	cfg := Config{
		ScanTimeout: 20 * time.Millisecond,
		browseFn: func(context.Context, string, string, chan<- *zeroconf.ServiceEntry) error {
			return browseErr
		},
	}
	if _, err := Lookup(context.Background(), cfg); !errors.Is(err, browseErr) {
		t.Fatalf("expected browse error, got %v", err)
	}
}

func TestLookupCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := Config{ScanTimeout: time.Second, browseFn: fakeBrowse()}
	if _, err := Lookup(ctx, cfg); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestResolvePicksFirstServer(t *testing.T) {
	cfg := Config{
		ScanTimeout: 50 * time.Millisecond,
		browseFn: fakeBrowse(
			entry("zeta", 9100, "10.0.0.2", "version=1"),
			entry("eta", 9200, "10.0.0.3", "version=1"),
		),
	}
	url, err := Resolve(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if url != "ws://10.0.0.3:9200/ws" {
		t.Fatalf("unexpected URL %q", url)
	}
}
