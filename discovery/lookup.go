// Package discovery finds chat servers advertised over mDNS on the local
// network.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_chatsync._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version accepted.
	DefaultVersion = 1
	// DefaultScanTimeout bounds one browse.
	DefaultScanTimeout = 3 * time.Second
	// DefaultPath is the websocket path used when the TXT record has none.
	DefaultPath = "/ws"
)

// ErrNoServer indicates the browse found no compatible server.
var ErrNoServer = errors.New("discovery: no server found")

type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls server lookup.
type Config struct {
	Service     string
	Domain      string
	Version     int
	ScanTimeout time.Duration

	browseFn browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	return out
}

// Server is one advertised chat server endpoint.
type Server struct {
	ServerID  string
	Name      string
	Version   int
	Secure    bool
	Path      string
	HostName  string
	Port      int
	Addresses []string
}

// URL returns the websocket URL of the server, preferring its first address.
func (s Server) URL() string {
	scheme := "ws"
	if s.Secure {
		scheme = "wss"
	}
	host := strings.TrimSuffix(s.HostName, ".")
	if len(s.Addresses) > 0 {
		host = s.Addresses[0]
	}
	return fmt.Sprintf("%s://%s%s", scheme, net.JoinHostPort(host, strconv.Itoa(s.Port)), s.Path)
}

// Lookup browses for servers for one scan window and returns the compatible
// ones ordered by name.
func Lookup(ctx context.Context, config Config) ([]Server, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]Server)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	record := func(entry *zeroconf.ServiceEntry) {
		if entry == nil {
			return
		}
		server, ok := parseEntry(entry, cfg.Version)
		if !ok {
			return
		}
		collectedMu.Lock()
		collected[server.ServerID] = server
		collectedMu.Unlock()
	}

	go func() {
		defer close(collectorDone)
		source := entries
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry, ok := <-source:
				if !ok {
					// the resolver closes the channel when it stops
					source = nil
					continue
				}
				record(entry)
			}
		}
	}()

	if err := browse(scanCtx, cfg.Service, cfg.Domain, entries); err != nil {
		return nil, fmt.Errorf("browse %s: %w", cfg.Service, err)
	}

	<-scanCtx.Done()
	<-collectorDone
	drain(entries, record)

	// A timeout just means the scan window ended naturally.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	collectedMu.Lock()
	out := make([]Server, 0, len(collected))
	for _, server := range collected {
		out = append(out, server)
	}
	collectedMu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ServerID < out[j].ServerID
		}
		return out[i].Name < out[j].Name
	})
	glog.V(1).Infof("[discovery]found %d servers for %s\n", len(out), cfg.Service)
	return out, nil
}

// Resolve returns the websocket URL of the first server Lookup finds.
func Resolve(ctx context.Context, config Config) (string, error) {
	servers, err := Lookup(ctx, config)
	if err != nil {
		return "", err
	}
	if len(servers) == 0 {
		return "", ErrNoServer
	}
	return servers[0].URL(), nil
}

func drain(entries chan *zeroconf.ServiceEntry, record func(*zeroconf.ServiceEntry)) {
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return
			}
			record(entry)
		default:
			return
		}
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, version int) (Server, bool) {
	txt := txtToMap(entry.Text)

	advertised := 0
	if txt["version"] != "" {
		if parsed, err := strconv.Atoi(txt["version"]); err == nil {
			advertised = parsed
		}
	}
	if advertised != version || entry.Port <= 0 {
		return Server{}, false
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	// IPv4 first so URL prefers it
	for _, ip := range append(append([]net.IP(nil), entry.AddrIPv4...), entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if raw == "" {
			continue
		}
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if len(addresses) == 0 && entry.HostName == "" {
		return Server{}, false
	}

	serverID := strings.TrimSpace(txt["server_id"])
	if serverID == "" {
		serverID = name
	}

	path := txt["path"]
	if path == "" {
		path = DefaultPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	return Server{
		ServerID:  serverID,
		Name:      name,
		Version:   advertised,
		Secure:    txt["tls"] == "1" || strings.EqualFold(txt["tls"], "true"),
		Path:      path,
		HostName:  entry.HostName,
		Port:      entry.Port,
		Addresses: addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
