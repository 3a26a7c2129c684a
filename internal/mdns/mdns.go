// Package mdns advertises the server on the local network via DNS-SD so
// dashboards and device agents can find it without a configured address.
// Advertisement is opt-in (mdns_enabled) and reveals only presence; every
// write still needs a token.
package mdns

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

// ServiceType is the DNS-SD service type, following the Bonjour
// _<service>._<protocol> convention.
const ServiceType = "_sleepy._tcp"

// Config holds configuration for mDNS advertisement.
type Config struct {
	// Port is the server port to advertise.
	Port int

	// Version is the server version published in the TXT record.
	Version string

	// TLS tells clients to use https/wss.
	TLS bool

	// Fingerprint is the TLS certificate fingerprint, empty without TLS.
	Fingerprint string

	// Name is the instance name. Defaults to the system hostname.
	Name string
}

// Advertiser manages the DNS-SD registration.
type Advertiser struct {
	config Config
	logger *zap.Logger
	server *zeroconf.Server
	mu     sync.Mutex
}

// NewAdvertiser creates an advertiser; call Start to register.
func NewAdvertiser(cfg Config, logger *zap.Logger) *Advertiser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Advertiser{config: cfg, logger: logger.Named("mdns")}
}

func (a *Advertiser) instanceName() string {
	if a.config.Name != "" {
		return a.config.Name
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "sleepy"
}

// txtRecords builds the TXT metadata clients read before connecting.
func (a *Advertiser) txtRecords(name string) []string {
	scheme := "http"
	if a.config.TLS {
		scheme = "https"
	}
	txt := []string{
		"version=" + a.config.Version,
		"name=" + name,
		"scheme=" + scheme,
	}
	if a.config.Fingerprint != "" {
		txt = append(txt, "fp="+a.config.Fingerprint)
	}
	return txt
}

// Start registers the service. Calling it while running is a no-op.
func (a *Advertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		return nil
	}

	name := a.instanceName()
	server, err := zeroconf.Register(name, ServiceType, "local.", a.config.Port, a.txtRecords(name), nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}
	a.server = server
	a.logger.Info("advertising", zap.String("name", name), zap.Int("port", a.config.Port))
	return nil
}

// Stop unregisters the service. Safe to call repeatedly or before Start.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// IsRunning reports whether the service is registered.
func (a *Advertiser) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.server != nil
}

// DiscoveredHost is a server found on the local network.
type DiscoveredHost struct {
	Name        string `json:"name"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Scheme      string `json:"scheme"`
	Version     string `json:"version"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// URL returns the base URL of the host.
func (h DiscoveredHost) URL() string {
	host := h.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return fmt.Sprintf("%s://%s:%d", h.Scheme, host, h.Port)
}

func hostFromEntry(entry *zeroconf.ServiceEntry) DiscoveredHost {
	h := DiscoveredHost{Name: entry.Instance, Port: entry.Port, Scheme: "http"}
	if len(entry.AddrIPv4) > 0 {
		h.Host = entry.AddrIPv4[0].String()
	} else if len(entry.AddrIPv6) > 0 {
		h.Host = entry.AddrIPv6[0].String()
	}
	for _, txt := range entry.Text {
		key, value, ok := strings.Cut(txt, "=")
		if !ok {
			continue
		}
		switch key {
		case "name":
			h.Name = value
		case "version":
			h.Version = value
		case "scheme":
			h.Scheme = value
		case "fp":
			h.Fingerprint = value
		}
	}
	return h
}

// Discover browses for servers until ctx is done.
func Discover(ctx context.Context) ([]DiscoveredHost, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	var (
		hosts []DiscoveredHost
		wg    sync.WaitGroup
	)
	entries := make(chan *zeroconf.ServiceEntry)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			hosts = append(hosts, hostFromEntry(entry))
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, "local.", entries); err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	// zeroconf closes entries once ctx is done.
	<-ctx.Done()
	wg.Wait()
	return hosts, nil
}
