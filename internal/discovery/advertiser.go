// Package discovery announces the RPC endpoints over mDNS so clients on
// the local network can find the server without configuration.
package discovery

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/enbility/zeroconf/v3"

	"github.com/hearthd/hearthd/internal/config"
)

const (
	// ServiceTCP is the service type announced for newline-framed TCP
	// endpoints.
	ServiceTCP = "_jsonrpc._tcp"
	// ServiceWebSocket is the service type announced for WebSocket
	// endpoints.
	ServiceWebSocket = "_ws._tcp"

	domain = "local."
)

// Advertiser publishes one mDNS record per configured server interface.
// Advertise may be called again after configuration changes and takes
// care of registering, updating, and withdrawing records as needed.
type Advertiser struct {
	log     *slog.Logger
	version string

	mu      sync.Mutex
	records map[string]*record
}

type record struct {
	server  *zeroconf.Server
	service string
	port    int
}

// New creates an advertiser. version is the software version announced
// in the TXT data.
func New(log *slog.Logger, version string) *Advertiser {
	return &Advertiser{
		log:     log,
		version: version,
		records: make(map[string]*record),
	}
}

// endpoint describes one record to publish.
type endpoint struct {
	key      string
	instance string
	service  string
	port     int
	tls      bool
}

// Advertise replaces the published record set with one matching cfg.
// Records whose endpoint is unchanged get a TXT refresh in place, so a
// plain server rename does not flap the announcement.
func (a *Advertiser) Advertise(cfg *config.Config) error {
	endpoints := collectEndpoints(cfg)

	a.mu.Lock()
	defer a.mu.Unlock()

	keep := make(map[string]bool, len(endpoints))
	var firstErr error
	for _, ep := range endpoints {
		keep[ep.key] = true
		txt := txtRecords(cfg, a.version, ep.tls)

		if rec, ok := a.records[ep.key]; ok && rec.service == ep.service && rec.port == ep.port {
			rec.server.SetText(txt)
			continue
		}
		if rec, ok := a.records[ep.key]; ok {
			rec.server.Shutdown()
			delete(a.records, ep.key)
		}

		server, err := zeroconf.Register(ep.instance, ep.service, domain, ep.port, txt, nil)
		if err != nil {
			a.log.Warn("mdns registration failed", "service", ep.service, "instance", ep.instance, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("register %s: %w", ep.service, err)
			}
			continue
		}
		a.log.Info("mdns record published", "service", ep.service, "instance", ep.instance, "port", ep.port)
		a.records[ep.key] = &record{server: server, service: ep.service, port: ep.port}
	}

	for key, rec := range a.records {
		if keep[key] {
			continue
		}
		rec.server.Shutdown()
		delete(a.records, key)
		a.log.Info("mdns record withdrawn", "key", key)
	}
	return firstErr
}

// Stop withdraws all published records.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for key, rec := range a.records {
		rec.server.Shutdown()
		delete(a.records, key)
	}
	a.log.Info("mdns advertisement stopped")
}

// collectEndpoints maps the configured interfaces to mDNS records.
// Instance names must be unique per service type, so secondary
// interfaces carry their configuration id as a suffix.
func collectEndpoints(cfg *config.Config) []endpoint {
	var out []endpoint
	add := func(service string, ifaces []config.ServerInterface) {
		for i, iface := range ifaces {
			instance := cfg.Server.Name
			if i > 0 {
				instance = fmt.Sprintf("%s (%s)", cfg.Server.Name, iface.ID)
			}
			out = append(out, endpoint{
				key:      service + "/" + iface.ID,
				instance: instance,
				service:  service,
				port:     iface.Port,
				tls:      iface.TLS,
			})
		}
	}
	add(ServiceTCP, cfg.TCPServers)
	add(ServiceWebSocket, cfg.WSServers)
	return out
}

func txtRecords(cfg *config.Config, version string, tls bool) []string {
	ssl := "false"
	if tls {
		ssl = "true"
	}
	return []string{
		"name=" + cfg.Server.Name,
		"uuid=" + cfg.Server.UUID,
		"version=" + version,
		"sslEnabled=" + ssl,
	}
}
