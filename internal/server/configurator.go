package server

import (
	"fmt"
	"time"

	"github.com/hearthd/hearthd/internal/config"
	"github.com/hearthd/hearthd/internal/jsonrpc"
	"github.com/hearthd/hearthd/internal/transport"
)

// The Configuration namespace operates on the daemon itself. All of
// these run on the core goroutine (handlers execute there), so plain
// field access on cfg is safe. Setters persist before returning and
// apply transport changes live.
var _ jsonrpc.Configurator = (*Daemon)(nil)

func (d *Daemon) ServerName() string { return d.cfg.Server.Name }
func (d *Daemon) ServerUUID() string { return d.cfg.Server.UUID }
func (d *Daemon) TimeZone() string   { return d.cfg.Server.TimeZone }
func (d *Daemon) Language() string   { return d.cfg.Server.Language }

func (d *Daemon) SetServerName(name string) error {
	d.cfg.Server.Name = name
	if err := d.cfg.Save(); err != nil {
		return err
	}
	d.refreshDiscovery()
	d.log.Info("server name changed", "name", name)
	return nil
}

func (d *Daemon) SetTimeZone(zone string) error {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return fmt.Errorf("time zone %q: %w", zone, err)
	}
	d.cfg.Server.TimeZone = zone
	if err := d.cfg.Save(); err != nil {
		return err
	}
	d.engine.SetLocation(loc)
	d.log.Info("time zone changed", "zone", zone)
	return nil
}

func (d *Daemon) SetLanguage(lang string) error {
	d.cfg.Server.Language = lang
	if err := d.cfg.Save(); err != nil {
		return err
	}
	d.log.Info("language changed", "language", lang)
	return nil
}

func (d *Daemon) TCPConfigurations() []config.ServerInterface {
	return append([]config.ServerInterface(nil), d.cfg.TCPServers...)
}

func (d *Daemon) WebSocketConfigurations() []config.ServerInterface {
	return append([]config.ServerInterface(nil), d.cfg.WSServers...)
}

func (d *Daemon) SetTCPConfiguration(si config.ServerInterface) error {
	return d.reconfigure(&d.cfg.TCPServers, "tcp", si,
		func(si config.ServerInterface) transport.Transport {
			return transport.NewTCPServer(d.log, si, d.rpc)
		})
}

func (d *Daemon) DeleteTCPConfiguration(id string) error {
	return d.dropInterface(&d.cfg.TCPServers, "tcp", id)
}

func (d *Daemon) SetWebSocketConfiguration(si config.ServerInterface) error {
	return d.reconfigure(&d.cfg.WSServers, "websocket", si,
		func(si config.ServerInterface) transport.Transport {
			return transport.NewWebSocketServer(d.log, si, d.rpc)
		})
}

func (d *Daemon) DeleteWebSocketConfiguration(id string) error {
	return d.dropInterface(&d.cfg.WSServers, "websocket", id)
}

// reconfigure replaces or adds one listener configuration: the old
// listener stops, the new settings persist, and a fresh listener binds.
// Clients on the old listener are disconnected and reconnect on their
// own.
func (d *Daemon) reconfigure(list *[]config.ServerInterface, kind string, si config.ServerInterface, build func(config.ServerInterface) transport.Transport) error {
	d.stopTransport(kind + ":" + si.ID)

	replaced := false
	for i := range *list {
		if (*list)[i].ID == si.ID {
			(*list)[i] = si
			replaced = true
			break
		}
	}
	if !replaced {
		*list = append(*list, si)
	}
	if err := d.cfg.Save(); err != nil {
		return err
	}

	if err := d.startTransport(build(si)); err != nil {
		return err
	}
	d.refreshDiscovery()
	d.log.Info("server interface configured", "kind", kind, "id", si.ID, "address", si.Address, "port", si.Port, "tls", si.TLS, "auth", si.Auth)
	return nil
}

func (d *Daemon) dropInterface(list *[]config.ServerInterface, kind, id string) error {
	found := -1
	for i := range *list {
		if (*list)[i].ID == id {
			found = i
			break
		}
	}
	if found < 0 {
		return jsonrpc.ErrNotFound
	}

	d.stopTransport(kind + ":" + id)
	*list = append((*list)[:found], (*list)[found+1:]...)
	if err := d.cfg.Save(); err != nil {
		return err
	}
	d.refreshDiscovery()
	d.log.Info("server interface removed", "kind", kind, "id", id)
	return nil
}

func (d *Daemon) refreshDiscovery() {
	if d.adv == nil {
		return
	}
	if err := d.adv.Advertise(d.cfg); err != nil {
		d.log.Warn("mdns refresh incomplete", "error", err)
	}
}
