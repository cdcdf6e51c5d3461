package jsonrpc

import (
	"errors"
	"io/fs"
	"net"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/hearthd/hearthd/internal/config"
)

// ConfigurationError is the wire outcome of configuration operations.
type ConfigurationError string

// The configuration error taxonomy.
const (
	ConfigurationErrorNoError            ConfigurationError = "ConfigurationErrorNoError"
	ConfigurationErrorInvalidId          ConfigurationError = "ConfigurationErrorInvalidId"
	ConfigurationErrorInvalidPort        ConfigurationError = "ConfigurationErrorInvalidPort"
	ConfigurationErrorInvalidHostAddress ConfigurationError = "ConfigurationErrorInvalidHostAddress"
	ConfigurationErrorInvalidTimeZone    ConfigurationError = "ConfigurationErrorInvalidTimeZone"
	ConfigurationErrorInvalidLanguage    ConfigurationError = "ConfigurationErrorInvalidLanguage"
	ConfigurationErrorBackendError       ConfigurationError = "ConfigurationErrorBackendError"
)

// ErrNotFound is returned by Configurator implementations when an id
// matches no configured server interface.
var ErrNotFound = errors.New("not found")

// Configurator is the mutable server configuration as the Configuration
// namespace operates on it. The composition root implements it; setters
// apply changes live and persist them before returning.
type Configurator interface {
	ServerName() string
	ServerUUID() string
	TimeZone() string
	Language() string
	SetServerName(name string) error
	SetTimeZone(zone string) error
	SetLanguage(lang string) error

	TCPConfigurations() []config.ServerInterface
	WebSocketConfigurations() []config.ServerInterface
	SetTCPConfiguration(si config.ServerInterface) error
	DeleteTCPConfiguration(id string) error
	SetWebSocketConfiguration(si config.ServerInterface) error
	DeleteWebSocketConfiguration(id string) error
}

// availableLanguages are the locales the server announces. The welcome
// message and notifications carry no translated text yet; the setting
// exists so clients can render their own UI in the household's locale.
var availableLanguages = []string{"en_US", "en_GB", "de_DE", "fr_FR", "es_ES", "it_IT", "nl_NL", "pt_BR", "sv_SE"}

// NewConfigurationHandler builds the Configuration namespace: basic
// server settings and live CRUD over the TCP and websocket listener
// set.
func NewConfigurationHandler(s *Server, configurator Configurator) *Handler {
	h := NewHandler("Configuration")

	h.RegisterMethod("GetConfigurations",
		"Return the basic server configuration and all transport configurations.",
		Schema{},
		Schema{
			"basicConfiguration": map[string]any{
				"serverName": "String",
				"serverUuid": "Uuid",
				"serverTime": "Uint",
				"timeZone":   "String",
				"language":   "String",
			},
			"tcpServerConfigurations":       []any{"$ref:ServerConfiguration"},
			"webSocketServerConfigurations": []any{"$ref:ServerConfiguration"},
		},
		func(c *CallContext) *Reply {
			return Sync(map[string]any{
				"basicConfiguration": map[string]any{
					"serverName": configurator.ServerName(),
					"serverUuid": configurator.ServerUUID(),
					"serverTime": time.Now().Unix(),
					"timeZone":   configurator.TimeZone(),
					"language":   configurator.Language(),
				},
				"tcpServerConfigurations":       packServerConfigurations(configurator.TCPConfigurations()),
				"webSocketServerConfigurations": packServerConfigurations(configurator.WebSocketConfigurations()),
			})
		})

	h.RegisterMethod("GetTimeZones",
		"List the time zones accepted by SetTimeZone.",
		Schema{},
		Schema{"timeZones": []any{"String"}},
		func(c *CallContext) *Reply {
			zones := timeZones()
			list := make([]any, 0, len(zones))
			for _, z := range zones {
				list = append(list, z)
			}
			return Sync(map[string]any{"timeZones": list})
		})

	h.RegisterMethod("GetAvailableLanguages",
		"List the locales accepted by SetLanguage.",
		Schema{},
		Schema{"languages": []any{"String"}},
		func(c *CallContext) *Reply {
			list := make([]any, 0, len(availableLanguages))
			for _, l := range availableLanguages {
				list = append(list, l)
			}
			return Sync(map[string]any{"languages": list})
		})

	h.RegisterMethod("SetServerName",
		"Rename the server. The new name shows up in the handshake and in discovery.",
		Schema{"serverName": "String"},
		Schema{"configurationError": "$ref:ConfigurationError"},
		func(c *CallContext) *Reply {
			name := c.Params["serverName"].(string)
			if err := configurator.SetServerName(name); err != nil {
				return Sync(map[string]any{"configurationError": ConfigurationErrorBackendError})
			}
			s.Notify("Configuration", "ServerNameChanged", map[string]any{"serverName": name})
			return Sync(map[string]any{"configurationError": ConfigurationErrorNoError})
		})

	h.RegisterMethod("SetTimeZone",
		"Change the time zone calendar and time-event rules evaluate in.",
		Schema{"timeZone": "String"},
		Schema{"configurationError": "$ref:ConfigurationError"},
		func(c *CallContext) *Reply {
			zone := c.Params["timeZone"].(string)
			if !validTimeZone(zone) {
				return Sync(map[string]any{"configurationError": ConfigurationErrorInvalidTimeZone})
			}
			if err := configurator.SetTimeZone(zone); err != nil {
				return Sync(map[string]any{"configurationError": ConfigurationErrorBackendError})
			}
			s.Notify("Configuration", "TimeZoneChanged", map[string]any{"timeZone": zone})
			return Sync(map[string]any{"configurationError": ConfigurationErrorNoError})
		})

	h.RegisterMethod("SetLanguage",
		"Change the announced locale.",
		Schema{"language": "String"},
		Schema{"configurationError": "$ref:ConfigurationError"},
		func(c *CallContext) *Reply {
			lang := c.Params["language"].(string)
			known := false
			for _, l := range availableLanguages {
				if l == lang {
					known = true
					break
				}
			}
			if !known {
				return Sync(map[string]any{"configurationError": ConfigurationErrorInvalidLanguage})
			}
			if err := configurator.SetLanguage(lang); err != nil {
				return Sync(map[string]any{"configurationError": ConfigurationErrorBackendError})
			}
			s.Notify("Configuration", "LanguageChanged", map[string]any{"language": lang})
			return Sync(map[string]any{"configurationError": ConfigurationErrorNoError})
		})

	setServer := func(name, description string, apply func(config.ServerInterface) error, list func() []config.ServerInterface, notification string) {
		h.RegisterMethod(name, description,
			Schema{"configuration": "$ref:ServerConfiguration"},
			Schema{"configurationError": "$ref:ConfigurationError"},
			func(c *CallContext) *Reply {
				si, cerr := serverInterfaceFromWire(c.Params["configuration"])
				if cerr != ConfigurationErrorNoError {
					return Sync(map[string]any{"configurationError": cerr})
				}
				if err := apply(si); err != nil {
					return Sync(map[string]any{"configurationError": ConfigurationErrorBackendError})
				}
				s.Notify("Configuration", notification, map[string]any{
					"serverConfigurations": packServerConfigurations(list()),
				})
				return Sync(map[string]any{"configurationError": ConfigurationErrorNoError})
			})
	}
	deleteServer := func(name, description string, apply func(string) error, list func() []config.ServerInterface, notification string) {
		h.RegisterMethod(name, description,
			Schema{"id": "String"},
			Schema{"configurationError": "$ref:ConfigurationError"},
			func(c *CallContext) *Reply {
				err := apply(c.Params["id"].(string))
				switch {
				case errors.Is(err, ErrNotFound):
					return Sync(map[string]any{"configurationError": ConfigurationErrorInvalidId})
				case err != nil:
					return Sync(map[string]any{"configurationError": ConfigurationErrorBackendError})
				}
				s.Notify("Configuration", notification, map[string]any{
					"serverConfigurations": packServerConfigurations(list()),
				})
				return Sync(map[string]any{"configurationError": ConfigurationErrorNoError})
			})
	}

	setServer("SetTcpServerConfiguration",
		"Add or replace a TCP listener. The listener is restarted live and the configuration persisted.",
		configurator.SetTCPConfiguration, configurator.TCPConfigurations, "TcpServerConfigurationChanged")
	deleteServer("DeleteTcpServerConfiguration",
		"Stop and remove a TCP listener.",
		configurator.DeleteTCPConfiguration, configurator.TCPConfigurations, "TcpServerConfigurationChanged")
	setServer("SetWebSocketServerConfiguration",
		"Add or replace a websocket listener. The listener is restarted live and the configuration persisted.",
		configurator.SetWebSocketConfiguration, configurator.WebSocketConfigurations, "WebSocketServerConfigurationChanged")
	deleteServer("DeleteWebSocketServerConfiguration",
		"Stop and remove a websocket listener.",
		configurator.DeleteWebSocketConfiguration, configurator.WebSocketConfigurations, "WebSocketServerConfigurationChanged")

	h.RegisterNotification("ServerNameChanged", "The server was renamed.", Schema{"serverName": "String"})
	h.RegisterNotification("TimeZoneChanged", "The server time zone changed.", Schema{"timeZone": "String"})
	h.RegisterNotification("LanguageChanged", "The announced locale changed.", Schema{"language": "String"})
	h.RegisterNotification("TcpServerConfigurationChanged",
		"The set of TCP listeners changed. Carries the full new set.",
		Schema{"serverConfigurations": []any{"$ref:ServerConfiguration"}})
	h.RegisterNotification("WebSocketServerConfigurationChanged",
		"The set of websocket listeners changed. Carries the full new set.",
		Schema{"serverConfigurations": []any{"$ref:ServerConfiguration"}})

	return h
}

func packServerConfigurations(sis []config.ServerInterface) []any {
	out := make([]any, 0, len(sis))
	for _, si := range sis {
		out = append(out, map[string]any{
			"id":                    si.ID,
			"address":               si.Address,
			"port":                  si.Port,
			"sslEnabled":            si.TLS,
			"authenticationEnabled": si.Auth,
		})
	}
	return out
}

// serverInterfaceFromWire validates and unpacks a ServerConfiguration
// object. An empty address binds all interfaces.
func serverInterfaceFromWire(v any) (config.ServerInterface, ConfigurationError) {
	m, ok := v.(map[string]any)
	if !ok {
		return config.ServerInterface{}, ConfigurationErrorBackendError
	}
	id, _ := m["id"].(string)
	if strings.TrimSpace(id) == "" {
		return config.ServerInterface{}, ConfigurationErrorInvalidId
	}
	port, ok := asInteger(m["port"])
	if !ok || port < 1 || port > 65535 {
		return config.ServerInterface{}, ConfigurationErrorInvalidPort
	}
	address, _ := m["address"].(string)
	if address != "" && net.ParseIP(address) == nil {
		return config.ServerInterface{}, ConfigurationErrorInvalidHostAddress
	}
	ssl, _ := m["sslEnabled"].(bool)
	auth, _ := m["authenticationEnabled"].(bool)
	return config.ServerInterface{
		ID:      id,
		Address: address,
		Port:    int(port),
		TLS:     ssl,
		Auth:    auth,
	}, ConfigurationErrorNoError
}

// validTimeZone accepts IANA zone names resolvable on this system.
// The empty string and "Local" would both load, but neither is a real
// zone name, so they are rejected up front.
func validTimeZone(zone string) bool {
	if zone == "" || zone == "Local" {
		return false
	}
	_, err := time.LoadLocation(zone)
	return err == nil
}

// fallbackZones keeps SetTimeZone usable on systems without a zoneinfo
// database, such as minimal containers.
var fallbackZones = []string{
	"UTC",
	"America/Chicago",
	"America/Los_Angeles",
	"America/New_York",
	"America/Sao_Paulo",
	"Asia/Shanghai",
	"Asia/Tokyo",
	"Australia/Sydney",
	"Europe/Amsterdam",
	"Europe/Berlin",
	"Europe/London",
	"Europe/Paris",
	"Europe/Stockholm",
}

// timeZones enumerates the system zone database, falling back to a
// short list of majors when none is installed.
func timeZones() []string {
	for _, dir := range []string{"/usr/share/zoneinfo", "/usr/lib/zoneinfo"} {
		if zones := zoneNames(dir); len(zones) > 0 {
			return zones
		}
	}
	return fallbackZones
}

// zoneNames walks one zoneinfo tree. Zone names start with an uppercase
// letter per component ("Europe/Berlin"); everything else in the tree is
// metadata or compatibility links.
func zoneNames(dir string) []string {
	var zones []string
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		name := d.Name()
		first := []rune(name)
		if len(first) == 0 || !unicode.IsUpper(first[0]) || strings.Contains(name, ".") {
			if d.IsDir() && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			if rel, relErr := filepath.Rel(dir, path); relErr == nil {
				zones = append(zones, filepath.ToSlash(rel))
			}
		}
		return nil
	})
	sort.Strings(zones)
	return zones
}
