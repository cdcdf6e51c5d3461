// Package config handles hearthd configuration loading and write-back.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./hearthd.yaml, ~/.config/hearthd/hearthd.yaml, /etc/hearthd/hearthd.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"hearthd.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "hearthd", "hearthd.yaml"))
	}

	paths = append(paths, "/etc/hearthd/hearthd.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all hearthd configuration.
type Config struct {
	Server     ServerConfig      `yaml:"server"`
	TCPServers []ServerInterface `yaml:"tcp_servers"`
	WSServers  []ServerInterface `yaml:"websocket_servers"`
	Cloud      CloudConfig       `yaml:"cloud"`
	Discovery  DiscoveryConfig   `yaml:"discovery"`
	Audit      AuditConfig       `yaml:"audit"`
	Devices    []DeviceDef       `yaml:"devices"`
	DataDir    string            `yaml:"data_dir"`
	LogLevel   string            `yaml:"log_level"`

	// path remembers where the config was loaded from so mutations made
	// through the Configuration API can be written back.
	path string
}

// ServerConfig identifies this installation.
type ServerConfig struct {
	// Name is the human-facing server name announced to clients.
	Name string `yaml:"name"`
	// UUID is the stable installation id. Generated on first load when empty.
	UUID string `yaml:"uuid"`
	// Language is the locale announced in the welcome message (e.g. en_US).
	Language string `yaml:"language"`
	// TimeZone is an IANA zone name used for calendar and time-event rules.
	// Empty means the system local zone.
	TimeZone string `yaml:"time_zone"`
}

// ServerInterface describes one listening endpoint of a transport.
type ServerInterface struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
	TLS     bool   `yaml:"tls"`
	// Auth requires a valid token on every non-exempt call arriving here.
	Auth bool `yaml:"auth"`
	// CertFile and KeyFile are required when TLS is set.
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	// MaxClients caps concurrent connections (default 50).
	MaxClients int `yaml:"max_clients"`
}

// CloudConfig defines the MQTT-relayed remote connection channel.
type CloudConfig struct {
	Enabled bool `yaml:"enabled"`
	// BrokerURL is the broker endpoint, mqtt:// or mqtts://.
	BrokerURL string `yaml:"broker_url"`
	// TopicPrefix roots all relay topics (default "hearthd").
	TopicPrefix  string `yaml:"topic_prefix"`
	KeepAliveSec int    `yaml:"keep_alive_sec"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
}

// DiscoveryConfig controls mDNS advertisement of the JSON-RPC endpoints.
type DiscoveryConfig struct {
	Enabled bool `yaml:"enabled"`
}

// AuditConfig tunes the on-disk activity trail.
type AuditConfig struct {
	// MaxEntries caps the audit table; the oldest rows are trimmed once
	// the cap is exceeded. Zero keeps the default.
	MaxEntries int `yaml:"max_entries"`
}

// DeviceDef declares one virtual device hosted by the built-in registry.
type DeviceDef struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	// Interfaces tags the device for interface-bound event descriptors
	// (e.g. "temperaturesensor", "button").
	Interfaces []string    `yaml:"interfaces"`
	States     []StateDef  `yaml:"states"`
	Events     []EventDef  `yaml:"events"`
	Actions    []ActionDef `yaml:"actions"`
}

// StateDef declares a typed state of a virtual device.
type StateDef struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	Type string `yaml:"type"` // bool, int, double, string
	// Default is the state value before anything writes it.
	Default any `yaml:"default"`
}

// EventDef declares an event type of a virtual device.
type EventDef struct {
	ID     string     `yaml:"id"`
	Name   string     `yaml:"name"`
	Params []ParamDef `yaml:"params"`
}

// ActionDef declares an action type of a virtual device.
type ActionDef struct {
	ID     string     `yaml:"id"`
	Name   string     `yaml:"name"`
	Params []ParamDef `yaml:"params"`
}

// ParamDef declares one typed parameter of an event or action.
type ParamDef struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	Type string `yaml:"type"`
	// Min and Max bound numeric values when set (inclusive).
	Min *float64 `yaml:"min"`
	Max *float64 `yaml:"max"`
	// AllowedValues enumerates the permitted values when non-empty.
	AllowedValues []any `yaml:"allowed_values"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.path = path

	if cfg.Server.UUID == "" {
		cfg.Server.UUID = uuid.NewString()
	}
	return cfg, nil
}

// Default returns a runnable default configuration: one TCP listener on
// 2222 and one WebSocket listener on 4444, both requiring auth.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Name:     "hearthd",
			Language: "en_US",
		},
		TCPServers: []ServerInterface{
			{ID: uuid.NewString(), Port: 2222, Auth: true},
		},
		WSServers: []ServerInterface{
			{ID: uuid.NewString(), Port: 4444, Auth: true},
		},
		Cloud: CloudConfig{
			TopicPrefix:  "hearthd",
			KeepAliveSec: 30,
		},
		Discovery: DiscoveryConfig{Enabled: true},
		Audit:     AuditConfig{MaxEntries: 10000},
		DataDir:   "data",
	}
}

// Path returns where the config was loaded from, or "" for an unsaved
// default config.
func (c *Config) Path() string { return c.path }

// SetPath pins the file Save writes to. Used when starting from Default().
func (c *Config) SetPath(path string) { c.path = path }

// Save writes the configuration back to its file atomically. Mutations made
// through the Configuration API must be saved before the RPC reply goes out.
func (c *Config) Save() error {
	if c.path == "" {
		return fmt.Errorf("config has no file path")
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}
