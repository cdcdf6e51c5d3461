// Hearthd is a home automation rule server.
//
// It evaluates state, event, and time based rules over a registry of
// devices and exposes a JSON-RPC protocol over TCP, WebSocket, and an
// optional MQTT-relayed cloud channel. Configuration is loaded from a
// single YAML file discovered automatically (see
// [config.DefaultSearchPaths]); a missing file starts the server with
// runnable defaults and writes them to ./hearthd.yaml.
//
// Usage:
//
//	hearthd serve            Start the server (default command)
//	hearthd qr               Print connection URLs and an onboarding QR
//	hearthd version          Print version and build information
//	hearthd -o json version  Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"

	"github.com/hearthd/hearthd/internal/buildinfo"
	"github.com/hearthd/hearthd/internal/config"
	"github.com/hearthd/hearthd/internal/server"
)

// main constructs the OS-level environment and delegates to [run] so
// the full lifecycle stays testable.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run parses arguments by hand. The flag package relies on package
// globals, which interfere with driving run concurrently from tests,
// and the argument surface here is small.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var logLevel string
	var command string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case args[i] == "-log-level" && i+1 < len(args):
			logLevel = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-log-level="):
			logLevel = strings.TrimPrefix(args[i], "-log-level=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve", "":
		return runServe(ctx, stderr, configPath, logLevel)
	case "qr":
		return runQR(stdout, configPath)
	case "version":
		return runVersion(stdout, outputFmt)
	case "help":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Hearthd - Home Automation Rule Server")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: hearthd [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the server (default)")
	fmt.Fprintln(w, "  qr           Print connection URLs and an onboarding QR code")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>     Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -log-level <lvl>   trace, debug, info, warn, or error (overrides config)")
	fmt.Fprintln(w, "  -o, --output fmt   Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./hearthd.yaml, ~/.config/hearthd/hearthd.yaml, /etc/hearthd/hearthd.yaml")
	fmt.Fprintln(w, "Signals: SIGUSR1 acts as the push-button press for authentication.")
	return nil
}

// runServe is the primary operating mode: load or create configuration,
// build the daemon, and block until SIGINT or SIGTERM.
func runServe(ctx context.Context, stderr io.Writer, configPath, logLevel string) error {
	logger := newLogger(stderr, slog.LevelInfo)
	logger.Info("starting hearthd", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, created, err := loadOrCreateConfig(configPath)
	if err != nil {
		return err
	}
	if created {
		logger.Info("no config file found, wrote defaults", "path", cfg.Path())
	} else {
		logger.Info("config loaded", "path", cfg.Path())
	}

	// Reconfigure the logger now that the desired level is known. The
	// flag wins over the file.
	levelName := cfg.LogLevel
	if logLevel != "" {
		levelName = logLevel
	}
	if levelName != "" {
		level, err := config.ParseLogLevel(levelName)
		if err != nil {
			return err
		}
		logger = newLogger(stderr, level)
	}

	daemon, err := server.New(logger, cfg)
	if err != nil {
		return err
	}
	defer daemon.Close()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return daemon.Run(ctx)
}

// runQR prints every reachable connection URL plus a scannable QR of
// the first one for mobile onboarding.
func runQR(stdout io.Writer, configPath string) error {
	path, err := config.FindConfig(configPath)
	if err != nil {
		return fmt.Errorf("no configuration found, start the server once first: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}

	urls := connectionURLs(cfg)
	if len(urls) == 0 {
		return fmt.Errorf("no server interfaces configured")
	}

	fmt.Fprintf(stdout, "%s (%s)\n\n", cfg.Server.Name, cfg.Server.UUID)
	for _, u := range urls {
		fmt.Fprintf(stdout, "  %s\n", u)
	}
	fmt.Fprintln(stdout)

	q, err := qrcode.New(urls[0], qrcode.Medium)
	if err != nil {
		return fmt.Errorf("encode qr: %w", err)
	}
	fmt.Fprint(stdout, q.ToSmallString(false))
	return nil
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintf(w, "hearthd %s\n", buildinfo.Version)
	for _, k := range []string{"git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// newLogger builds the standard text logger. Logs go to stderr so
// stdout stays clean for command output.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadOrCreateConfig resolves the configuration: an existing file by
// search path or -config, otherwise runnable defaults written to
// ./hearthd.yaml. The reported bool is true when defaults were created.
func loadOrCreateConfig(explicit string) (*config.Config, bool, error) {
	path, err := config.FindConfig(explicit)
	if err == nil {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, false, fmt.Errorf("load config %s: %w", path, err)
		}
		return cfg, false, nil
	}
	if explicit != "" {
		// An explicit path that does not resolve is an operator error,
		// not a fresh install.
		return nil, false, err
	}

	cfg := config.Default()
	cfg.Server.UUID = uuid.NewString()
	cfg.SetPath("hearthd.yaml")
	if err := cfg.Save(); err != nil {
		return nil, false, fmt.Errorf("write default config: %w", err)
	}
	return cfg, true, nil
}

// connectionURLs maps the configured listeners to client-facing URLs.
// Wildcard bind addresses expand to every global unicast IPv4 address
// of the host.
func connectionURLs(cfg *config.Config) []string {
	var urls []string
	add := func(scheme, tlsScheme string, ifaces []config.ServerInterface) {
		for _, si := range ifaces {
			s := scheme
			if si.TLS {
				s = tlsScheme
			}
			for _, host := range hostsFor(si.Address) {
				u := url.URL{
					Scheme:   s,
					Host:     net.JoinHostPort(host, fmt.Sprintf("%d", si.Port)),
					RawQuery: url.Values{"name": {cfg.Server.Name}, "uuid": {cfg.Server.UUID}}.Encode(),
				}
				urls = append(urls, u.String())
			}
		}
	}
	add("hearthd", "hearthds", cfg.TCPServers)
	add("ws", "wss", cfg.WSServers)
	return urls
}

func hostsFor(bind string) []string {
	if bind != "" && bind != "0.0.0.0" && bind != "::" {
		return []string{bind}
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return []string{"127.0.0.1"}
	}
	var hosts []string
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipNet.IP.To4()
		if ip == nil || ip.IsLoopback() || !ip.IsGlobalUnicast() {
			continue
		}
		hosts = append(hosts, ip.String())
	}
	if len(hosts) == 0 {
		hosts = []string{"127.0.0.1"}
	}
	return hosts
}
