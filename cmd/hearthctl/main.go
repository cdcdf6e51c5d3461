// Hearthctl is a command line client for a hearthd server.
//
// Without a command it opens an interactive console with tab
// completion seeded from the server's own introspection. With the
// call command it performs a single request, prints the result as
// JSON, and exits, which makes it usable from scripts.
//
// Usage:
//
//	hearthctl                                  Interactive console
//	hearthctl call <Namespace.Method> [json]   One-shot RPC call
//	hearthctl -s 10.0.0.5:2222 -t <token> ...  Remote, authenticated
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

const (
	defaultAddr = "127.0.0.1:2222"
	defaultPort = "2222"

	dialTimeout = 5 * time.Second
	callTimeout = 30 * time.Second
)

func main() {
	if err := run(context.Background(), os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "hearthctl:", err)
		os.Exit(1)
	}
}

// run parses flags and dispatches. Split from main so tests can drive
// the full command surface with plain buffers.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	addr := defaultAddr
	token := ""
	var words []string

	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "-s" || arg == "-server" || arg == "--server":
			i++
			if i >= len(args) {
				return fmt.Errorf("%s needs an address", arg)
			}
			addr = args[i]
		case strings.HasPrefix(arg, "-server="):
			addr = strings.TrimPrefix(arg, "-server=")
		case arg == "-t" || arg == "-token" || arg == "--token":
			i++
			if i >= len(args) {
				return fmt.Errorf("%s needs a value", arg)
			}
			token = args[i]
		case strings.HasPrefix(arg, "-token="):
			token = strings.TrimPrefix(arg, "-token=")
		case arg == "-h" || arg == "-help" || arg == "--help":
			printUsage(stdout)
			return nil
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag %q, see hearthctl -help", arg)
		default:
			words = append(words, arg)
		}
	}
	addr = normalizeAddr(addr)

	if len(words) == 0 {
		return runConsole(ctx, addr, token)
	}
	switch words[0] {
	case "call":
		return runCall(ctx, stdout, addr, token, words[1:])
	case "help":
		printUsage(stdout)
		return nil
	default:
		return fmt.Errorf("unknown command %q, see hearthctl -help", words[0])
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `Usage: hearthctl [flags] [command]

Commands:
  (none)                            Open the interactive console
  call <Namespace.Method> [json]    Perform one RPC call and print the result
  help                              Show this help

Flags:
  -s, -server <addr>   Server address (default `+defaultAddr+`)
  -t, -token <value>   Bearer token for authenticated calls
  -h, -help            Show this help

Examples:
  hearthctl call JSONRPC.Version
  hearthctl -t "$TOKEN" call Rules.GetRules
  hearthctl call Devices.ExecuteAction '{"deviceId":"...","actionTypeId":"..."}'
`)
}

// normalizeAddr fills in the default RPC port when the operator gave
// a bare host.
func normalizeAddr(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return net.JoinHostPort(addr, defaultPort)
	}
	return addr
}

// runCall performs a single request and prints the reply params as
// indented JSON. Error and unauthorized replies become process errors
// so scripts can branch on the exit code.
func runCall(ctx context.Context, stdout io.Writer, addr, token string, args []string) error {
	if len(args) == 0 {
		return errors.New("call needs a method, like Rules.GetRules")
	}
	method := args[0]
	var params map[string]any
	if len(args) > 1 {
		raw := strings.Join(args[1:], " ")
		if err := json.Unmarshal([]byte(raw), &params); err != nil {
			return fmt.Errorf("params must be a JSON object: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := Dial(addr, dialTimeout)
	if err != nil {
		return err
	}
	defer c.Close()
	if token != "" {
		c.SetToken(token)
	}

	cctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	resp, err := c.Call(cctx, method, params)
	if err != nil {
		return err
	}
	return printResponse(stdout, resp)
}

func printResponse(w io.Writer, r Response) error {
	switch r.Status {
	case "success":
		params := r.Params
		if params == nil {
			params = map[string]any{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(params)
	case "unauthorized":
		return fmt.Errorf("unauthorized: %s", r.Error)
	default:
		return fmt.Errorf("server error: %s", r.Error)
	}
}
