package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/chzyer/readline"
)

// runConsole drives the interactive prompt. Notifications print
// between prompts as they arrive, commands run synchronously.
func runConsole(ctx context.Context, addr, token string) error {
	c, err := Dial(addr, dialTimeout)
	if err != nil {
		return err
	}
	defer c.Close()
	if token != "" {
		c.SetToken(token)
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "hearthctl> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    buildCompleter(ctx, c),
	})
	if err != nil {
		return fmt.Errorf("start console: %w", err)
	}
	defer rl.Close()

	printWelcome(rl.Stdout(), addr, c.Welcome())
	go printNotifications(ctx, rl, c)

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if err != nil {
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if quit := dispatch(ctx, rl, c, line); quit {
			return nil
		}
	}
}

// dispatch runs one console command. Anything that is not a built-in
// is treated as a method call. Returns true when the console should
// exit.
func dispatch(ctx context.Context, rl *readline.Instance, c *Client, line string) bool {
	fields := strings.Fields(line)
	cmd, rest := fields[0], fields[1:]
	switch cmd {
	case "exit", "quit":
		return true
	case "help", "?":
		printConsoleHelp(rl.Stdout())
	case "token":
		doToken(rl, c, rest)
	case "login":
		doLogin(ctx, rl, c, rest)
	case "push":
		doPushButton(ctx, rl, c, rest)
	case "notifications":
		doNotifications(ctx, rl, c, rest)
	default:
		doCall(ctx, rl, c, line)
	}
	return false
}

func doToken(rl *readline.Instance, c *Client, args []string) {
	if len(args) > 0 {
		c.SetToken(args[0])
		fmt.Fprintln(rl.Stdout(), "token set")
		return
	}
	if t := c.Token(); t != "" {
		fmt.Fprintln(rl.Stdout(), t)
		return
	}
	fmt.Fprintln(rl.Stdout(), "no token attached, use login or push")
}

func doLogin(ctx context.Context, rl *readline.Instance, c *Client, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(rl.Stderr(), "usage: login <username>")
		return
	}
	password, err := rl.ReadPassword("password: ")
	if err != nil {
		return
	}
	resp, err := call(ctx, c, "JSONRPC.Authenticate", map[string]any{
		"username":   args[0],
		"password":   string(password),
		"deviceName": deviceName(),
	})
	if err != nil {
		fmt.Fprintln(rl.Stderr(), err)
		return
	}
	if !resp.Success() {
		fmt.Fprintln(rl.Stderr(), "error:", resp.Error)
		return
	}
	if ok, _ := resp.Params["success"].(bool); !ok {
		fmt.Fprintln(rl.Stderr(), "login rejected, check username and password")
		return
	}
	token, _ := resp.Params["token"].(string)
	c.SetToken(token)
	fmt.Fprintln(rl.Stdout(), "logged in, token attached to this session")
}

// doPushButton starts a push-button transaction. The outcome arrives
// as a PushButtonAuthFinished push that the notification printer
// turns into a session token, so there is nothing to wait on here.
func doPushButton(ctx context.Context, rl *readline.Instance, c *Client, args []string) {
	name := deviceName()
	if len(args) > 0 {
		name = strings.Join(args, " ")
	}
	resp, err := call(ctx, c, "JSONRPC.RequestPushButtonAuth", map[string]any{"deviceName": name})
	if err != nil {
		fmt.Fprintln(rl.Stderr(), err)
		return
	}
	if !resp.Success() {
		fmt.Fprintln(rl.Stderr(), "error:", resp.Error)
		return
	}
	tx, _ := resp.Params["transactionId"].(float64)
	fmt.Fprintf(rl.Stdout(), "transaction %d started, press the button on the server now\n", int(tx))
}

func doNotifications(ctx context.Context, rl *readline.Instance, c *Client, args []string) {
	if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
		fmt.Fprintln(rl.Stderr(), "usage: notifications on|off")
		return
	}
	resp, err := call(ctx, c, "JSONRPC.SetNotificationStatus", map[string]any{"enabled": args[0] == "on"})
	if err != nil {
		fmt.Fprintln(rl.Stderr(), err)
		return
	}
	if !resp.Success() {
		fmt.Fprintln(rl.Stderr(), "error:", resp.Error)
		return
	}
	fmt.Fprintln(rl.Stdout(), "notifications", args[0])
}

// doCall treats the line as "<Namespace.Method> [params-json]".
func doCall(ctx context.Context, rl *readline.Instance, c *Client, line string) {
	method, raw, _ := strings.Cut(line, " ")
	if !strings.Contains(method, ".") {
		fmt.Fprintf(rl.Stderr(), "unknown command %q, try help\n", method)
		return
	}
	var params map[string]any
	if raw = strings.TrimSpace(raw); raw != "" {
		if err := json.Unmarshal([]byte(raw), &params); err != nil {
			fmt.Fprintln(rl.Stderr(), "params must be a JSON object:", err)
			return
		}
	}
	resp, err := call(ctx, c, method, params)
	if err != nil {
		fmt.Fprintln(rl.Stderr(), err)
		return
	}
	showResponse(rl, resp)
}

func call(ctx context.Context, c *Client, method string, params map[string]any) (Response, error) {
	cctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	return c.Call(cctx, method, params)
}

func showResponse(rl *readline.Instance, r Response) {
	switch r.Status {
	case "success":
		params := r.Params
		if params == nil {
			params = map[string]any{}
		}
		enc := json.NewEncoder(rl.Stdout())
		enc.SetIndent("", "  ")
		enc.Encode(params)
	case "unauthorized":
		fmt.Fprintf(rl.Stderr(), "unauthorized: %s (try login, or push for push-button auth)\n", r.Error)
	default:
		fmt.Fprintln(rl.Stderr(), "error:", r.Error)
	}
}

// printNotifications relays server pushes to the console. A
// successful push-button outcome also installs the issued token on
// the client, completing the push command.
func printNotifications(ctx context.Context, rl *readline.Instance, c *Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.Done():
			return
		case n := <-c.Notifications():
			if n.Name == "JSONRPC.PushButtonAuthFinished" {
				if token, _ := n.Params["token"].(string); token != "" {
					c.SetToken(token)
					fmt.Fprintln(rl.Stdout(), "push-button auth succeeded, token attached to this session")
				} else {
					fmt.Fprintln(rl.Stdout(), "push-button auth failed")
				}
				continue
			}
			data, err := json.Marshal(n.Params)
			if err != nil {
				data = []byte("{}")
			}
			fmt.Fprintf(rl.Stdout(), "%s %s\n", n.Name, data)
		}
	}
}

// buildCompleter seeds tab completion from the server's own
// introspection, so the console always matches the server it talks
// to. A server that cannot answer leaves only the built-ins.
func buildCompleter(ctx context.Context, c *Client) readline.AutoCompleter {
	items := []readline.PrefixCompleterInterface{
		readline.PcItem("help"),
		readline.PcItem("login"),
		readline.PcItem("push"),
		readline.PcItem("token"),
		readline.PcItem("notifications", readline.PcItem("on"), readline.PcItem("off")),
		readline.PcItem("exit"),
	}
	cctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	resp, err := c.Call(cctx, "JSONRPC.Introspect", nil)
	if err == nil && resp.Success() {
		if methods, ok := resp.Params["methods"].(map[string]any); ok {
			names := make([]string, 0, len(methods))
			for name := range methods {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				items = append(items, readline.PcItem(name))
			}
		}
	}
	return readline.NewPrefixCompleter(items...)
}

func printWelcome(w io.Writer, addr string, welcome map[string]any) {
	name, _ := welcome["name"].(string)
	version, _ := welcome["version"].(string)
	fmt.Fprintf(w, "connected to %q at %s (hearthd %s)\n", name, addr, version)
	if setup, _ := welcome["initialSetupRequired"].(bool); setup {
		fmt.Fprintln(w, "no users exist yet, create one with JSONRPC.CreateUser")
	}
	fmt.Fprintln(w, `type "help" for commands`)
}

func printConsoleHelp(w io.Writer) {
	fmt.Fprint(w, `Commands:
  <Namespace.Method> [json]   Call an RPC method, e.g. Rules.GetRules
  login <username>            Authenticate and attach the token
  push [device-name]          Push-button authentication
  token [value]               Show or set the bearer token
  notifications on|off        Toggle server notifications
  help                        This text
  exit                        Leave the console

Tab completes method names using the server's introspection.
`)
}

func deviceName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "hearthctl"
	}
	return "hearthctl@" + host
}
