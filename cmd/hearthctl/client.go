package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// maxFrameSize caps one newline-delimited server frame. Mirrors the
// server-side limit, so a well-behaved server never trips it.
const maxFrameSize = 1 << 20

// Response is one reply envelope from the server. Status "success"
// carries the result in Params, "error" and "unauthorized" carry a
// message in Error.
type Response struct {
	ID     int
	Status string
	Params map[string]any
	Error  string
}

// Success reports whether the server accepted the call.
func (r Response) Success() bool { return r.Status == "success" }

// Notification is a server push. Besides explicitly enabled
// notifications this also carries push-button outcomes, which the
// server delivers to their requester unconditionally.
type Notification struct {
	Name   string
	Params map[string]any
}

// frame is the superset shape of everything the server writes on the
// wire: welcome messages, replies, and notifications.
type frame struct {
	ID           *int           `json:"id"`
	Status       string         `json:"status"`
	Error        string         `json:"error"`
	Notification string         `json:"notification"`
	Server       string         `json:"server"`
	Params       map[string]any `json:"params"`
}

// Client speaks the hearthd line protocol over a single TCP
// connection. Replies are correlated by request id, so any number of
// calls may be in flight at once. One reader goroutine owns the
// connection's read side from Dial until the connection drops.
type Client struct {
	conn net.Conn

	mu      sync.Mutex
	token   string
	nextID  int
	pending map[int]chan Response
	readErr error

	welcome map[string]any
	notifs  chan Notification
	done    chan struct{}
}

// Dial connects to a hearthd server and waits for its welcome
// message. A server that accepts the connection but stays silent is
// reported as an error after timeout.
func Dial(addr string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	c := &Client{
		conn:    conn,
		pending: make(map[int]chan Response),
		notifs:  make(chan Notification, 32),
		done:    make(chan struct{}),
	}
	welcome := make(chan map[string]any, 1)
	go c.readLoop(welcome)

	select {
	case w := <-welcome:
		c.welcome = w
	case <-c.done:
		conn.Close()
		return nil, fmt.Errorf("read welcome from %s: %w", addr, c.err())
	case <-time.After(timeout):
		conn.Close()
		return nil, fmt.Errorf("no welcome from %s within %s", addr, timeout)
	}
	return c, nil
}

// Close tears down the connection. In-flight calls fail with a
// connection lost error.
func (c *Client) Close() error { return c.conn.Close() }

// Welcome returns the handshake message the server sent on connect.
func (c *Client) Welcome() map[string]any { return c.welcome }

// Notifications returns the channel carrying server pushes. The
// reader drops pushes when nobody drains the channel, it never stalls
// the connection.
func (c *Client) Notifications() <-chan Notification { return c.notifs }

// Done is closed once the connection is lost.
func (c *Client) Done() <-chan struct{} { return c.done }

// SetToken attaches a bearer token to every subsequent request.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the token currently attached to requests.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Call sends one request and waits for the matching reply. A reply
// with status "error" or "unauthorized" is a successful call, the
// verdict is in the Response. The returned error covers transport
// failures and ctx expiry only.
func (c *Client) Call(ctx context.Context, method string, params map[string]any) (Response, error) {
	c.mu.Lock()
	if c.readErr != nil {
		err := c.readErr
		c.mu.Unlock()
		return Response{}, fmt.Errorf("connection lost: %w", err)
	}
	c.nextID++
	id := c.nextID
	ch := make(chan Response, 1)
	c.pending[id] = ch
	token := c.token
	c.mu.Unlock()

	req := map[string]any{"id": id, "method": method}
	if token != "" {
		req["token"] = token
	}
	if params != nil {
		req["params"] = params
	}
	data, err := json.Marshal(req)
	if err != nil {
		c.drop(id)
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}
	// Reset the write deadline every time, an expired one would
	// poison later calls.
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
	} else {
		c.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		c.drop(id)
		return Response{}, fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case r, ok := <-ch:
		if !ok {
			return Response{}, fmt.Errorf("connection lost: %w", c.err())
		}
		return r, nil
	case <-ctx.Done():
		c.drop(id)
		return Response{}, ctx.Err()
	case <-c.done:
		// The reply may have landed in the same instant the
		// connection dropped. Prefer it over the error.
		select {
		case r, ok := <-ch:
			if ok {
				return r, nil
			}
		default:
		}
		return Response{}, fmt.Errorf("connection lost: %w", c.err())
	}
}

// readLoop classifies incoming frames. Notifications go to the notifs
// channel, the welcome message to the welcome channel, everything
// else is matched against a pending call by id. On exit every pending
// call is failed and done is closed.
func (c *Client) readLoop(welcome chan<- map[string]any) {
	sc := bufio.NewScanner(c.conn)
	sc.Buffer(make([]byte, 64*1024), maxFrameSize)
	var fail error
	for sc.Scan() {
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var f frame
		if err := json.Unmarshal(line, &f); err != nil {
			fail = fmt.Errorf("malformed frame from server: %w", err)
			break
		}
		switch {
		case f.Notification != "":
			select {
			case c.notifs <- Notification{Name: f.Notification, Params: f.Params}:
			default:
			}
		case f.Server != "" && f.Status == "":
			var w map[string]any
			if err := json.Unmarshal(line, &w); err == nil {
				select {
				case welcome <- w:
				default:
				}
			}
		case f.ID != nil:
			c.deliver(*f.ID, Response{ID: *f.ID, Status: f.Status, Params: f.Params, Error: f.Error})
		}
	}
	if fail == nil {
		fail = sc.Err()
	}
	if fail == nil {
		fail = io.EOF
	}

	c.mu.Lock()
	c.readErr = fail
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
	c.mu.Unlock()
	close(c.done)
}

func (c *Client) deliver(id int, r Response) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok {
		ch <- r
	}
}

func (c *Client) drop(id int) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return c.readErr
	}
	return io.EOF
}
