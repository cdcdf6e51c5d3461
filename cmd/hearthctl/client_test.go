package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"
)

const testWelcome = `{"id":0,"server":"hearthd","name":"Test Hearth","version":"0.3.0","uuid":"00000000-0000-4000-8000-000000000001","language":"en_US","protocol version":"1.0","initialSetupRequired":false,"authenticationRequired":true,"pushButtonAuthAvailable":true}`

// fakeServer accepts one client and speaks just enough of the wire
// protocol to exercise the client side: it pushes the welcome line on
// connect, decodes incoming requests, and writes whatever frames a
// test hands it.
type fakeServer struct {
	ln   net.Listener
	reqs chan fakeRequest

	mu   sync.Mutex
	conn net.Conn
}

type fakeRequest struct {
	ID     int            `json:"id"`
	Method string         `json:"method"`
	Token  string         `json:"token"`
	Params map[string]any `json:"params"`
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &fakeServer{ln: ln, reqs: make(chan fakeRequest, 16)}
	go s.serve()
	t.Cleanup(func() {
		ln.Close()
		s.closeConn()
	})
	return s
}

func (s *fakeServer) addr() string { return s.ln.Addr().String() }

func (s *fakeServer) serve() {
	conn, err := s.ln.Accept()
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	fmt.Fprintln(conn, testWelcome)
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		var req fakeRequest
		if err := json.Unmarshal(sc.Bytes(), &req); err != nil {
			continue
		}
		s.reqs <- req
	}
}

func (s *fakeServer) closeConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
	}
}

// send writes one raw frame. The connection is guaranteed to exist
// because every test dials before sending.
func (s *fakeServer) send(line string) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		fmt.Fprintln(conn, line)
	}
}

func (s *fakeServer) reply(id int, paramsJSON string) {
	s.send(fmt.Sprintf(`{"id":%d,"status":"success","params":%s}`, id, paramsJSON))
}

func dialFake(t *testing.T, s *fakeServer) *Client {
	t.Helper()
	c, err := Dial(s.addr(), 2*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestDial_ReceivesWelcome(t *testing.T) {
	s := newFakeServer(t)
	c := dialFake(t, s)

	w := c.Welcome()
	if got, _ := w["server"].(string); got != "hearthd" {
		t.Errorf("welcome server = %q, want %q", got, "hearthd")
	}
	if got, _ := w["name"].(string); got != "Test Hearth" {
		t.Errorf("welcome name = %q, want %q", got, "Test Hearth")
	}
	if got, _ := w["pushButtonAuthAvailable"].(bool); !got {
		t.Error("welcome pushButtonAuthAvailable = false, want true")
	}
}

func TestDial_SilentServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			time.Sleep(500 * time.Millisecond)
			conn.Close()
		}
	}()

	if _, err := Dial(ln.Addr().String(), 100*time.Millisecond); err == nil {
		t.Fatal("Dial succeeded against a server that never sent a welcome")
	}
}

func TestDial_Refused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	if _, err := Dial(addr, time.Second); err == nil {
		t.Fatal("Dial succeeded against a closed port")
	}
}

func TestCall_RoundTrip(t *testing.T) {
	s := newFakeServer(t)
	c := dialFake(t, s)

	got := make(chan fakeRequest, 1)
	go func() {
		req := <-s.reqs
		got <- req
		s.reply(req.ID, `{"version":"0.3.0"}`)
	}()

	resp, err := c.Call(testContext(t), "JSONRPC.Version", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !resp.Success() {
		t.Fatalf("status = %q, want success", resp.Status)
	}
	if v, _ := resp.Params["version"].(string); v != "0.3.0" {
		t.Errorf("version = %q, want %q", v, "0.3.0")
	}

	req := <-got
	if req.Method != "JSONRPC.Version" {
		t.Errorf("request method = %q, want %q", req.Method, "JSONRPC.Version")
	}
	if req.ID != 1 {
		t.Errorf("first request id = %d, want 1", req.ID)
	}
	if req.Token != "" {
		t.Errorf("request carried token %q before SetToken", req.Token)
	}
}

func TestCall_AttachesTokenAndParams(t *testing.T) {
	s := newFakeServer(t)
	c := dialFake(t, s)
	c.SetToken("tok-1")

	got := make(chan fakeRequest, 1)
	go func() {
		req := <-s.reqs
		got <- req
		s.reply(req.ID, `{}`)
	}()

	if _, err := c.Call(testContext(t), "Rules.EnableRule", map[string]any{"ruleId": "r-1"}); err != nil {
		t.Fatalf("Call: %v", err)
	}

	req := <-got
	if req.Token != "tok-1" {
		t.Errorf("request token = %q, want %q", req.Token, "tok-1")
	}
	if id, _ := req.Params["ruleId"].(string); id != "r-1" {
		t.Errorf("params ruleId = %q, want %q", id, "r-1")
	}
}

func TestCall_CorrelatesOutOfOrderReplies(t *testing.T) {
	s := newFakeServer(t)
	c := dialFake(t, s)

	go func() {
		first := <-s.reqs
		second := <-s.reqs
		s.reply(second.ID, fmt.Sprintf(`{"echo":%q}`, second.Method))
		s.reply(first.ID, fmt.Sprintf(`{"echo":%q}`, first.Method))
	}()

	ctx := testContext(t)
	var one, two Response
	errs := make(chan error, 2)
	go func() {
		var err error
		one, err = c.Call(ctx, "A.One", nil)
		errs <- err
	}()
	go func() {
		var err error
		two, err = c.Call(ctx, "B.Two", nil)
		errs <- err
	}()
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("Call: %v", err)
		}
	}

	if echo, _ := one.Params["echo"].(string); echo != "A.One" {
		t.Errorf("A.One received %q", echo)
	}
	if echo, _ := two.Params["echo"].(string); echo != "B.Two" {
		t.Errorf("B.Two received %q", echo)
	}
}

func TestCall_ErrorStatus(t *testing.T) {
	s := newFakeServer(t)
	c := dialFake(t, s)

	go func() {
		req := <-s.reqs
		s.send(fmt.Sprintf(`{"id":%d,"status":"error","error":"no such method"}`, req.ID))
	}()

	resp, err := c.Call(testContext(t), "Nope.Nothing", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.Success() {
		t.Error("Success() = true for an error reply")
	}
	if resp.Status != "error" || resp.Error != "no such method" {
		t.Errorf("got status %q error %q", resp.Status, resp.Error)
	}
}

func TestCall_UnauthorizedStatus(t *testing.T) {
	s := newFakeServer(t)
	c := dialFake(t, s)

	go func() {
		req := <-s.reqs
		s.send(fmt.Sprintf(`{"id":%d,"status":"unauthorized","error":"authentication required"}`, req.ID))
	}()

	resp, err := c.Call(testContext(t), "Rules.GetRules", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.Status != "unauthorized" {
		t.Errorf("status = %q, want unauthorized", resp.Status)
	}
}

func TestNotifications_Delivered(t *testing.T) {
	s := newFakeServer(t)
	c := dialFake(t, s)

	s.send(`{"id":77,"notification":"Devices.StateChanged","params":{"deviceId":"d-1"}}`)

	select {
	case n := <-c.Notifications():
		if n.Name != "Devices.StateChanged" {
			t.Errorf("notification name = %q", n.Name)
		}
		if id, _ := n.Params["deviceId"].(string); id != "d-1" {
			t.Errorf("notification deviceId = %q, want %q", id, "d-1")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification never arrived")
	}
}

func TestNotifications_DoNotDisturbCalls(t *testing.T) {
	s := newFakeServer(t)
	c := dialFake(t, s)

	go func() {
		req := <-s.reqs
		// A notification frame carries an id too. It must not be
		// mistaken for the reply.
		s.send(`{"id":999,"notification":"Rules.RuleTriggered","params":{}}`)
		s.reply(req.ID, `{"ok":true}`)
	}()

	resp, err := c.Call(testContext(t), "Rules.GetRules", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if ok, _ := resp.Params["ok"].(bool); !ok {
		t.Error("reply was lost to the interleaved notification")
	}

	select {
	case n := <-c.Notifications():
		if n.Name != "Rules.RuleTriggered" {
			t.Errorf("notification name = %q", n.Name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification never arrived")
	}
}

func TestCall_ContextExpiry(t *testing.T) {
	s := newFakeServer(t)
	c := dialFake(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Call(ctx, "JSONRPC.Version", nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}

	c.mu.Lock()
	n := len(c.pending)
	c.mu.Unlock()
	if n != 0 {
		t.Errorf("%d pending entries left after an expired call, want 0", n)
	}

	// A later call on the same connection still works, and a late
	// reply to the abandoned request is ignored.
	go func() {
		stale := <-s.reqs
		s.reply(stale.ID, `{}`)
		req := <-s.reqs
		s.reply(req.ID, `{"version":"0.3.0"}`)
	}()
	resp, err := c.Call(testContext(t), "JSONRPC.Version", nil)
	if err != nil {
		t.Fatalf("Call after expiry: %v", err)
	}
	if !resp.Success() {
		t.Errorf("status = %q, want success", resp.Status)
	}
}

func TestCall_ConnectionLost(t *testing.T) {
	s := newFakeServer(t)
	c := dialFake(t, s)

	go func() {
		<-s.reqs
		s.closeConn()
	}()

	if _, err := c.Call(testContext(t), "JSONRPC.Version", nil); err == nil {
		t.Fatal("Call succeeded over a dead connection")
	}

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done never closed after the connection dropped")
	}

	if _, err := c.Call(testContext(t), "JSONRPC.Version", nil); err == nil {
		t.Fatal("Call succeeded after the connection was lost")
	}
}
