package jsonrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hearthd/hearthd/internal/buildinfo"
	"github.com/hearthd/hearthd/internal/config"
	"github.com/hearthd/hearthd/internal/events"
	"github.com/hearthd/hearthd/internal/users"
)

// Sender is the transport side of a connection. Implementations deliver
// payloads to one of their clients and report whether clients on this
// transport must authenticate.
type Sender interface {
	// Name identifies the transport in logs.
	Name() string
	// SendData delivers one JSON payload to the given client. Framing
	// (newlines, websocket messages) is the transport's business.
	SendData(clientID string, data []byte) error
	// AuthRequired reports whether this transport enforces the token gate.
	AuthRequired() bool
}

// client is the server-side record of one connection.
type client struct {
	sender        Sender
	notifications bool
}

// request is the wire shape of an incoming call. The id is a pointer so
// a missing id is distinguishable from id 0.
type request struct {
	ID     *int           `json:"id"`
	Method string         `json:"method"`
	Token  string         `json:"token"`
	Params map[string]any `json:"params"`
}

// Server dispatches requests to namespace handlers and pushes
// notifications. All mutable state is confined to the core loop: the
// transport-facing methods hand closures to submit, which the owner
// runs one at a time.
type Server struct {
	log    *slog.Logger
	cfg    *config.Config
	users  *users.Manager
	bus    *events.Bus
	submit func(func())

	handlers map[string]*Handler
	types    Types

	// Touched only on the core loop.
	clients        map[string]*client
	notificationID int
}

// NewServer creates the dispatcher. submit must serialize the closures
// it is handed; every transport callback and bus-driven notification
// funnels through it.
func NewServer(log *slog.Logger, cfg *config.Config, userMgr *users.Manager, bus *events.Bus, submit func(func())) *Server {
	s := &Server{
		log:      log,
		cfg:      cfg,
		users:    userMgr,
		bus:      bus,
		submit:   submit,
		handlers: make(map[string]*Handler),
		types:    builtinTypes(),
		clients:  make(map[string]*client),
	}
	userMgr.OnPushButtonFinished(s.pushButtonFinished)
	return s
}

// RegisterHandler adds a namespace. Register everything before the
// transports start delivering data.
func (s *Server) RegisterHandler(h *Handler) {
	s.handlers[h.Name()] = h
}

// ClientConnected registers a connection and sends the welcome message.
// Notifications start enabled on transports that skip authentication,
// disabled otherwise.
func (s *Server) ClientConnected(sender Sender, clientID string) {
	s.submit(func() {
		c := &client{sender: sender, notifications: !sender.AuthRequired()}
		s.clients[clientID] = c
		s.log.Info("client connected", "transport", sender.Name(), "client_id", clientID, "clients", len(s.clients))
		s.send(c, clientID, s.welcome(sender.AuthRequired()))
	})
}

// ClientDisconnected drops a connection. A pending push-button
// transaction of this client is cancelled.
func (s *Server) ClientDisconnected(clientID string) {
	s.submit(func() {
		c, ok := s.clients[clientID]
		if !ok {
			return
		}
		delete(s.clients, clientID)
		s.users.ClientDisconnected(clientID)
		s.log.Info("client disconnected", "transport", c.sender.Name(), "client_id", clientID, "clients", len(s.clients))
	})
}

// HandleData processes one framed payload from a transport.
func (s *Server) HandleData(clientID string, data []byte) {
	s.submit(func() { s.processData(clientID, data) })
}

func (s *Server) processData(clientID string, data []byte) {
	c, ok := s.clients[clientID]
	if !ok {
		s.log.Debug("data from unknown client", "client_id", clientID)
		return
	}

	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		s.sendError(c, clientID, -1, "Failed to parse JSON data: "+err.Error())
		return
	}
	if req.ID == nil {
		s.sendError(c, clientID, -1, "Error parsing command. Missing 'id'")
		return
	}
	id := *req.ID

	ns, op, found := strings.Cut(req.Method, ".")
	if !found || ns == "" || op == "" || strings.Contains(op, ".") {
		s.sendError(c, clientID, id, fmt.Sprintf("Error parsing method. Got: '%s', Expected: 'Namespace.method'", req.Method))
		return
	}

	if c.sender.AuthRequired() && !s.authExempt(ns, op) && !s.users.VerifyToken(req.Token) {
		if !s.users.HasUsers() {
			s.sendUnauthorized(c, clientID, id, "Initial setup required. Call CreateUser first.")
		} else {
			s.sendUnauthorized(c, clientID, id, "Forbidden: Invalid token.")
		}
		return
	}

	h, ok := s.handlers[ns]
	if !ok {
		s.sendError(c, clientID, id, "No such namespace")
		return
	}
	m, ok := h.Method(op)
	if !ok {
		s.sendError(c, clientID, id, "No such method")
		return
	}

	params := req.Params
	if params == nil {
		params = map[string]any{}
	}
	if err := s.types.ValidateParams(m.Params, params); err != nil {
		s.sendError(c, clientID, id, "Invalid params: "+err.Error())
		return
	}

	reply := m.fn(&CallContext{
		ClientID:     clientID,
		Token:        req.Token,
		AuthRequired: c.sender.AuthRequired(),
		Params:       params,
	})
	if reply == nil {
		s.log.Error("method returned no reply", "method", req.Method)
		s.sendError(c, clientID, id, "Internal error")
		return
	}
	if reply.async != nil {
		s.parkReply(clientID, id, req.Method, m, reply.async)
		return
	}
	s.finishCall(c, clientID, id, req.Method, m, reply.data)
}

// authExempt reports whether a method passes the token gate unchecked.
// Before the first user exists only setup and introspection are open;
// afterwards Authenticate replaces CreateUser in the exempt set.
func (s *Server) authExempt(ns, op string) bool {
	if ns != "JSONRPC" {
		return false
	}
	switch op {
	case "Introspect", "Hello", "RequestPushButtonAuth":
		return true
	case "CreateUser":
		return !s.users.HasUsers()
	case "Authenticate":
		return s.users.HasUsers()
	}
	return false
}

// parkReply waits out an async reply off the core loop and submits the
// outcome back. A completion racing the timeout is dropped.
func (s *Server) parkReply(clientID string, id int, method string, m *Method, async *AsyncReply) {
	go func() {
		select {
		case data := <-async.done:
			s.submit(func() {
				c, ok := s.clients[clientID]
				if !ok {
					s.log.Debug("async reply for a client that is gone", "client_id", clientID, "method", method)
					return
				}
				s.finishCall(c, clientID, id, method, m, data)
			})
		case <-time.After(async.timeout):
			s.submit(func() {
				c, ok := s.clients[clientID]
				if !ok {
					return
				}
				s.log.Warn("async reply timed out", "client_id", clientID, "method", method)
				s.sendError(c, clientID, id, "Command timed out")
			})
		}
	}()
}

// finishCall checks a result against the method's returns schema and
// sends it. A mismatch is a server bug; it is logged and the reply goes
// out anyway.
func (s *Server) finishCall(c *client, clientID string, id int, method string, m *Method, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	if err := s.types.ValidateParams(m.Returns, data); err != nil {
		s.log.Error("reply does not match the declared returns schema", "method", method, "err", err)
	}
	s.sendResponse(c, clientID, id, data)
}

// welcome builds the handshake object sent on connect and returned by
// JSONRPC.Hello. Clients decide from it whether setup or a login is
// needed before anything else.
func (s *Server) welcome(authRequired bool) map[string]any {
	initialSetup := false
	if authRequired {
		initialSetup = !s.users.HasUsers()
	}
	return map[string]any{
		"id":                      0,
		"server":                  "hearthd",
		"name":                    s.cfg.Server.Name,
		"version":                 buildinfo.Version,
		"uuid":                    s.cfg.Server.UUID,
		"language":                s.cfg.Server.Language,
		"protocol version":        ProtocolVersion,
		"initialSetupRequired":    initialSetup,
		"authenticationRequired":  authRequired,
		"pushButtonAuthAvailable": true,
	}
}

// setNotificationsEnabled flips the per-client notification flag. Called
// from the JSONRPC handler, which already runs on the core loop.
func (s *Server) setNotificationsEnabled(clientID string, enabled bool) {
	if c, ok := s.clients[clientID]; ok {
		c.notifications = enabled
	}
}

// introspection renders the full API document: every registered type,
// method, and notification shape.
func (s *Server) introspection() map[string]any {
	methods := map[string]any{}
	notifications := map[string]any{}
	for _, h := range s.handlers {
		for k, v := range h.introspectMethods() {
			methods[k] = v
		}
		for k, v := range h.introspectNotifications() {
			notifications[k] = v
		}
	}
	return map[string]any{
		"types":         map[string]any(s.types),
		"methods":       methods,
		"notifications": notifications,
	}
}

// Notify pushes a notification to every client that enabled
// notifications. Safe to call from any goroutine.
func (s *Server) Notify(namespace, name string, params map[string]any) {
	s.submit(func() { s.broadcast(namespace+"."+name, params) })
}

func (s *Server) broadcast(name string, params map[string]any) {
	if len(s.clients) == 0 {
		return
	}
	data, err := json.Marshal(s.notification(name, params))
	if err != nil {
		s.log.Error("marshal notification", "notification", name, "err", err)
		return
	}
	for clientID, c := range s.clients {
		if !c.notifications {
			continue
		}
		if err := c.sender.SendData(clientID, data); err != nil {
			s.log.Warn("notification send failed", "transport", c.sender.Name(), "client_id", clientID, "err", err)
		}
	}
}

func (s *Server) notification(name string, params map[string]any) map[string]any {
	if params == nil {
		params = map[string]any{}
	}
	id := s.notificationID
	s.notificationID++
	return map[string]any{"id": id, "notification": name, "params": params}
}

// pushButtonFinished tells the requesting client how its push-button
// transaction ended. The requester always gets this, enabled
// notifications or not; nobody else sees the token.
func (s *Server) pushButtonFinished(clientID string, transactionID int32, success bool, token string) {
	s.submit(func() {
		c, ok := s.clients[clientID]
		if !ok {
			s.log.Debug("push button finished for a client that is gone", "client_id", clientID)
			return
		}
		params := map[string]any{"transactionId": transactionID}
		if success {
			params["status"] = users.UserErrorNoError
			params["token"] = token
		} else {
			params["status"] = users.UserErrorPermissionDenied
		}
		data, err := json.Marshal(s.notification("JSONRPC.PushButtonAuthFinished", params))
		if err != nil {
			s.log.Error("marshal notification", "notification", "JSONRPC.PushButtonAuthFinished", "err", err)
			return
		}
		if err := c.sender.SendData(clientID, data); err != nil {
			s.log.Warn("notification send failed", "transport", c.sender.Name(), "client_id", clientID, "err", err)
		}
	})
}

// Run consumes the event bus and forwards rule, device, and cloud
// activity to clients as notifications. Blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) {
	if s.bus == nil {
		<-ctx.Done()
		return
	}
	ch := s.bus.Subscribe(64)
	defer s.bus.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-ch:
			s.forward(e)
		}
	}
}

// forward translates one bus event into its wire notification. Bus
// payloads use snake_case keys and native types; the wire wants
// camelCase keys and plain JSON values.
func (s *Server) forward(e events.Event) {
	switch {
	case e.Source == events.SourceRules && e.Kind == events.KindRuleAdded:
		if rule, ok := wireValue(e.Data["rule"]); ok {
			s.Notify("Rules", "RuleAdded", map[string]any{"rule": rule})
		}
	case e.Source == events.SourceRules && e.Kind == events.KindRuleRemoved:
		s.Notify("Rules", "RuleRemoved", map[string]any{"ruleId": e.Data["rule_id"]})
	case e.Source == events.SourceRules && e.Kind == events.KindRuleConfigChanged:
		if rule, ok := wireValue(e.Data["rule"]); ok {
			s.Notify("Rules", "RuleConfigurationChanged", map[string]any{"rule": rule})
		}
	case e.Source == events.SourceRules && e.Kind == events.KindRuleActiveChanged:
		s.Notify("Rules", "RuleActiveChanged", map[string]any{
			"ruleId": e.Data["rule_id"],
			"active": e.Data["active"],
		})
	case e.Source == events.SourceDevices && e.Kind == events.KindStateChanged:
		s.Notify("Devices", "StateChanged", map[string]any{
			"deviceId":    e.Data["device_id"],
			"stateTypeId": e.Data["state_type_id"],
			"value":       e.Data["value"],
		})
	case e.Source == events.SourceDevices && e.Kind == events.KindDeviceEvent:
		s.Notify("Devices", "EventTriggered", map[string]any{
			"deviceId":    e.Data["device_id"],
			"eventTypeId": e.Data["event_type_id"],
		})
	case e.Source == events.SourceCloud && e.Kind == events.KindCloudConnected:
		s.Notify("JSONRPC", "CloudConnectedChanged", map[string]any{"connected": e.Data["connected"]})
	}
}

// wireValue reshapes a native Go value into plain JSON types through a
// marshal round trip, so struct snapshots from the bus end up as the
// same maps a client would have sent.
func wireValue(v any) (any, bool) {
	if v == nil {
		return nil, false
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, false
	}
	return out, true
}

func (s *Server) sendResponse(c *client, clientID string, id int, params map[string]any) {
	s.send(c, clientID, map[string]any{"id": id, "status": "success", "params": params})
}

func (s *Server) sendError(c *client, clientID string, id int, message string) {
	s.send(c, clientID, map[string]any{"id": id, "status": "error", "error": message})
}

func (s *Server) sendUnauthorized(c *client, clientID string, id int, message string) {
	s.send(c, clientID, map[string]any{"id": id, "status": "unauthorized", "error": message})
}

func (s *Server) send(c *client, clientID string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Error("marshal response", "err", err)
		return
	}
	if err := c.sender.SendData(clientID, data); err != nil {
		s.log.Warn("send failed", "transport", c.sender.Name(), "client_id", clientID, "err", err)
	}
}
