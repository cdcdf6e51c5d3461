package jsonrpc

import (
	"sync"
	"time"
)

// DefaultReplyTimeout bounds how long the server holds an async reply
// before answering "Command timed out".
const DefaultReplyTimeout = 30 * time.Second

// CallContext carries the connection-scoped facts of one request into a
// handler method.
type CallContext struct {
	// ClientID identifies the requesting connection.
	ClientID string
	// Token is the bearer token the request carried, or empty.
	Token string
	// AuthRequired reports whether the originating transport enforces
	// authentication. The welcome message depends on it.
	AuthRequired bool
	// Params is the schema-validated params object.
	Params map[string]any
}

// MethodFunc handles one validated request and returns either a
// synchronous reply or an async one the caller completes later.
type MethodFunc func(c *CallContext) *Reply

// Reply is what a method returns: exactly one of data or async is set.
type Reply struct {
	data  map[string]any
	async *AsyncReply
}

// Sync wraps an immediate result.
func Sync(data map[string]any) *Reply {
	return &Reply{data: data}
}

// NewAsyncReply creates a parked reply. The server answers the request
// when Finish is called, or with a timeout error after timeout (zero
// selects DefaultReplyTimeout).
func NewAsyncReply(timeout time.Duration) (*Reply, *AsyncReply) {
	if timeout <= 0 {
		timeout = DefaultReplyTimeout
	}
	async := &AsyncReply{timeout: timeout, done: make(chan map[string]any, 1)}
	return &Reply{async: async}, async
}

// AsyncReply is the completion handle of a parked reply. Finish may be
// called from any goroutine; calls after the first are dropped.
type AsyncReply struct {
	timeout time.Duration
	once    sync.Once
	done    chan map[string]any
}

// Finish completes the reply with the given returns object.
func (r *AsyncReply) Finish(data map[string]any) {
	r.once.Do(func() { r.done <- data })
}

// Method is one registered operation of a namespace.
type Method struct {
	Description string
	Params      Schema
	Returns     Schema
	fn          MethodFunc
}

// Notification is one server-push message shape of a namespace.
type Notification struct {
	Description string
	Params      Schema
}

// Handler is one namespace of the API: a method table plus the
// notifications the namespace can push. Handlers declare their schemas
// at construction; the server validates against them and publishes them
// through introspection.
type Handler struct {
	name          string
	methods       map[string]*Method
	notifications map[string]Notification
}

// NewHandler creates an empty namespace handler.
func NewHandler(name string) *Handler {
	return &Handler{
		name:          name,
		methods:       make(map[string]*Method),
		notifications: make(map[string]Notification),
	}
}

// Name returns the namespace.
func (h *Handler) Name() string { return h.name }

// RegisterMethod adds one method with its schemas.
func (h *Handler) RegisterMethod(name, description string, params, returns Schema, fn MethodFunc) {
	h.methods[name] = &Method{Description: description, Params: params, Returns: returns, fn: fn}
}

// RegisterNotification declares one notification shape.
func (h *Handler) RegisterNotification(name, description string, params Schema) {
	h.notifications[name] = Notification{Description: description, Params: params}
}

// Method looks up a registered method.
func (h *Handler) Method(name string) (*Method, bool) {
	m, ok := h.methods[name]
	return m, ok
}

// introspectMethods renders the method table for the introspection
// document, keyed "Namespace.Method".
func (h *Handler) introspectMethods() map[string]any {
	out := make(map[string]any, len(h.methods))
	for name, m := range h.methods {
		out[h.name+"."+name] = map[string]any{
			"description": m.Description,
			"params":      map[string]any(m.Params),
			"returns":     map[string]any(m.Returns),
		}
	}
	return out
}

// introspectNotifications renders the notification shapes, keyed
// "Namespace.Name".
func (h *Handler) introspectNotifications() map[string]any {
	out := make(map[string]any, len(h.notifications))
	for name, n := range h.notifications {
		out[h.name+"."+name] = map[string]any{
			"description": n.Description,
			"params":      map[string]any(n.Params),
		}
	}
	return out
}
