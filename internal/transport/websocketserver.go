package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/net/netutil"

	"github.com/hearthd/hearthd/internal/config"
)

// wsClient pairs a websocket connection with a write lock. Replies come
// from the core loop but close frames come from Stop, so writes need
// serializing.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(messageType, data)
}

// WebSocketServer carries the same JSON envelopes as the TCP transport,
// one message per frame, for browser and mobile clients.
type WebSocketServer struct {
	log  *slog.Logger
	cfg  config.ServerInterface
	core Core

	upgrader websocket.Upgrader

	mu    sync.Mutex
	srv   *http.Server
	ln    net.Listener
	conns map[string]*wsClient
	wg    sync.WaitGroup
}

var _ Transport = (*WebSocketServer)(nil)

// NewWebSocketServer creates the server for one configured websocket
// endpoint. Call Start to bind it.
func NewWebSocketServer(log *slog.Logger, cfg config.ServerInterface, core Core) *WebSocketServer {
	return &WebSocketServer{
		log:  log,
		cfg:  cfg,
		core: core,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browsers connect from any origin; the token gate is the
			// actual access control.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[string]*wsClient),
	}
}

// Name identifies this endpoint in logs and in the client table.
func (s *WebSocketServer) Name() string { return "websocket:" + s.cfg.ID }

// AuthRequired reports whether clients arriving here must present a
// token.
func (s *WebSocketServer) AuthRequired() bool { return s.cfg.Auth }

// Addr returns the bound listener address, or nil before Start.
func (s *WebSocketServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Start binds the configured address and begins upgrading connections.
func (s *WebSocketServer) Start() error {
	addr := net.JoinHostPort(s.cfg.Address, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	if s.cfg.TLS {
		cert, err := tls.LoadX509KeyPair(s.cfg.CertFile, s.cfg.KeyFile)
		if err != nil {
			ln.Close()
			return fmt.Errorf("load tls keypair: %w", err)
		}
		ln = tls.NewListener(ln, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
	}
	if s.cfg.MaxClients > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxClients)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.mu.Lock()
	s.ln = ln
	s.srv = srv
	s.mu.Unlock()

	s.log.Info("websocket server listening",
		"id", s.cfg.ID, "address", ln.Addr().String(), "tls", s.cfg.TLS, "auth", s.cfg.Auth)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("websocket server failed", "id", s.cfg.ID, "error", err)
		}
	}()
	return nil
}

// handleUpgrade turns an HTTP request into an RPC client and pumps its
// messages until it closes.
func (s *WebSocketServer) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "id", s.cfg.ID, "remote", r.RemoteAddr, "error", err)
		return
	}
	clientID := uuid.NewString()
	client := &wsClient{conn: conn}
	s.mu.Lock()
	s.conns[clientID] = client
	s.mu.Unlock()

	s.log.Info("websocket client connected",
		"id", s.cfg.ID, "client_id", clientID, "remote", r.RemoteAddr)
	s.core.ClientConnected(s, clientID)

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("websocket read ended", "client_id", clientID, "error", err)
			}
			break
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		s.core.HandleData(clientID, data)
	}

	s.mu.Lock()
	delete(s.conns, clientID)
	s.mu.Unlock()
	conn.Close()
	s.core.ClientDisconnected(clientID)
	s.log.Info("websocket client disconnected", "id", s.cfg.ID, "client_id", clientID)
}

// SendData delivers one frame as a text message.
func (s *WebSocketServer) SendData(clientID string, data []byte) error {
	s.mu.Lock()
	client, ok := s.conns[clientID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("client %s not connected", clientID)
	}
	return client.write(websocket.TextMessage, data)
}

// Stop shuts the HTTP server down and closes every websocket. Upgraded
// connections are hijacked from the HTTP server's point of view, so they
// are closed explicitly.
func (s *WebSocketServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.ln = nil
	clients := make([]*wsClient, 0, len(s.conns))
	for _, c := range s.conns {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	for _, c := range clients {
		c.mu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		c.mu.Unlock()
		c.conn.Close()
	}
	err := srv.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("websocket server stopped", "id", s.cfg.ID)
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
