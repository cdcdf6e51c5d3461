package transport

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/netutil"

	"github.com/hearthd/hearthd/internal/config"
)

// maxFrameSize caps one newline-delimited command. Oversized frames kill
// the connection instead of growing the scanner buffer without bound.
const maxFrameSize = 1 << 20

// writeTimeout bounds how long one reply write may stall the core loop
// on a congested client.
const writeTimeout = 10 * time.Second

// TCPServer speaks newline-delimited JSON over plain or TLS TCP. Each
// accepted connection becomes one RPC client.
type TCPServer struct {
	log  *slog.Logger
	cfg  config.ServerInterface
	core Core

	mu    sync.Mutex
	ln    net.Listener
	conns map[string]net.Conn
	wg    sync.WaitGroup
}

var _ Transport = (*TCPServer)(nil)

// NewTCPServer creates the listener for one configured TCP endpoint.
// Call Start to bind it.
func NewTCPServer(log *slog.Logger, cfg config.ServerInterface, core Core) *TCPServer {
	return &TCPServer{
		log:   log,
		cfg:   cfg,
		core:  core,
		conns: make(map[string]net.Conn),
	}
}

// Name identifies this endpoint in logs and in the client table.
func (s *TCPServer) Name() string { return "tcp:" + s.cfg.ID }

// AuthRequired reports whether clients arriving here must present a
// token.
func (s *TCPServer) AuthRequired() bool { return s.cfg.Auth }

// Addr returns the bound listener address, or nil before Start.
func (s *TCPServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Start binds the configured address and begins accepting connections.
func (s *TCPServer) Start() error {
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

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.log.Info("tcp server listening",
		"id", s.cfg.ID, "address", ln.Addr().String(), "tls", s.cfg.TLS, "auth", s.cfg.Auth)
	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

func (s *TCPServer) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.log.Warn("tcp accept failed", "id", s.cfg.ID, "error", err)
			}
			return
		}
		clientID := uuid.NewString()
		s.mu.Lock()
		s.conns[clientID] = conn
		s.mu.Unlock()
		s.wg.Add(1)
		go s.serveConn(clientID, conn)
	}
}

// serveConn owns one connection: announce, read frames until the peer
// goes away, clean up.
func (s *TCPServer) serveConn(clientID string, conn net.Conn) {
	defer s.wg.Done()
	s.log.Info("tcp client connected",
		"id", s.cfg.ID, "client_id", clientID, "remote", conn.RemoteAddr().String())
	s.core.ClientConnected(s, clientID)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		// The scanner reuses its buffer; the core keeps the frame past
		// this iteration.
		data := make([]byte, len(line))
		copy(data, line)
		s.core.HandleData(clientID, data)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.log.Debug("tcp read ended", "client_id", clientID, "error", err)
	}

	s.mu.Lock()
	delete(s.conns, clientID)
	s.mu.Unlock()
	conn.Close()
	s.core.ClientDisconnected(clientID)
	s.log.Info("tcp client disconnected", "id", s.cfg.ID, "client_id", clientID)
}

// SendData writes one frame to a client, newline-terminated. Called
// only from the core loop, so writes to a connection never interleave.
func (s *TCPServer) SendData(clientID string, data []byte) error {
	s.mu.Lock()
	conn, ok := s.conns[clientID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("client %s not connected", clientID)
	}
	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, data...)
	buf = append(buf, '\n')
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := conn.Write(buf)
	return err
}

// Stop closes the listener and every open connection, then waits for
// the serve loops to drain.
func (s *TCPServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.ln = nil
	conns := make([]net.Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if ln == nil {
		return nil
	}
	ln.Close()
	for _, c := range conns {
		c.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("tcp server stopped", "id", s.cfg.ID)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
