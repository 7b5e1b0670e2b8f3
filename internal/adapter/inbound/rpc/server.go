package rpc

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/agentward/agentward/internal/port/inbound"
	"github.com/agentward/agentward/pkg/rpcwire"
)

// maxFrameBytes bounds one inbound line. Node responses can carry
// payloads up to the response cap, so the reader allows for the
// envelope around them.
const maxFrameBytes = 4 * 1024 * 1024

// Server accepts newline-delimited JSON-RPC connections and feeds
// every frame through the front. Handlers run per message, so a parked
// approval wait never stalls the rest of the connection; writes are
// serialized by a per-connection lock.
type Server struct {
	front      *Front
	network    string
	addr       string
	adminScope bool
	logger     *slog.Logger

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	closed bool

	wg sync.WaitGroup
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithAdminScope stamps every connection accepted by this listener
// with operator privilege. Reserve it for unix control sockets and
// authenticated admin binds.
func WithAdminScope(admin bool) ServerOption {
	return func(s *Server) { s.adminScope = admin }
}

// Compile-time check that Server implements the inbound port.
var _ inbound.Transport = (*Server)(nil)

// NewServer creates a listener for the given network and address, for
// example ("tcp", "127.0.0.1:7777") or ("unix", "/run/agentward.sock").
func NewServer(front *Front, network, addr string, logger *slog.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		front:   front,
		network: network,
		addr:    addr,
		logger:  logger,
		conns:   make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Start begins serving. It blocks until the context is cancelled or a
// fatal listener error occurs; graceful shutdown returns nil.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("rpc: server closed")
	}
	ln, err := net.Listen(s.network, s.addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("rpc: listen %s %s: %w", s.network, s.addr, err)
	}
	s.ln = ln
	s.mu.Unlock()

	s.logger.Info("rpc front listening",
		"network", s.network,
		"addr", ln.Addr().String(),
		"admin_scope", s.adminScope)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		_ = ln.Close()
		s.closeConns()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.wg.Wait()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("rpc: accept: %w", err)
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			continue
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
		}()
	}
}

// Close shuts the listener down and disconnects every live connection.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.ln
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	s.closeConns()
	s.wg.Wait()
	return nil
}

func (s *Server) closeConns() {
	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// serveConn reads frames until the peer disconnects. In-flight
// handlers are cancelled when the read side ends. Approval events are
// pushed to the peer as notifications; a stalled peer loses events
// rather than wedging the hub.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()
	remote := conn.RemoteAddr().String()
	connID := uuid.NewString()
	logger := s.logger.With("remote_addr", remote)

	connCtx, cancelConn := context.WithCancel(ctx)
	defer cancelConn()

	var wmu sync.Mutex
	write := func(b []byte) error {
		wmu.Lock()
		defer wmu.Unlock()
		if _, err := conn.Write(b); err != nil {
			return err
		}
		_, err := conn.Write([]byte{'\n'})
		return err
	}

	events, unsubscribe := s.front.approvals.Subscribe(16)
	notifyDone := make(chan struct{})
	go func() {
		defer close(notifyDone)
		for ev := range events {
			b, err := rpcwire.NewNotification(ev.Topic, ev)
			if err != nil {
				logger.Error("encoding approval notification failed", "error", err)
				continue
			}
			if write(b) != nil {
				return
			}
		}
	}()

	var msgWG sync.WaitGroup
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		frame, err := rpcwire.Wrap(append([]byte(nil), raw...))
		if err != nil {
			resp, _ := rpcwire.NewErrorResponse(nil, rpcwire.NewError(rpcwire.CodeInvalidRequest, "invalid:frame: "+err.Error()))
			if write(resp) != nil {
				break
			}
			continue
		}
		frame.RemoteAddr = remote
		frame.AdminScope = s.adminScope
		frame.ConnID = connID
		frame.Send = write

		// Responses belong to the node transport's pending calls, not
		// the front's method table.
		if frame.IsResponse() {
			if !s.front.HandleNodeResponse(frame) {
				logger.Debug("unmatched response frame dropped")
			}
			continue
		}

		msgWG.Add(1)
		go func() {
			defer msgWG.Done()
			if resp := s.front.HandleFrame(connCtx, frame); resp != nil {
				_ = write(resp)
			}
		}()
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
		logger.Debug("connection read ended", "error", err)
	}

	cancelConn()
	msgWG.Wait()
	unsubscribe()
	<-notifyDone
	s.front.ConnClosed(connID)
}
