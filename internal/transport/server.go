package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"

	"tickvault/internal/packet"
	"tickvault/logger"
)

// Server accepts packet connections and runs one read loop per connection.
type Server struct {
	addr   string
	router *packet.Router
	opts   Options

	mu      sync.RWMutex
	ln      net.Listener
	conns   map[string]*Conn
	running bool
	closed  bool

	wg  sync.WaitGroup
	log *logger.Log
}

func NewServer(addr string, router *packet.Router, opts Options) *Server {
	s := &Server{
		addr:   addr,
		router: router,
		opts:   opts.withDefaults(),
		conns:  make(map[string]*Conn),
		log:    logger.GetLogger(),
	}
	router.On(packet.TypeHello, s.handleHello)
	return s
}

func (s *Server) handleHello(ctx context.Context, from packet.Replier, p packet.Packet) {
	hello := p.(*packet.Hello)
	s.log.WithComponent("server").WithFields(logger.Fields{
		"conn": from.ID(),
		"node": hello.Node,
		"role": hello.Role,
	}).Info("client said hello")
	if err := from.Send(ctx, packet.Reply(hello, &packet.Welcome{Node: s.opts.Node})); err != nil {
		s.log.WithComponent("server").WithError(err).Warn("failed to send welcome")
	}
}

// ListenAndServe binds addr and serves until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx ends or ln is closed.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true
	s.ln = ln
	s.mu.Unlock()

	log := s.log.WithComponent("server").WithFields(logger.Fields{"addr": ln.Addr().String()})
	log.Info("packet server listening")

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-stop:
		}
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				log.Info("packet server stopped")
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		conn := newConn(nc, s.opts, true)
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			log.Info("packet server stopped")
			return nil
		}
		s.conns[conn.ID()] = conn
		s.wg.Add(1)
		s.mu.Unlock()

		go s.handle(ctx, conn)
	}
}

func (s *Server) handle(ctx context.Context, conn *Conn) {
	defer s.wg.Done()
	log := s.log.WithComponent("server").WithFields(logger.Fields{"conn": conn.ID()})
	log.Info("connection accepted")

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	err := conn.readLoop(ctx, s.router, log)
	close(done)

	s.mu.Lock()
	delete(s.conns, conn.ID())
	s.mu.Unlock()
	conn.Close()

	if err != nil {
		log.WithError(err).Warn("connection closed with error")
		return
	}
	log.Info("connection closed")
}

// Addr returns the listening address once Serve has started.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Conns lists the ids of active connections.
func (s *Server) Conns() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.conns))
	for id := range s.conns {
		out = append(out, id)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Close stops accepting, closes every connection and waits for their
// handlers. Connections accepted afterwards are closed immediately.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	for _, c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}
