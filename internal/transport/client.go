package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"tickvault/internal/packet"
	"tickvault/logger"
)

var ErrConnectionLost = errors.New("connection lost")

// Client keeps one connection to a packet server alive, reconnecting with
// backoff. Packets sent while disconnected are queued and flushed after the
// next handshake.
type Client struct {
	addr   string
	router *packet.Router
	opts   Options

	mu      sync.Mutex
	conn    *Conn
	queue   []packet.Packet
	running bool
	ready   chan struct{}

	log *logger.Log
}

func NewClient(addr string, router *packet.Router, opts Options) *Client {
	return &Client{
		addr:   addr,
		router: router,
		opts:   opts.withDefaults(),
		ready:  make(chan struct{}),
		log:    logger.GetLogger(),
	}
}

// Run connects and serves the connection until ctx ends.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("client already running")
	}
	c.running = true
	c.mu.Unlock()

	log := c.log.WithComponent("client").WithFields(logger.Fields{"addr": c.addr})
	b := &backoff.Backoff{Min: c.opts.ReconnectMin, Max: c.opts.ReconnectMax, Factor: 2, Jitter: true}
	dialer := &net.Dialer{Timeout: c.opts.HandshakeTimeout}

	for {
		if ctx.Err() != nil {
			return nil
		}
		nc, err := dialer.DialContext(ctx, "tcp", c.addr)
		if err != nil {
			delay := b.Duration()
			log.WithError(err).WithFields(logger.Fields{"retry_in": delay.String()}).Warn("connect failed")
			if !waitForReconnect(ctx, delay) {
				return nil
			}
			continue
		}

		conn := newConn(nc, c.opts, false)
		established, err := c.serve(ctx, conn, log)
		if ctx.Err() != nil {
			return nil
		}
		if established {
			b.Reset()
		}
		delay := b.Duration()
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"retry_in": delay.String()}).Warn("connection lost")
		} else {
			log.WithFields(logger.Fields{"retry_in": delay.String()}).Info("server closed connection")
		}
		if !waitForReconnect(ctx, delay) {
			return nil
		}
	}
}

func (c *Client) serve(ctx context.Context, conn *Conn, log *logger.Entry) (bool, error) {
	connLog := log.WithFields(logger.Fields{"conn": conn.ID()})
	loopErr := make(chan error, 1)
	go func() {
		loopErr <- conn.readLoop(ctx, c.router, connLog)
	}()

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stopWatch:
		}
	}()

	if err := c.handshake(ctx, conn); err != nil {
		conn.Close()
		<-loopErr
		return false, fmt.Errorf("handshake: %w", err)
	}

	if err := c.activate(ctx, conn); err != nil {
		conn.Close()
		<-loopErr
		c.deactivate()
		return false, fmt.Errorf("flush queued packets: %w", err)
	}
	connLog.Info("connected")

	err := <-loopErr
	conn.Close()
	c.deactivate()
	return true, err
}

func (c *Client) handshake(ctx context.Context, conn *Conn) error {
	hctx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()

	hello := &packet.Hello{Header: packet.NewHeader(), Node: c.opts.Node, Role: "consumer"}
	f := c.router.Pending().Await(packet.TypeWelcome, hello.CorrelationID())
	if err := conn.Send(hctx, hello); err != nil {
		c.router.Pending().Cancel(hello.CorrelationID())
		return err
	}
	_, err := f.Wait(hctx)
	return err
}

// activate flushes the queue and publishes conn for direct sends. Holding
// the lock keeps queued packets ahead of new ones.
func (c *Client) activate(ctx context.Context, conn *Conn) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.queue) > 0 {
		if err := conn.Send(ctx, c.queue[0]); err != nil {
			return err
		}
		c.queue = c.queue[1:]
	}
	c.queue = nil
	c.conn = conn
	close(c.ready)
	return nil
}

func (c *Client) deactivate() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn = nil
		c.ready = make(chan struct{})
	}
	c.mu.Unlock()
	c.router.Pending().FailAll(ErrConnectionLost)
}

// Connected reports whether a handshaken connection is active.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// WaitConnected blocks until the client has a live connection.
func (c *Client) WaitConnected(ctx context.Context) error {
	c.mu.Lock()
	ready := c.ready
	c.mu.Unlock()
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send writes p now, or queues it until the next connection.
func (c *Client) Send(ctx context.Context, p packet.Packet) error {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.queue = append(c.queue, p)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return conn.Send(ctx, p)
}

// Request sends p and waits for a reply of type expect with the same
// correlation id.
func (c *Client) Request(ctx context.Context, p packet.Packet, expect packet.Type) (packet.Packet, error) {
	if c.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.RequestTimeout)
		defer cancel()
	}
	pending := c.router.Pending()
	f := pending.Await(expect, p.CorrelationID())
	if err := c.Send(ctx, p); err != nil {
		pending.Cancel(p.CorrelationID())
		return nil, err
	}
	return f.Wait(ctx)
}

// waitForReconnect sleeps for delay unless ctx ends first.
func waitForReconnect(ctx context.Context, delay time.Duration) bool {
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
