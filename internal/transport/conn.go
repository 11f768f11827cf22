package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"tickvault/internal/packet"
	"tickvault/logger"
)

// Options tune both server and client connections.
type Options struct {
	MaxFrameSize      uint32
	MaxReplyFrameSize uint32
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration
	Node             string
}

func (o Options) withDefaults() Options {
	if o.MaxFrameSize == 0 {
		o.MaxFrameSize = DefaultMaxFrameSize
	}
	if o.MaxReplyFrameSize == 0 {
		o.MaxReplyFrameSize = DefaultMaxReplyFrameSize
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 30 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.ReconnectMin <= 0 {
		o.ReconnectMin = 500 * time.Millisecond
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = 5 * time.Second
	}
	if o.Node == "" {
		o.Node = "tickvault"
	}
	return o
}

// Conn is one framed packet connection. Writes are serialized; reads happen
// only in the connection's read loop.
type Conn struct {
	id   string
	nc   net.Conn
	br   *bufio.Reader
	opts Options

	readMax  uint32
	writeMax uint32

	wmu sync.Mutex
	bw  *bufio.Writer

	closeOnce sync.Once
}

// newConn wraps nc. Server side connections read requests and write
// replies; client side connections do the opposite.
func newConn(nc net.Conn, opts Options, serverSide bool) *Conn {
	c := &Conn{
		id:       nc.LocalAddr().String() + "/" + nc.RemoteAddr().String(),
		nc:       nc,
		br:       bufio.NewReaderSize(nc, 64*1024),
		bw:       bufio.NewWriterSize(nc, 64*1024),
		opts:     opts,
		readMax:  opts.MaxReplyFrameSize,
		writeMax: opts.MaxFrameSize,
	}
	if serverSide {
		c.readMax, c.writeMax = opts.MaxFrameSize, opts.MaxReplyFrameSize
	}
	return c
}

func (c *Conn) ID() string { return c.id }

// Send encodes, frames and flushes p.
func (c *Conn) Send(ctx context.Context, p packet.Packet) error {
	data, err := packet.Encode(p)
	if err != nil {
		return err
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	deadline := time.Now().Add(c.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.nc.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := WriteFrame(c.bw, data, c.writeMax); err != nil {
		return err
	}
	if err := c.bw.Flush(); err != nil {
		return err
	}
	logger.RecordFrame("out", len(data))
	return nil
}

// readLoop dispatches frames until the connection fails. It returns nil on
// a clean close by the peer.
func (c *Conn) readLoop(ctx context.Context, router *packet.Router, log *logger.Entry) error {
	for {
		payload, err := ReadFrame(c.br, c.readMax)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		logger.RecordFrame("in", len(payload))
		if err := router.Dispatch(ctx, c, payload); err != nil {
			log.WithError(err).Warn("discarding undecodable packet")
		}
	}
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.nc.Close()
	})
	return err
}
