package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultDialTimeout bounds outbound TCP connection setup.
	DefaultDialTimeout = 10 * time.Second
)

var (
	// ErrNotOpen indicates the channel capacities were never configured.
	ErrNotOpen = errors.New("transport: channel is not open")
	// ErrNotConnected indicates no peer connection is attached.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrAlreadyConnected indicates a connection is already attached; the
	// protocol is single-session, so extras are refused.
	ErrAlreadyConnected = errors.New("transport: already connected")
	// ErrBusy indicates a send is already in flight.
	ErrBusy = errors.New("transport: send in flight")
	// ErrClosed indicates the channel was shut down.
	ErrClosed = errors.New("transport: channel closed")
)

// Handler receives channel events: inbound messages, asynchronous send
// outcomes, and connection-state changes.
type Handler interface {
	HandleConnectionChanged(open bool)
	HandleMessage(key byte, payload []byte)
	HandleSendResult(ok bool)
}

// Channel is a framed TCP message channel carrying small, independently
// acknowledged messages. One connection and one in-flight send at a time.
type Channel struct {
	handler Handler
	log     zerolog.Logger

	mu         sync.Mutex
	txCapacity int
	rxCapacity int
	opened     bool
	closed     bool
	conn       net.Conn
	sending    bool

	listener net.Listener
	wg       sync.WaitGroup
}

// NewChannel creates a channel delivering events to handler.
func NewChannel(handler Handler, logger zerolog.Logger) *Channel {
	return &Channel{
		handler: handler,
		log:     logger.With().Str("component", "transport").Logger(),
	}
}

// Open configures the maximum outbound and inbound message payload sizes.
func (c *Channel) Open(txCapacity, rxCapacity int) error {
	if txCapacity <= 0 || rxCapacity <= 0 {
		return errors.New("transport: capacities must be positive")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.txCapacity = txCapacity
	c.rxCapacity = rxCapacity
	c.opened = true
	return nil
}

// Listen accepts inbound connections on address, attaching one at a time.
// While a connection is active, further accepts are refused and closed.
func (c *Channel) Listen(address string) (net.Addr, error) {
	if address == "" {
		address = ":0"
	}
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = listener.Close()
		return nil, ErrClosed
	}
	c.listener = listener
	c.mu.Unlock()

	c.wg.Add(1)
	go c.acceptLoop(listener)
	return listener.Addr(), nil
}

// Dial connects to a listening peer and attaches the connection.
func (c *Channel) Dial(address string) error {
	conn, err := net.DialTimeout("tcp", address, DefaultDialTimeout)
	if err != nil {
		return fmt.Errorf("dial %q: %w", address, err)
	}
	if err := c.Attach(conn); err != nil {
		_ = conn.Close()
		return err
	}
	return nil
}

// Attach adopts an established connection and starts delivering its frames.
func (c *Channel) Attach(conn net.Conn) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if !c.opened {
		c.mu.Unlock()
		return ErrNotOpen
	}
	if c.conn != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.conn = conn
	c.mu.Unlock()

	c.wg.Add(1)
	go c.readLoop(conn)

	c.handler.HandleConnectionChanged(true)
	return nil
}

// Send writes one message asynchronously. It rejects synchronously when the
// channel is unusable or a send is already in flight; otherwise the outcome
// arrives later through the handler.
func (c *Channel) Send(key byte, payload []byte) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case !c.opened:
		c.mu.Unlock()
		return ErrNotOpen
	case c.conn == nil:
		c.mu.Unlock()
		return ErrNotConnected
	case c.sending:
		c.mu.Unlock()
		return ErrBusy
	case len(payload) > c.txCapacity:
		c.mu.Unlock()
		return ErrFrameTooLarge
	}
	c.sending = true
	conn := c.conn
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		err := WriteFrame(conn, key, payload, c.txCapacity)

		c.mu.Lock()
		c.sending = false
		c.mu.Unlock()

		c.handler.HandleSendResult(err == nil)
		if err != nil {
			c.log.Warn().Err(err).Msg("send failed")
			c.dropConn(conn)
		}
	}()
	return nil
}

// Close shuts the channel down: listener, connection, and event delivery.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	listener := c.listener
	conn := c.conn
	c.conn = nil
	c.sending = false
	c.mu.Unlock()

	if listener != nil {
		_ = listener.Close()
	}
	if conn != nil {
		_ = conn.Close()
		c.handler.HandleConnectionChanged(false)
	}
	c.wg.Wait()
	return nil
}

func (c *Channel) acceptLoop(listener net.Listener) {
	defer c.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			c.log.Warn().Err(err).Msg("accept failed")
			continue
		}

		if err := c.Attach(conn); err != nil {
			c.log.Debug().Err(err).Stringer("remote", conn.RemoteAddr()).Msg("refusing connection")
			_ = conn.Close()
		}
	}
}

func (c *Channel) readLoop(conn net.Conn) {
	defer c.wg.Done()

	for {
		key, payload, err := ReadFrame(conn, c.rxCapacity)
		if err != nil {
			c.dropConn(conn)
			return
		}
		c.handler.HandleMessage(key, payload)
	}
}

// dropConn tears down one connection exactly once; a later connection can
// then be attached.
func (c *Channel) dropConn(conn net.Conn) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.sending = false
	closed := c.closed
	c.mu.Unlock()

	_ = conn.Close()
	if !closed {
		c.handler.HandleConnectionChanged(false)
	}
}
