package connection

import (
	"bufio"
	"bytes"
	"context"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Client is a single TCP connection to the daemon speaking
// newline-delimited JSON.
type Client interface {
	// Connect establishes the TCP connection.
	Connect(ctx context.Context) error

	// Close tears down the connection. Idempotent.
	Close() error

	// Send writes one frame, appending the newline terminator.
	Send(data []byte) error

	// Lines returns a channel of incoming frames, one per wire line,
	// each stamped with its local receive time.
	Lines() <-chan TimestampedLine

	// Errors returns a channel of asynchronous socket failures.
	Errors() <-chan error

	// IsConnected returns current connection state.
	IsConnected() bool
}

// client implements the Client interface.
type client struct {
	cfg    ClientConfig
	logger *slog.Logger

	conn net.Conn

	// Output channels
	lines  chan TimestampedLine
	errors chan error
	done   chan struct{}

	// Write serialization
	writeMu sync.Mutex

	// State
	mu        sync.RWMutex
	connected bool
	closed    bool
}

// NewClient creates a new TCP client.
func NewClient(cfg ClientConfig, logger *slog.Logger) Client {
	if logger == nil {
		logger = slog.Default()
	}

	return &client{
		cfg:    cfg,
		logger: logger,
		lines:  make(chan TimestampedLine, cfg.BufferSize),
		errors: make(chan error, 1),
		done:   make(chan struct{}),
	}
}

// Connect establishes the TCP connection.
func (c *client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrAlreadyClosed
	}
	c.mu.Unlock()

	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return &ConnectError{Reason: "dial " + c.cfg.Addr, Err: err}
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	go c.readLoop()

	c.logger.Debug("daemon connected", "addr", c.cfg.Addr)

	return nil
}

// Close tears down the connection. The bufio reader and any bytes it
// buffered are discarded with the client; a reconnect always starts
// from a fresh client instance.
func (c *client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	conn := c.conn
	c.mu.Unlock()

	close(c.done)

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Send writes one frame followed by a newline.
func (c *client) Send(data []byte) error {
	c.mu.RLock()
	if !c.connected {
		c.mu.RUnlock()
		return ErrNotConnected
	}
	conn := c.conn
	c.mu.RUnlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}

// Lines returns the incoming frame channel.
func (c *client) Lines() <-chan TimestampedLine {
	return c.lines
}

// Errors returns the errors channel.
func (c *client) Errors() <-chan error {
	return c.errors
}

// IsConnected returns the current connection state.
func (c *client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// readLoop reads newline-terminated frames and sends them to the lines
// channel until the socket fails or the client is closed. The lines
// channel is closed on exit so consumers observe the teardown.
func (c *client) readLoop() {
	defer func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		close(c.lines)
	}()

	reader := bufio.NewReader(c.conn)

	for {
		select {
		case <-c.done:
			return
		default:
		}

		line, err := reader.ReadBytes('\n')
		receivedAt := time.Now()

		if err != nil {
			// Ignore errors after Close() is called
			select {
			case <-c.done:
				return
			default:
				select {
				case c.errors <- err:
				default:
				}
				return
			}
		}

		line = bytes.TrimRight(line, "\r\n")
		if len(line) == 0 {
			continue
		}

		msg := TimestampedLine{
			Data:       line,
			ReceivedAt: receivedAt,
		}

		select {
		case c.lines <- msg:
		case <-c.done:
			return
		default:
			c.logger.Warn("line buffer full, dropping frame")
		}
	}
}
