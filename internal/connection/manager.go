package connection

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keyflow/keylink/internal/version"
	"github.com/keyflow/keylink/internal/wire"
)

// EventSink receives classified broadcast events from the read loop, in
// wire-arrival order. Implemented by the event router. Enqueue must not
// block on application-level work.
type EventSink interface {
	Enqueue(ev wire.Event) bool
}

// pendingResult is delivered on a pending request's one-shot channel.
type pendingResult struct {
	reply wire.Reply
	err   error
}

// Manager owns the single logical daemon connection: lifecycle
// (connect, handshake, timeout, retry-once, close) and the
// pending-request table correlating commands to replies by id.
//
// At most one live connection exists at a time; replacing it requires
// closing the previous one first. All connection state and the pending
// table are mutated only under the manager's locks.
type Manager struct {
	cfg    ManagerConfig
	sink   EventSink
	logger *slog.Logger

	// newClient is swapped out in tests to count connection attempts.
	newClient func(ClientConfig, *slog.Logger) Client

	mu      sync.Mutex
	state   State
	conn    Client // ready connection, nil otherwise
	dialing Client // half-open connection during an attempt
	lastErr error
	caps    map[string]struct{}
	server  wire.HelloAck

	// Request correlation. Ids are monotonically increasing per manager
	// and never reused while a pending entry exists.
	nextID    atomic.Uint64
	pendingMu sync.Mutex
	pending   map[uint64]chan pendingResult
	helloID   uint64 // nonzero while a handshake reply is awaited
}

// NewManager creates a connection manager. The sink receives broadcast
// events; it may be nil, in which case broadcasts are dropped.
func NewManager(cfg ManagerConfig, sink EventSink, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultManagerConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.ClientName == "" {
		cfg.ClientName = def.ClientName
	}

	return &Manager{
		cfg:       cfg,
		sink:      sink,
		logger:    logger,
		newClient: NewClient,
		pending:   make(map[uint64]chan pendingResult),
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ServerInfo returns the handshake acknowledgement from the most recent
// successful connect.
func (m *Manager) ServerInfo() wire.HelloAck {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.server
}

// HasCapabilities reports whether every required capability name is in
// the set advertised by the daemon at the most recent handshake.
func (m *Manager) HasCapabilities(required ...string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range required {
		if _, ok := m.caps[r]; !ok {
			return false
		}
	}
	return true
}

// Ensure returns once a ready connection exists, or with an error.
// Idempotent across concurrent callers: a ready connection is returned
// as-is; if an attempt is already in progress the caller waits for it
// instead of starting a second one; otherwise exactly one attempt runs,
// raced against the connect timeout, with one fixed-backoff retry on a
// retryable failure.
func (m *Manager) Ensure(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateReady:
		m.mu.Unlock()
		return nil
	case StateConnecting:
		m.mu.Unlock()
		return m.waitForAttempt(ctx)
	}
	m.state = StateConnecting
	m.lastErr = nil
	m.mu.Unlock()

	err := m.attempt(ctx)
	if err != nil && IsRetryable(err) && ctx.Err() == nil {
		m.logger.Warn("connection attempt failed, retrying once",
			"addr", m.cfg.Addr,
			"backoff", m.cfg.RetryBackoff,
			"error", err,
		)

		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-time.After(m.cfg.RetryBackoff):
			err = m.attempt(ctx)
		}
	}

	if err != nil {
		m.mu.Lock()
		if errors.Is(err, context.Canceled) {
			m.state = StateCancelled
		} else {
			m.state = StateFailed
		}
		m.lastErr = err
		m.mu.Unlock()
		return err
	}

	return nil
}

// waitForAttempt polls until the in-progress attempt settles. Bounded by
// the worst-case attempt duration (two tries plus one backoff) so a
// stalled attempt cannot hold waiters forever.
func (m *Manager) waitForAttempt(ctx context.Context) error {
	deadline := time.Now().Add(2*m.cfg.ConnectTimeout + m.cfg.RetryBackoff)

	for {
		m.mu.Lock()
		state, lastErr := m.state, m.lastErr
		m.mu.Unlock()

		switch state {
		case StateReady:
			return nil
		case StateConnecting:
			// attempt still in flight
		default:
			if lastErr != nil {
				return lastErr
			}
			return &ConnectError{Reason: "connection attempt failed"}
		}

		if time.Now().After(deadline) {
			return ErrTimeout
		}

		select {
		case <-ctx.Done():
			return ctxErr(ctx)
		case <-time.After(m.cfg.PollInterval):
		}
	}
}

// attempt runs one connect+handshake, raced against the connect timeout.
func (m *Manager) attempt(ctx context.Context) error {
	actx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	cli := m.newClient(ClientConfig{
		Addr:         m.cfg.Addr,
		DialTimeout:  m.cfg.ConnectTimeout,
		WriteTimeout: m.cfg.WriteTimeout,
		BufferSize:   m.cfg.BufferSize,
	}, m.logger)

	if err := cli.Connect(actx); err != nil {
		if actx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%w: connect to %s", ErrTimeout, m.cfg.Addr)
		}
		return err
	}

	m.mu.Lock()
	m.dialing = cli
	m.mu.Unlock()

	// The read loop must be running before the handshake reply can be
	// observed.
	go m.pump(cli)

	ack, err := m.handshake(actx, cli)

	m.mu.Lock()
	m.dialing = nil
	if err != nil {
		m.mu.Unlock()
		cli.Close()
		return err
	}
	m.conn = cli
	m.state = StateReady
	m.server = ack
	m.caps = make(map[string]struct{}, len(ack.Capabilities))
	for _, c := range ack.Capabilities {
		m.caps[c] = struct{}{}
	}
	m.mu.Unlock()

	m.logger.Info("daemon connection ready",
		"addr", m.cfg.Addr,
		"daemon_version", ack.Version,
		"protocol", ack.Protocol,
		"capabilities", len(ack.Capabilities),
	)

	return nil
}

// handshake sends the hello and waits for the acknowledgement.
func (m *Manager) handshake(ctx context.Context, cli Client) (wire.HelloAck, error) {
	id := m.nextID.Add(1)
	ch := m.register(id)
	defer m.unregister(id)

	m.pendingMu.Lock()
	m.helloID = id
	m.pendingMu.Unlock()
	defer func() {
		m.pendingMu.Lock()
		m.helloID = 0
		m.pendingMu.Unlock()
	}()

	frame, err := wire.EncodeCommand(id, "Hello", wire.Hello{
		Client:  m.cfg.ClientName,
		Version: version.Version,
	})
	if err != nil {
		return wire.HelloAck{}, fmt.Errorf("%w: encode hello: %v", ErrDecode, err)
	}
	if err := cli.Send(frame); err != nil {
		return wire.HelloAck{}, &ConnectError{Reason: "handshake send", Err: err}
	}

	reply, err := m.await(ctx, ch, m.cfg.ConnectTimeout)
	if err != nil {
		return wire.HelloAck{}, err
	}

	ack, ok := wire.ExtractMessage[wire.HelloAck]("HelloAck", reply.Raw)
	if !ok {
		return wire.HelloAck{}, fmt.Errorf("%w: malformed handshake acknowledgement", ErrDecode)
	}
	ack.ApplyDefaults()
	return ack, nil
}

// Close cancels the socket if present and clears the connection
// reference. Idempotent; calling it when already disconnected is a
// no-op. Outstanding requests fail with ErrConnectionLost.
func (m *Manager) Close() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.state = StateDisconnected
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	m.failPending(ErrConnectionLost)
}

// WithRecovery runs op; if it fails with a retryable error the
// connection is closed before the error is returned, so the next Ensure
// starts from a clean state instead of reusing a stuck socket.
func (m *Manager) WithRecovery(op func() error) error {
	err := op()
	if err != nil && IsRetryable(err) {
		m.logger.Debug("closing connection after retryable failure", "error", err)
		m.Close()
	}
	return err
}

// Send performs one correlated request/response round trip: assigns the
// next id, writes the encoded command, and waits for the matching reply
// or the deadline. A timeout removes only this request's pending entry;
// it does not close the connection (WithRecovery does that on the
// caller's side).
func (m *Manager) Send(ctx context.Context, name string, params any, timeout time.Duration) (wire.Reply, error) {
	if timeout <= 0 {
		timeout = m.cfg.RequestTimeout
	}

	if err := m.Ensure(ctx); err != nil {
		return wire.Reply{}, err
	}

	m.mu.Lock()
	cli := m.conn
	m.mu.Unlock()
	if cli == nil {
		return wire.Reply{}, ErrNotConnected
	}

	id := m.nextID.Add(1)
	ch := m.register(id)
	defer m.unregister(id)

	frame, err := wire.EncodeCommand(id, name, params)
	if err != nil {
		return wire.Reply{}, fmt.Errorf("%w: encode %s: %v", ErrDecode, name, err)
	}
	if err := cli.Send(frame); err != nil {
		if errors.Is(err, ErrNotConnected) {
			return wire.Reply{}, err
		}
		return wire.Reply{}, &ConnectError{Reason: "send " + name, Err: err}
	}

	return m.await(ctx, ch, timeout)
}

// await suspends until the pending entry resolves or the deadline
// elapses.
func (m *Manager) await(ctx context.Context, ch chan pendingResult, timeout time.Duration) (wire.Reply, error) {
	select {
	case <-ctx.Done():
		return wire.Reply{}, ctxErr(ctx)
	case <-time.After(timeout):
		return wire.Reply{}, ErrTimeout
	case res := <-ch:
		if res.err != nil {
			return wire.Reply{}, res.err
		}
		return res.reply, nil
	}
}

// register creates a pending entry with a one-shot result channel.
func (m *Manager) register(id uint64) chan pendingResult {
	ch := make(chan pendingResult, 1)
	m.pendingMu.Lock()
	m.pending[id] = ch
	m.pendingMu.Unlock()
	return ch
}

func (m *Manager) unregister(id uint64) {
	m.pendingMu.Lock()
	delete(m.pending, id)
	m.pendingMu.Unlock()
}

// resolve completes a pending request exactly once. The entry is removed
// before delivery, so a duplicate or late reply with the same id is a
// no-op.
func (m *Manager) resolve(id uint64, raw []byte) {
	m.pendingMu.Lock()
	ch, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	m.pendingMu.Unlock()

	if !ok {
		m.logger.Debug("reply with no pending request", "request_id", id)
		return
	}
	ch <- pendingResult{reply: wire.Reply{RequestID: id, Raw: raw}}
}

// failPending completes every outstanding request with err.
func (m *Manager) failPending(err error) {
	m.pendingMu.Lock()
	pending := m.pending
	m.pending = make(map[uint64]chan pendingResult)
	m.pendingMu.Unlock()

	for _, ch := range pending {
		ch <- pendingResult{err: err}
	}
}

// pendingHello returns the handshake request id if one is awaited.
func (m *Manager) pendingHello() uint64 {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	return m.helloID
}

// pump is the single reader loop for one connection. Every frame goes
// through the codec in wire-arrival order: broadcasts to the sink,
// replies to their pending entry.
func (m *Manager) pump(cli Client) {
	for {
		select {
		case err, ok := <-cli.Errors():
			if !ok {
				return
			}
			m.logger.Warn("daemon connection error", "error", err)
			m.dropConn(cli, err)
			return
		case line, ok := <-cli.Lines():
			if !ok {
				m.dropConn(cli, ErrConnectionLost)
				return
			}
			m.handleFrame(line.Data)
		}
	}
}

// dropConn tears down a connection after an asynchronous socket
// failure. Only the current (or currently dialing) connection clears
// manager state; a stale connection is just closed.
func (m *Manager) dropConn(cli Client, err error) {
	m.mu.Lock()
	current := m.conn == cli || m.dialing == cli
	if m.conn == cli {
		m.conn = nil
		m.state = StateDisconnected
		m.lastErr = err
	}
	m.mu.Unlock()

	cli.Close()
	if current {
		m.failPending(fmt.Errorf("%w: %v", ErrConnectionLost, err))
	}
}

// handleFrame classifies one frame. Broadcast-key presence wins over any
// request_id the frame carries; frames matching neither path are
// forwarded whole as unknown messages rather than dropped.
func (m *Manager) handleFrame(data []byte) {
	if ev, ok := wire.Classify(data); ok {
		m.deliver(ev)
		return
	}

	id, ok := wire.ExtractRequestID(data)
	if !ok {
		// Legacy daemons ack the handshake without echoing request_id.
		if hid := m.pendingHello(); hid != 0 && bytes.Contains(data, []byte(`"HelloAck"`)) {
			m.resolve(hid, data)
			return
		}
		m.deliver(wire.Event{Kind: wire.KindUnknown, Raw: data})
		return
	}

	m.resolve(id, data)
}

func (m *Manager) deliver(ev wire.Event) {
	if m.sink == nil {
		m.logger.Debug("no event sink, dropping broadcast", "kind", ev.Kind)
		return
	}
	if !m.sink.Enqueue(ev) {
		m.logger.Warn("event sink rejected broadcast", "kind", ev.Kind)
	}
}

// ctxErr maps a context deadline to the timeout error kind; caller
// cancellation propagates as-is.
func ctxErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ctx.Err()
}
