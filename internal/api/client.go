package api

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/keyflow/keylink/internal/connection"
	"github.com/keyflow/keylink/internal/wire"
)

// Capability names the daemon may advertise at handshake.
const (
	CapFakeKeys = "fake-keys"
)

// FakeKeyAction is the action to perform on a fake key.
type FakeKeyAction string

const (
	FakeKeyPress   FakeKeyAction = "Press"
	FakeKeyRelease FakeKeyAction = "Release"
	FakeKeyTap     FakeKeyAction = "Tap"
	FakeKeyToggle  FakeKeyAction = "Toggle"
)

// Client issues typed commands over the daemon connection.
type Client struct {
	mgr     *connection.Manager
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithTimeout sets the default per-request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) { c.timeout = timeout }
}

// NewClient creates a client on top of an existing connection manager.
func NewClient(mgr *connection.Manager, opts ...Option) *Client {
	c := &Client{
		mgr:     mgr,
		timeout: 5 * time.Second,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type fakeKeyParams struct {
	Name   string `json:"name"`
	Action string `json:"action"`
}

// FakeKey presses, releases, taps, or toggles a virtual key by name.
// Requires the fake-keys capability.
func (c *Client) FakeKey(ctx context.Context, name string, action FakeKeyAction) error {
	return c.mgr.WithRecovery(func() error {
		if err := c.mgr.Ensure(ctx); err != nil {
			return err
		}
		if !c.mgr.HasCapabilities(CapFakeKeys) {
			return fmt.Errorf("%w: fake key actions", connection.ErrCapabilityMissing)
		}

		reply, err := c.mgr.Send(ctx, "ActOnFakeKey", fakeKeyParams{
			Name:   name,
			Action: string(action),
		}, c.timeout)
		if err != nil {
			return err
		}
		return ackError(reply)
	})
}

// ChangeLayer asks the daemon to switch to the named layer.
func (c *Client) ChangeLayer(ctx context.Context, layer string) error {
	return c.mgr.WithRecovery(func() error {
		reply, err := c.mgr.Send(ctx, "RequestLayerChange", wire.LayerChange{New: layer}, c.timeout)
		if err != nil {
			return err
		}
		return ackError(reply)
	})
}

// Status fetches daemon status: version, uptime, last-reload info.
func (c *Client) Status(ctx context.Context) (wire.Status, error) {
	var status wire.Status
	err := c.mgr.WithRecovery(func() error {
		reply, err := c.mgr.Send(ctx, "RequestStatus", nil, c.timeout)
		if err != nil {
			return err
		}
		st, ok := wire.ExtractMessage[wire.Status]("Status", reply.Raw)
		if !ok {
			return fmt.Errorf("%w: status reply: %s", connection.ErrDecode, wire.ExtractError(reply.Raw))
		}
		status = st
		return nil
	})
	return status, err
}

// LayerNames fetches the list of configured layer names.
func (c *Client) LayerNames(ctx context.Context) ([]string, error) {
	var names []string
	err := c.mgr.WithRecovery(func() error {
		reply, err := c.mgr.Send(ctx, "RequestLayerNames", nil, c.timeout)
		if err != nil {
			return err
		}
		ln, ok := wire.ExtractMessage[wire.LayerNames]("LayerNames", reply.Raw)
		if !ok {
			return fmt.Errorf("%w: layer names reply: %s", connection.ErrDecode, wire.ExtractError(reply.Raw))
		}
		names = ln.Names
		return nil
	})
	return names, err
}

// Reload triggers a config reload with a caller-chosen timeout: reload
// can take much longer than an ordinary round trip.
func (c *Client) Reload(ctx context.Context, timeout time.Duration) (wire.ReloadResult, error) {
	var result wire.ReloadResult
	err := c.mgr.WithRecovery(func() error {
		reply, err := c.mgr.Send(ctx, "Reload", nil, timeout)
		if err != nil {
			return err
		}
		res, ok := wire.ExtractMessage[wire.ReloadResult]("ReloadResult", reply.Raw)
		if !ok {
			return fmt.Errorf("%w: reload reply: %s", connection.ErrDecode, wire.ExtractError(reply.Raw))
		}
		result = res
		if !res.OK {
			msg := res.Msg
			if msg == "" {
				msg = wire.ExtractError(reply.Raw)
			}
			return fmt.Errorf("reload failed: %s", msg)
		}
		return nil
	})
	return result, err
}

// ServerInfo returns the handshake acknowledgement from the most recent
// successful connect.
func (c *Client) ServerInfo() wire.HelloAck {
	return c.mgr.ServerInfo()
}

// ackError interprets a generic command acknowledgement.
func ackError(reply wire.Reply) error {
	res, ok := wire.ExtractMessage[wire.CommandResult]("CommandResult", reply.Raw)
	if !ok {
		return fmt.Errorf("%w: command reply: %s", connection.ErrDecode, wire.ExtractError(reply.Raw))
	}
	if !res.OK {
		msg := res.Msg
		if msg == "" {
			msg = wire.ExtractError(reply.Raw)
		}
		return fmt.Errorf("daemon rejected command: %s", msg)
	}
	return nil
}
