package router

import "github.com/keyflow/keylink/internal/wire"

// Handlers holds one optional callback per broadcast kind. Handlers are
// externally owned: the router only invokes them, each on its own
// goroutine, and never blocks on application-level work.
type Handlers struct {
	LayerChange      func(wire.LayerChange)
	ConfigFileReload func()
	MessagePush      func(wire.MessagePush)
	Ready            func()
	ConfigError      func(wire.ConfigError)
	KeyInput         func(wire.KeyAction)
	HoldActivated    func(wire.KeyAction)
	TapActivated     func(wire.KeyAction)
	OneShotActivated func(wire.OneShot)
	ChordResolved    func(wire.Chord)
	TapDanceResolved func(wire.TapDance)

	// Unknown receives whole frames that matched neither a broadcast
	// key nor the reply path, for forward compatibility with daemon
	// message additions.
	Unknown func(raw []byte)
}

// RouterStats contains runtime statistics.
type RouterStats struct {
	Received     int64
	Dispatched   int64
	DecodeErrors int64
	Unhandled    int64
	Queue        QueueStats
}
