package wire

import "encoding/json"

// EventKind identifies the kind of a broadcast frame by its top-level key.
type EventKind string

const (
	KindLayerChange      EventKind = "LayerChange"
	KindConfigFileReload EventKind = "ConfigFileReload"
	KindMessagePush      EventKind = "MessagePush"
	KindReady            EventKind = "Ready"
	KindConfigError      EventKind = "ConfigError"
	KindKeyInput         EventKind = "KeyInput"
	KindHoldActivated    EventKind = "HoldActivated"
	KindTapActivated     EventKind = "TapActivated"
	KindOneShotActivated EventKind = "OneShotActivated"
	KindChordResolved    EventKind = "ChordResolved"
	KindTapDanceResolved EventKind = "TapDanceResolved"

	// KindUnknown is assigned to frames that match neither a broadcast
	// key nor the reply path. They are kept whole for forward
	// compatibility with daemon message additions.
	KindUnknown EventKind = "Unknown"
)

// broadcastKeys is the classification precedence order. The wire format
// does not guarantee mutual exclusivity between keys, so when a frame
// carries more than one recognized key the first match in this list wins.
var broadcastKeys = []EventKind{
	KindLayerChange,
	KindConfigFileReload,
	KindMessagePush,
	KindReady,
	KindConfigError,
	KindKeyInput,
	KindHoldActivated,
	KindTapActivated,
	KindOneShotActivated,
	KindChordResolved,
	KindTapDanceResolved,
}

// Event is a classified broadcast frame.
type Event struct {
	Kind    EventKind
	Payload json.RawMessage // value under the broadcast key (nil for KindUnknown)
	Raw     []byte          // the whole frame as read from the socket
}

// Reply is a correlated response to an outbound command. The payload is
// kept raw and strictly decoded into a caller-specified type on demand
// via ExtractMessage.
type Reply struct {
	RequestID uint64
	Raw       []byte
}

// LayerChange is the payload of a LayerChange broadcast.
type LayerChange struct {
	New string `json:"new"`
}

// MessagePush is the payload of a MessagePush broadcast.
type MessagePush struct {
	Message string `json:"message"`
}

// ConfigError is the payload of a ConfigError broadcast.
type ConfigError struct {
	Msg string `json:"msg"`
}

// KeyAction is the payload shape shared by KeyInput, HoldActivated, and
// TapActivated broadcasts.
type KeyAction struct {
	Key    string `json:"key"`
	Action string `json:"action"`
}

// OneShot is the payload of a OneShotActivated broadcast.
type OneShot struct {
	Key       string   `json:"key"`
	Modifiers []string `json:"modifiers"`
}

// Chord is the payload of a ChordResolved broadcast.
type Chord struct {
	Keys   []string `json:"keys"`
	Action string   `json:"action"`
}

// TapDance is the payload of a TapDanceResolved broadcast.
type TapDance struct {
	Key      string `json:"key"`
	TapCount int    `json:"tap_count"`
	Action   string `json:"action"`
}

// LegacyServerName is the identity reported for daemons whose handshake
// acknowledgement predates the version field.
const LegacyServerName = "legacy-daemon"

// HelloAck is the handshake acknowledgement. Older daemons send a
// minimal shape lacking most fields; ApplyDefaults fills those in.
type HelloAck struct {
	Version      string   `json:"version"`
	Protocol     int      `json:"protocol"`
	Capabilities []string `json:"capabilities"`
	RequestID    uint64   `json:"request_id"`
}

// ApplyDefaults fills fields missing from a legacy handshake
// acknowledgement: protocol 1, no capabilities, fixed server identity.
func (h *HelloAck) ApplyDefaults() {
	if h.Protocol == 0 {
		h.Protocol = 1
	}
	if h.Capabilities == nil {
		h.Capabilities = []string{}
	}
	if h.Version == "" {
		h.Version = LegacyServerName
	}
}

// CommandResult is the generic acknowledgement payload for commands
// that return no data of their own.
type CommandResult struct {
	OK        bool   `json:"ok"`
	Msg       string `json:"msg"`
	RequestID uint64 `json:"request_id"`
}

// ReloadResult is the payload of a reload command reply.
type ReloadResult struct {
	Ready     bool   `json:"ready"`
	OK        bool   `json:"ok"`
	Msg       string `json:"msg"`
	RequestID uint64 `json:"request_id"`
}

// Status is the payload of a status command reply.
type Status struct {
	Version      string `json:"version"`
	UptimeSecs   int64  `json:"uptime_s"`
	LastReloadAt int64  `json:"last_reload_at"`
	LiveReloads  int64  `json:"live_reloads"`
	RequestID    uint64 `json:"request_id"`
}

// LayerNames is the payload of a layer-names command reply.
type LayerNames struct {
	Names     []string `json:"names"`
	RequestID uint64   `json:"request_id"`
}

// Hello is the client half of the handshake.
type Hello struct {
	Client  string `json:"client"`
	Version string `json:"version"`
}
