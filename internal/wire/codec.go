// Package wire frames and classifies the daemon's newline-delimited JSON
// protocol: broadcast events keyed by a fixed set of top-level names, and
// command replies correlated by request_id. The format is loosely
// specified and has drifted across daemon versions, so decoding is
// tolerant of multiple shapes for the same logical message.
package wire

import (
	"bytes"
	"encoding/json"
	"strconv"
)

const requestIDField = "request_id"

// Classify parses a frame as a loose JSON object and reports whether it
// is a broadcast. Broadcast-key presence takes precedence over any
// request_id the frame happens to carry: a frame with a recognized
// broadcast key is never treated as a reply.
func Classify(frame []byte) (Event, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(frame, &obj); err != nil {
		return Event{}, false
	}

	for _, key := range broadcastKeys {
		payload, ok := obj[string(key)]
		if !ok {
			continue
		}
		return Event{
			Kind:    key,
			Payload: payload,
			Raw:     frame,
		}, true
	}

	return Event{}, false
}

// ExtractRequestID finds the correlation id in a reply frame. The id may
// appear as a number or a numeric string at the top level, or nested one
// level down inside a top-level object value (replies wrapped under a
// message-type key). Returns false if no id is found anywhere.
func ExtractRequestID(frame []byte) (uint64, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(frame, &obj); err != nil {
		return 0, false
	}

	if raw, ok := obj[requestIDField]; ok {
		if id, ok := coerceID(raw); ok {
			return id, true
		}
	}

	// Scan one level into each top-level object value.
	for _, raw := range obj {
		var nested map[string]json.RawMessage
		if err := json.Unmarshal(raw, &nested); err != nil {
			continue
		}
		inner, ok := nested[requestIDField]
		if !ok {
			continue
		}
		if id, ok := coerceID(inner); ok {
			return id, true
		}
	}

	return 0, false
}

// coerceID accepts a JSON number or a numeric string as an unsigned id.
func coerceID(raw json.RawMessage) (uint64, bool) {
	var num uint64
	if err := json.Unmarshal(raw, &num); err == nil {
		return num, true
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	num, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return num, true
}

// ExtractMessage scans a possibly multi-line response for an object
// carrying the named top-level key and strictly decodes that key's value
// into T. Some commands reply with several newline-separated objects (a
// legacy artifact), and some lines may not parse at all; a failure on
// one candidate line does not abort the scan.
func ExtractMessage[T any](name string, response []byte) (T, bool) {
	var zero T

	for _, line := range bytes.Split(response, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		var obj map[string]json.RawMessage
		if err := json.Unmarshal(line, &obj); err != nil {
			continue
		}
		raw, ok := obj[name]
		if !ok {
			continue
		}

		var out T
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&out); err != nil {
			continue
		}
		return out, true
	}

	return zero, false
}

// serverError is the tagged shape the daemon uses for command failures.
type serverError struct {
	Error struct {
		OK  bool   `json:"ok"`
		Msg string `json:"msg"`
	} `json:"Error"`
}

// ExtractError pulls a human-readable error message out of a response.
// Tries the tagged server-error shape first, then loose lookup of an
// "error" or "msg" field, then gives up with a generic message.
func ExtractError(response []byte) string {
	line := firstLine(response)

	var tagged serverError
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&tagged); err == nil && tagged.Error.Msg != "" {
		return tagged.Error.Msg
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(line, &obj); err == nil {
		for _, field := range []string{"error", "msg"} {
			raw, ok := obj[field]
			if !ok {
				continue
			}
			var s string
			if err := json.Unmarshal(raw, &s); err == nil && s != "" {
				return s
			}
		}
	}

	return "unknown error"
}

func firstLine(data []byte) []byte {
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return data[:i]
	}
	return data
}

// EncodeCommand builds an outbound command frame: a JSON object with the
// numeric request_id alongside the command payload under its type key.
// The trailing newline is appended by the transport.
func EncodeCommand(id uint64, name string, params any) ([]byte, error) {
	if params == nil {
		params = struct{}{}
	}
	return json.Marshal(map[string]any{
		requestIDField: id,
		name:           params,
	})
}
