package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"testing"
)

func TestClassify_Broadcasts(t *testing.T) {
	tests := []struct {
		frame string
		kind  EventKind
	}{
		{`{"LayerChange":{"new":"nav"}}`, KindLayerChange},
		{`{"ConfigFileReload":{}}`, KindConfigFileReload},
		{`{"MessagePush":{"message":"hi"}}`, KindMessagePush},
		{`{"Ready":{}}`, KindReady},
		{`{"ConfigError":{"msg":"bad defsrc"}}`, KindConfigError},
		{`{"KeyInput":{"key":"a","action":"press"}}`, KindKeyInput},
		{`{"HoldActivated":{"key":"f","action":"lsft"}}`, KindHoldActivated},
		{`{"TapActivated":{"key":"f","action":"f"}}`, KindTapActivated},
		{`{"OneShotActivated":{"key":"spc","modifiers":["lsft"]}}`, KindOneShotActivated},
		{`{"ChordResolved":{"keys":["j","k"],"action":"esc"}}`, KindChordResolved},
		{`{"TapDanceResolved":{"key":"q","tap_count":2,"action":"close"}}`, KindTapDanceResolved},
	}

	for _, tt := range tests {
		ev, ok := Classify([]byte(tt.frame))
		if !ok {
			t.Errorf("Classify(%s) not recognized as broadcast", tt.frame)
			continue
		}
		if ev.Kind != tt.kind {
			t.Errorf("Classify(%s) kind = %s, want %s", tt.frame, ev.Kind, tt.kind)
		}
		if string(ev.Raw) != tt.frame {
			t.Errorf("Classify(%s) raw = %s, want original frame", tt.frame, ev.Raw)
		}
	}
}

func TestClassify_BroadcastWinsOverRequestID(t *testing.T) {
	// A broadcast frame that also carries a request_id must never be
	// treated as a reply.
	frame := []byte(`{"LayerChange":{"new":"nav"},"request_id":7}`)

	ev, ok := Classify(frame)
	if !ok {
		t.Fatal("expected broadcast classification")
	}
	if ev.Kind != KindLayerChange {
		t.Errorf("kind = %s, want LayerChange", ev.Kind)
	}
}

func TestClassify_PrecedenceOrder(t *testing.T) {
	// Multiple recognized keys in one frame: the first match in the
	// documented order wins, regardless of key order in the JSON text.
	frame := []byte(`{"MessagePush":{"message":"x"},"LayerChange":{"new":"base"}}`)

	ev, ok := Classify(frame)
	if !ok {
		t.Fatal("expected broadcast classification")
	}
	if ev.Kind != KindLayerChange {
		t.Errorf("kind = %s, want LayerChange (precedence)", ev.Kind)
	}
}

func TestClassify_ReplyFramesNotBroadcast(t *testing.T) {
	frames := []string{
		`{"ReloadResult":{"ready":true,"ok":true,"request_id":42}}`,
		`{"request_id":1,"HelloAck":{}}`,
		`not json at all`,
	}

	for _, frame := range frames {
		if _, ok := Classify([]byte(frame)); ok {
			t.Errorf("Classify(%s) = broadcast, want not", frame)
		}
	}
}

func TestExtractRequestID_Forms(t *testing.T) {
	tests := []struct {
		frame string
		id    uint64
		ok    bool
	}{
		{`{"request_id":42}`, 42, true},
		{`{"request_id":"42"}`, 42, true},
		{`{"ReloadResult":{"ready":true,"ok":true,"request_id":42}}`, 42, true},
		{`{"HelloAck":{"request_id":"9"}}`, 9, true},
		{`{"Status":{"uptime_s":10}}`, 0, false},
		{`{"request_id":"abc"}`, 0, false},
		{`garbage`, 0, false},
	}

	for _, tt := range tests {
		id, ok := ExtractRequestID([]byte(tt.frame))
		if ok != tt.ok {
			t.Errorf("ExtractRequestID(%s) ok = %v, want %v", tt.frame, ok, tt.ok)
			continue
		}
		if id != tt.id {
			t.Errorf("ExtractRequestID(%s) = %d, want %d", tt.frame, id, tt.id)
		}
	}
}

func TestExtractRequestID_RoundTrip(t *testing.T) {
	// Encoding an id in any of the three accepted forms and extracting
	// it returns the original integer.
	const id = uint64(1234567890123)

	forms := []string{
		fmt.Sprintf(`{"request_id":%d}`, id),
		fmt.Sprintf(`{"request_id":"%d"}`, id),
		fmt.Sprintf(`{"Wrapped":{"request_id":%d}}`, id),
	}

	for _, frame := range forms {
		got, ok := ExtractRequestID([]byte(frame))
		if !ok {
			t.Errorf("ExtractRequestID(%s) not found", frame)
			continue
		}
		if got != id {
			t.Errorf("ExtractRequestID(%s) = %d, want %d", frame, got, id)
		}
	}
}

func TestExtractMessage_MultiLine(t *testing.T) {
	// Only line 2 carries the wanted key; lines 1 and 3 are not even
	// valid JSON. The scan must still find line 2.
	response := []byte("this is not json\n" +
		`{"LayerNames":{"names":["base","nav"],"request_id":3}}` + "\n" +
		"}{ also broken")

	names, ok := ExtractMessage[LayerNames]("LayerNames", response)
	if !ok {
		t.Fatal("expected LayerNames to be found")
	}
	if len(names.Names) != 2 || names.Names[0] != "base" || names.Names[1] != "nav" {
		t.Errorf("Names = %v, want [base nav]", names.Names)
	}
	if names.RequestID != 3 {
		t.Errorf("RequestID = %d, want 3", names.RequestID)
	}
}

func TestExtractMessage_DecodeFailureContinuesScan(t *testing.T) {
	// The first candidate carries the key but with an unknown field, so
	// the strict decode fails; the second candidate decodes cleanly.
	response := []byte(`{"Status":{"uptime_s":1,"bogus_field":true}}` + "\n" +
		`{"Status":{"uptime_s":99,"version":"1.2.0"}}`)

	st, ok := ExtractMessage[Status]("Status", response)
	if !ok {
		t.Fatal("expected Status to be found")
	}
	if st.UptimeSecs != 99 {
		t.Errorf("UptimeSecs = %d, want 99", st.UptimeSecs)
	}
	if st.Version != "1.2.0" {
		t.Errorf("Version = %s, want 1.2.0", st.Version)
	}
}

func TestExtractMessage_NotFound(t *testing.T) {
	response := []byte(`{"Other":{"x":1}}`)

	if _, ok := ExtractMessage[Status]("Status", response); ok {
		t.Error("expected not found")
	}
}

func TestExtractError(t *testing.T) {
	tests := []struct {
		response string
		want     string
	}{
		{`{"Error":{"ok":false,"msg":"no such layer"}}`, "no such layer"},
		{`{"error":"boom"}`, "boom"},
		{`{"msg":"partial failure"}`, "partial failure"},
		{`{"something":"else"}`, "unknown error"},
		{`not json`, "unknown error"},
	}

	for _, tt := range tests {
		if got := ExtractError([]byte(tt.response)); got != tt.want {
			t.Errorf("ExtractError(%s) = %q, want %q", tt.response, got, tt.want)
		}
	}
}

func TestEncodeCommand(t *testing.T) {
	data, err := EncodeCommand(5, "RequestLayerChange", LayerChange{New: "nav"})
	if err != nil {
		t.Fatalf("EncodeCommand failed: %v", err)
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		t.Fatalf("encoded command is not valid JSON: %v", err)
	}

	id, ok := ExtractRequestID(data)
	if !ok || id != 5 {
		t.Errorf("request_id = %d (found=%v), want 5", id, ok)
	}

	var params LayerChange
	if err := json.Unmarshal(obj["RequestLayerChange"], &params); err != nil {
		t.Fatalf("unmarshal params failed: %v", err)
	}
	if params.New != "nav" {
		t.Errorf("New = %s, want nav", params.New)
	}
}

func TestEncodeCommand_NilParams(t *testing.T) {
	data, err := EncodeCommand(1, "RequestLayerNames", nil)
	if err != nil {
		t.Fatalf("EncodeCommand failed: %v", err)
	}
	if want := `"RequestLayerNames":{}`; !bytes.Contains(data, []byte(want)) {
		t.Errorf("encoded = %s, want to contain %s", data, want)
	}
}

func TestHelloAck_ApplyDefaults(t *testing.T) {
	var legacy HelloAck
	legacy.ApplyDefaults()

	if legacy.Protocol != 1 {
		t.Errorf("Protocol = %d, want 1", legacy.Protocol)
	}
	if legacy.Capabilities == nil || len(legacy.Capabilities) != 0 {
		t.Errorf("Capabilities = %v, want empty list", legacy.Capabilities)
	}
	if legacy.Version != LegacyServerName {
		t.Errorf("Version = %s, want %s", legacy.Version, LegacyServerName)
	}

	full := HelloAck{Version: "1.9.0", Protocol: 2, Capabilities: []string{"fake-keys"}}
	full.ApplyDefaults()
	if full.Version != "1.9.0" || full.Protocol != 2 || len(full.Capabilities) != 1 {
		t.Errorf("defaults overwrote populated fields: %+v", full)
	}
}
