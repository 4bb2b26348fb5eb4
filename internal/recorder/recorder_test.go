package recorder

import (
	"strings"
	"testing"
	"time"

	"github.com/keyflow/keylink/internal/config"
	"github.com/keyflow/keylink/internal/wire"
)

func testRecorder() *Recorder {
	cfg := config.RecorderConfig{
		Enabled:       true,
		BatchSize:     100,
		FlushInterval: time.Second,
	}
	return NewRecorder(cfg, nil, nil)
}

// drain pops every queued row without blocking.
func drain(r *Recorder) []eventRow {
	var rows []eventRow
	for {
		row, ok := r.input.TryPop()
		if !ok {
			return rows
		}
		rows = append(rows, row)
	}
}

func TestHandlers_LayerChange(t *testing.T) {
	r := testRecorder()
	h := r.Handlers()

	h.LayerChange(wire.LayerChange{New: "nav"})

	rows := drain(r)
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	row := rows[0]
	if row.Kind != string(wire.KindLayerChange) {
		t.Errorf("kind = %q, want %q", row.Kind, wire.KindLayerChange)
	}
	if row.Layer != "nav" {
		t.Errorf("layer = %q, want nav", row.Layer)
	}
	if row.ID.String() == "00000000-0000-0000-0000-000000000000" {
		t.Error("row id was not assigned")
	}
	if row.RecordedAt == 0 {
		t.Error("recorded_at was not stamped")
	}
}

func TestHandlers_KeyKinds(t *testing.T) {
	r := testRecorder()
	h := r.Handlers()

	h.KeyInput(wire.KeyAction{Key: "a", Action: "press"})
	h.HoldActivated(wire.KeyAction{Key: "f", Action: "shift"})
	h.TapActivated(wire.KeyAction{Key: "f", Action: "f"})

	rows := drain(r)
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}

	wantKinds := []wire.EventKind{
		wire.KindKeyInput,
		wire.KindHoldActivated,
		wire.KindTapActivated,
	}
	for i, want := range wantKinds {
		if rows[i].Kind != string(want) {
			t.Errorf("row %d kind = %q, want %q", i, rows[i].Kind, want)
		}
	}
	if rows[1].Key != "f" || rows[1].Action != "shift" {
		t.Errorf("hold row = %+v, want key f action shift", rows[1])
	}
}

func TestHandlers_OneShotJoinsModifiers(t *testing.T) {
	r := testRecorder()
	r.Handlers().OneShotActivated(wire.OneShot{
		Key:       "space",
		Modifiers: []string{"ctrl", "shift"},
	})

	rows := drain(r)
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0].Detail != "ctrl+shift" {
		t.Errorf("detail = %q, want ctrl+shift", rows[0].Detail)
	}
}

func TestHandlers_ChordJoinsKeys(t *testing.T) {
	r := testRecorder()
	r.Handlers().ChordResolved(wire.Chord{
		Keys:   []string{"j", "k"},
		Action: "escape",
	})

	rows := drain(r)
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0].Key != "j+k" {
		t.Errorf("key = %q, want j+k", rows[0].Key)
	}
	if rows[0].Action != "escape" {
		t.Errorf("action = %q, want escape", rows[0].Action)
	}
}

func TestHandlers_TapDanceDetail(t *testing.T) {
	r := testRecorder()
	r.Handlers().TapDanceResolved(wire.TapDance{
		Key:      "q",
		TapCount: 3,
		Action:   "macro1",
	})

	rows := drain(r)
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if !strings.Contains(rows[0].Detail, "taps=3") {
		t.Errorf("detail = %q, want taps=3", rows[0].Detail)
	}
}

func TestHandlers_ConfigEvents(t *testing.T) {
	r := testRecorder()
	h := r.Handlers()

	h.ConfigFileReload()
	h.ConfigError(wire.ConfigError{Msg: "bad layer ref"})

	rows := drain(r)
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].Kind != string(wire.KindConfigFileReload) {
		t.Errorf("row 0 kind = %q", rows[0].Kind)
	}
	if rows[1].Detail != "bad layer ref" {
		t.Errorf("row 1 detail = %q, want bad layer ref", rows[1].Detail)
	}
}

func TestHandlers_NoReplyKindsRegistered(t *testing.T) {
	h := testRecorder().Handlers()

	// The recorder only consumes broadcast activity; interactive kinds
	// stay unset so another consumer can claim them.
	if h.MessagePush != nil {
		t.Error("MessagePush handler should be unset")
	}
	if h.Ready != nil {
		t.Error("Ready handler should be unset")
	}
	if h.Unknown != nil {
		t.Error("Unknown handler should be unset")
	}
}

func TestHandleRow_AccumulatesBelowBatchSize(t *testing.T) {
	r := testRecorder()

	for i := 0; i < 10; i++ {
		r.handleRow(eventRow{Kind: string(wire.KindKeyInput)})
	}

	r.batchMu.Lock()
	got := len(r.batch)
	r.batchMu.Unlock()
	if got != 10 {
		t.Errorf("batch length = %d, want 10", got)
	}
}

func TestTapCountDetail(t *testing.T) {
	if got := tapCountDetail(0); got != "" {
		t.Errorf("tapCountDetail(0) = %q, want empty", got)
	}
	if got := tapCountDetail(2); got != "taps=2" {
		t.Errorf("tapCountDetail(2) = %q, want taps=2", got)
	}
}
