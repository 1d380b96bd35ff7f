package emit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLogEmitter_Text(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, false)

	emitter.Emit(Event{ThreadID: "t-001", Step: 3, Node: "review", Msg: "node_start"})

	got := buf.String()
	want := "[node_start] thread=t-001 step=3 node=review\n"
	if got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
}

func TestLogEmitter_TextWithMeta(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, false)

	emitter.Emit(Event{
		ThreadID: "t-001",
		Step:     5,
		Node:     "review",
		Msg:      "node_end",
		Meta:     map[string]any{"duration_ms": 42},
	})

	got := buf.String()
	if !strings.HasPrefix(got, "[node_end] thread=t-001 step=5 node=review") {
		t.Errorf("output = %q, want the standard prefix", got)
	}
	if !strings.Contains(got, "duration_ms=42") {
		t.Errorf("output = %q, want metadata as key=value", got)
	}
	if !strings.HasSuffix(got, "\n") {
		t.Errorf("output = %q, want one line per event", got)
	}
}

func TestLogEmitter_JSON(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, true)

	emitter.Emit(Event{ThreadID: "t-001", Step: 1, Node: "fetch", Msg: "node_start"})
	emitter.Emit(Event{
		ThreadID: "t-001", Step: 1, Node: "fetch", Msg: "node_failed",
		Meta: map[string]any{"error": "boom"},
	})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want one JSON object per event", len(lines))
	}

	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("line 1 is not valid JSON: %v", err)
	}
	if first["thread_id"] != "t-001" || first["msg"] != "node_start" || first["node"] != "fetch" {
		t.Errorf("line 1 = %v", first)
	}
	if first["step"] != float64(1) {
		t.Errorf("step = %v, want 1", first["step"])
	}
	if _, ok := first["meta"]; ok {
		t.Error("empty meta should be omitted")
	}

	var second map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatalf("line 2 is not valid JSON: %v", err)
	}
	meta, ok := second["meta"].(map[string]any)
	if !ok || meta["error"] != "boom" {
		t.Errorf("line 2 meta = %v, want the error entry", second["meta"])
	}
}

func TestMulti(t *testing.T) {
	a := NewBufferedEmitter()
	b := NewBufferedEmitter()
	multi := Multi{a, b}

	multi.Emit(Event{ThreadID: "t-001", Msg: "run_started"})

	for i, e := range []*BufferedEmitter{a, b} {
		if got := len(e.History("t-001")); got != 1 {
			t.Errorf("emitter %d events = %d, want 1", i, got)
		}
	}
}
