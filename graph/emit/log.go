package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// LogEmitter writes events to an io.Writer in either human-readable text
// (key=value pairs) or machine-readable JSON lines.
//
//	[node_start] thread=t-001 step=3 node=review
//	{"thread_id":"t-001","step":3,"node":"review","msg":"node_start"}
type LogEmitter struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a LogEmitter. A nil writer defaults to stdout.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{writer: writer, jsonMode: jsonMode}
}

// Emit implements Emitter. Write failures are swallowed; logging must not
// disturb execution.
func (l *LogEmitter) Emit(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.jsonMode {
		payload := map[string]any{
			"thread_id": event.ThreadID,
			"step":      event.Step,
			"node":      event.Node,
			"msg":       event.Msg,
		}
		if len(event.Meta) > 0 {
			payload["meta"] = event.Meta
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return
		}
		fmt.Fprintln(l.writer, string(data))
		return
	}

	fmt.Fprintf(l.writer, "[%s] thread=%s step=%d node=%s", event.Msg, event.ThreadID, event.Step, event.Node)
	for k, v := range event.Meta {
		fmt.Fprintf(l.writer, " %s=%v", k, v)
	}
	fmt.Fprintln(l.writer)
}
