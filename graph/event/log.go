package event

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// LoggedBus decorates a Bus by writing one structured log line per published
// event before forwarding.
//
// Two output modes:
//   - text (default): human-readable key=value line
//   - JSON: one JSON object per line (JSONL)
//
// Example text output:
//
//	[node.started] topic=node.g1.a.started runID=run-001 nodeID=a
//
// Example JSON output:
//
//	{"topic":"node.g1.a.started","event":"node.started","runId":"run-001","nodeId":"a",...}
type LoggedBus struct {
	inner    Bus
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// WithLogging wraps bus so every publication is also written to writer.
// A nil writer defaults to os.Stdout.
func WithLogging(bus Bus, writer io.Writer, jsonMode bool) *LoggedBus {
	if writer == nil {
		writer = os.Stdout
	}
	return &LoggedBus{inner: bus, writer: writer, jsonMode: jsonMode}
}

// Publish implements Bus.
func (l *LoggedBus) Publish(ctx context.Context, ev Event) error {
	l.mu.Lock()
	if l.jsonMode {
		if data, err := json.Marshal(ev); err == nil {
			fmt.Fprintf(l.writer, "%s\n", data)
		} else {
			fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		}
	} else {
		fmt.Fprintf(l.writer, "[%s] topic=%s runID=%s nodeID=%s", ev.Name, ev.Topic, ev.RunID, ev.NodeID)
		if len(ev.Meta) > 0 {
			if metaJSON, err := json.Marshal(ev.Meta); err == nil {
				fmt.Fprintf(l.writer, " meta=%s", metaJSON)
			}
		}
		fmt.Fprint(l.writer, "\n")
	}
	l.mu.Unlock()
	return l.inner.Publish(ctx, ev)
}

// Subscribe implements Bus.
func (l *LoggedBus) Subscribe(ctx context.Context, pattern string) (<-chan Event, func(), error) {
	return l.inner.Subscribe(ctx, pattern)
}

// Close implements Bus.
func (l *LoggedBus) Close() error { return l.inner.Close() }
