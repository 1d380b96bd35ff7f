package emit

import "sync"

// BufferedEmitter stores events in memory, organized per thread, and
// supports querying them afterwards. Intended for tests, debugging, and
// post-run analysis; everything stays in memory, so clear threads you are
// done with.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // threadID -> events in arrival order
}

// HistoryFilter narrows a History query. All set fields must match.
type HistoryFilter struct {
	Node    string // filter by node, empty matches all
	Msg     string // filter by event name, empty matches all
	MinStep *int   // inclusive lower step bound
	MaxStep *int   // inclusive upper step bound
}

// NewBufferedEmitter creates an empty BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

// Emit implements Emitter.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	b.events[event.ThreadID] = append(b.events[event.ThreadID], event)
	b.mu.Unlock()
}

// History returns all events for a thread in emission order.
func (b *BufferedEmitter) History(threadID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	events := b.events[threadID]
	out := make([]Event, len(events))
	copy(out, events)
	return out
}

// HistoryWithFilter returns the thread's events matching the filter.
func (b *BufferedEmitter) HistoryWithFilter(threadID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Event
	for _, event := range b.events[threadID] {
		if matchesFilter(event, filter) {
			out = append(out, event)
		}
	}
	return out
}

func matchesFilter(event Event, filter HistoryFilter) bool {
	if filter.Node != "" && event.Node != filter.Node {
		return false
	}
	if filter.Msg != "" && event.Msg != filter.Msg {
		return false
	}
	if filter.MinStep != nil && event.Step < *filter.MinStep {
		return false
	}
	if filter.MaxStep != nil && event.Step > *filter.MaxStep {
		return false
	}
	return true
}

// Clear drops all events for a thread. An empty threadID drops everything.
func (b *BufferedEmitter) Clear(threadID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if threadID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, threadID)
}
