package audit

import "sync"

const defaultRingSize = 1000

// RingWriter keeps the most recent events in memory for the events API.
type RingWriter struct {
	mu     sync.Mutex
	events []*Event
	next   int
	filled bool
}

// NewRingWriter creates a RingWriter holding at most size events.
// A non-positive size falls back to the default.
func NewRingWriter(size int) *RingWriter {
	if size <= 0 {
		size = defaultRingSize
	}
	return &RingWriter{events: make([]*Event, size)}
}

func (w *RingWriter) Write(event *Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events[w.next] = event
	w.next++
	if w.next == len(w.events) {
		w.next = 0
		w.filled = true
	}
}

func (w *RingWriter) Close() {}

// Recent returns up to n events, newest first. n <= 0 returns everything
// retained.
func (w *RingWriter) Recent(n int) []*Event {
	w.mu.Lock()
	defer w.mu.Unlock()

	total := w.next
	if w.filled {
		total = len(w.events)
	}
	if n <= 0 || n > total {
		n = total
	}

	out := make([]*Event, 0, n)
	idx := w.next
	for i := 0; i < n; i++ {
		idx--
		if idx < 0 {
			idx = len(w.events) - 1
		}
		out = append(out, w.events[idx])
	}
	return out
}
