package core

import "sync"

type logEntry struct {
	text    string
	private bool
}

// deliveredLog is the ordered record of messages shown to the user. Room
// messages double as the dedup set; private messages are recorded but never
// matched against. With a positive limit the oldest entries are evicted.
type deliveredLog struct {
	mu      sync.Mutex
	limit   int
	entries []logEntry
	start   int
	seen    map[string]struct{}
}

func newDeliveredLog(limit int) *deliveredLog {
	return &deliveredLog{
		limit: limit,
		seen:  make(map[string]struct{}),
	}
}

// addRoom records text unless an identical room message is already present.
// It reports whether text was new.
func (l *deliveredLog) addRoom(text string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.seen[text]; dup {
		return false
	}
	l.seen[text] = struct{}{}
	l.appendLocked(logEntry{text: text})
	return true
}

func (l *deliveredLog) addPrivate(text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.appendLocked(logEntry{text: text, private: true})
}

func (l *deliveredLog) appendLocked(e logEntry) {
	l.entries = append(l.entries, e)
	if l.limit <= 0 {
		return
	}
	for len(l.entries)-l.start > l.limit {
		old := l.entries[l.start]
		if !old.private {
			delete(l.seen, old.text)
		}
		l.entries[l.start] = logEntry{}
		l.start++
	}
	if l.start > len(l.entries)/2 {
		l.entries = append([]logEntry(nil), l.entries[l.start:]...)
		l.start = 0
	}
}

func (l *deliveredLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.entries)-l.start)
	for _, e := range l.entries[l.start:] {
		out = append(out, e.text)
	}
	return out
}

func (l *deliveredLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries) - l.start
}
