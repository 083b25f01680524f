package proxymon

// ErrorLog is a fixed-capacity FIFO ring of error events. Once full, each
// append evicts the oldest entry. It is not safe for concurrent use.
type ErrorLog struct {
	buf   []ErrorEvent
	start int
	size  int
}

// NewErrorLog creates a ring holding at most capacity events.
func NewErrorLog(capacity int) *ErrorLog {
	if capacity < 1 {
		capacity = 1
	}
	return &ErrorLog{buf: make([]ErrorEvent, capacity)}
}

// Append adds ev, evicting the oldest event when the ring is full.
func (l *ErrorLog) Append(ev ErrorEvent) {
	if l.size < len(l.buf) {
		l.buf[(l.start+l.size)%len(l.buf)] = ev
		l.size++
		return
	}
	l.buf[l.start] = ev
	l.start = (l.start + 1) % len(l.buf)
}

// Len returns the number of stored events.
func (l *ErrorLog) Len() int { return l.size }

// Cap returns the ring capacity.
func (l *ErrorLog) Cap() int { return len(l.buf) }

// Snapshot copies every stored event, oldest first.
func (l *ErrorLog) Snapshot() []ErrorEvent {
	return l.Last(l.size)
}

// Last copies the newest n events, oldest of them first.
func (l *ErrorLog) Last(n int) []ErrorEvent {
	if n > l.size {
		n = l.size
	}
	if n <= 0 {
		return []ErrorEvent{}
	}
	out := make([]ErrorEvent, 0, n)
	for i := l.size - n; i < l.size; i++ {
		out = append(out, l.buf[(l.start+i)%len(l.buf)].clone())
	}
	return out
}

// Reset drops every event.
func (l *ErrorLog) Reset() {
	clear(l.buf)
	l.start = 0
	l.size = 0
}
