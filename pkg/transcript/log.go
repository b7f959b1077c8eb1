package transcript

import "sync"

// Log is the ordered, append-only list of completed messages. It outlives
// individual sessions.
type Log struct {
	mu       sync.RWMutex
	messages []Message
	onAppend []func(Message)
}

// NewLog returns an empty log.
func NewLog() *Log {
	return &Log{}
}

// OnAppend registers fn to be called for each appended message, in order.
// Register hooks before the log is shared.
func (l *Log) OnAppend(fn func(Message)) {
	l.mu.Lock()
	l.onAppend = append(l.onAppend, fn)
	l.mu.Unlock()
}

// Append adds messages to the end of the log.
func (l *Log) Append(msgs ...Message) {
	if len(msgs) == 0 {
		return
	}
	l.mu.Lock()
	l.messages = append(l.messages, msgs...)
	hooks := l.onAppend
	l.mu.Unlock()

	for _, m := range msgs {
		for _, fn := range hooks {
			fn(m)
		}
	}
}

// Messages returns a copy of the log.
func (l *Log) Messages() []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Message, len(l.messages))
	copy(out, l.messages)
	return out
}

// Len returns the number of messages.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.messages)
}
