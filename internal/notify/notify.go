// Package notify distributes user-visible transient notifications. The sync
// engine publishes here instead of rendering anything itself; UI collaborators
// subscribe or poll the recent buffer.
package notify

import (
	"log/slog"
	"sync"
	"time"
)

// Level classifies a notice.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

const recentMax = 50

// Notice is a single user-visible notification.
type Notice struct {
	Seq      int64  `json:"seq"`
	Level    Level  `json:"level"`
	Message  string `json:"message"`
	AtUnixMs int64  `json:"at_unix_ms"`
}

// Notifier fans notices out to subscribers and keeps a bounded recent buffer.
// The zero value is not usable; use New.
type Notifier struct {
	log *slog.Logger

	mu      sync.Mutex
	recent  []Notice
	subs    map[int]chan Notice
	nextSub int
	seq     int64
}

func New(log *slog.Logger) *Notifier {
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{
		log:  log,
		subs: make(map[int]chan Notice),
	}
}

// Publish records a notice, logs it and delivers it to all subscribers
// without blocking (slow subscribers miss notices rather than stall writers).
func (n *Notifier) Publish(level Level, message string) {
	if n == nil || message == "" {
		return
	}
	notice := Notice{Level: level, Message: message, AtUnixMs: time.Now().UnixMilli()}

	switch level {
	case LevelError:
		n.log.Warn("notice", "level", level, "message", message)
	default:
		n.log.Info("notice", "level", level, "message", message)
	}

	n.mu.Lock()
	n.seq++
	notice.Seq = n.seq
	n.recent = append(n.recent, notice)
	if len(n.recent) > recentMax {
		n.recent = n.recent[len(n.recent)-recentMax:]
	}
	chans := make([]chan Notice, 0, len(n.subs))
	for _, ch := range n.subs {
		chans = append(chans, ch)
	}
	n.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- notice:
		default:
		}
	}
}

func (n *Notifier) Info(message string)    { n.Publish(LevelInfo, message) }
func (n *Notifier) Success(message string) { n.Publish(LevelSuccess, message) }
func (n *Notifier) Error(message string)   { n.Publish(LevelError, message) }

// Recent returns the buffered notices, oldest first.
func (n *Notifier) Recent() []Notice {
	if n == nil {
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Notice, len(n.recent))
	copy(out, n.recent)
	return out
}

// Subscribe returns a channel of future notices and its unsubscribe func.
func (n *Notifier) Subscribe() (<-chan Notice, func()) {
	if n == nil {
		ch := make(chan Notice)
		close(ch)
		return ch, func() {}
	}
	ch := make(chan Notice, 16)

	n.mu.Lock()
	id := n.nextSub
	n.nextSub++
	n.subs[id] = ch
	n.mu.Unlock()

	return ch, func() {
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
	}
}
