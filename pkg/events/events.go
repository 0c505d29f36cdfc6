// Package events is the boundary between the sync core and whatever
// presents it to a human: a GUI, a tray icon or plain logs.
//
// The core only ever talks to a Sink. A Sink gets three kinds of
// events: log lines, the current peer list, and requests to show a
// desktop notification. Delivering the notification itself is not done
// here.
package events

import (
	"log/slog"
	"time"
)

// Level is the severity of an Entry.
type Level int // H

const ( // H
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ttlByLevel maps each Level to how long a Recorder keeps it.
var ttlByLevel = map[Level]time.Duration{ // H
	LevelDebug: 10 * time.Minute,
	LevelInfo:  time.Hour,
	LevelWarn:  6 * time.Hour,
	LevelError: 24 * time.Hour,
}

// String returns the human-readable name of the Level.
func (l Level) String() string { // H
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// LevelFromSlog maps an slog level onto the closest Level.
func LevelFromSlog(l slog.Level) Level { // H
	switch {
	case l >= slog.LevelError:
		return LevelError
	case l >= slog.LevelWarn:
		return LevelWarn
	case l >= slog.LevelInfo:
		return LevelInfo
	default:
		return LevelDebug
	}
}

// Entry is one log line shown to the user.
type Entry struct { // AC
	Timestamp time.Time         `json:"timestamp"`
	Level     Level             `json:"level"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
}

func (e *Entry) isExpired(now time.Time) bool { // AC
	ttl, ok := ttlByLevel[e.Level]
	if !ok {
		ttl = ttlByLevel[LevelInfo]
	}
	return now.After(e.Timestamp.Add(ttl))
}

// PeerSnapshot is how a peer is presented to the UI.
type PeerSnapshot struct { // A
	DeviceID    string    `json:"deviceID"`
	DisplayName string    `json:"displayName"`
	Address     string    `json:"address"`
	LastSeen    time.Time `json:"lastSeen"`
}

// Notification asks the UI to surface something to the user.
type Notification struct { // A
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Sink receives events from the core. Implementations must not block:
// calls arrive from the sync goroutines.
type Sink interface { // A
	Log(Entry)
	PeersUpdated([]PeerSnapshot)
	Notify(Notification)
}

// Nop discards every event.
type Nop struct{} // A

func (Nop) Log(Entry)                   {}
func (Nop) PeersUpdated([]PeerSnapshot) {}
func (Nop) Notify(Notification)         {}

// OrNop returns s, or Nop when s is nil.
func OrNop(s Sink) Sink { // A
	if s == nil {
		return Nop{}
	}
	return s
}
