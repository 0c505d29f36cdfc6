// Package radio carries ring envelopes over short range wireless.
//
// The OS binding (a BLE peripheral/central) lives behind Driver. Every
// callback the binding receives becomes an Event on a channel, and a
// single goroutine in Transport applies the state transitions and
// performs the follow-up calls. Nothing happens inside the callback.
package radio

import (
	"context"
	"errors"
	"fmt"
)

// GATT layout shared by every binding.
const (
	ServiceUUID   = "6c9a0001-2f4b-4d8e-9c1a-7e3b5d0c1a01"
	WriteCharUUID = "6c9a0002-2f4b-4d8e-9c1a-7e3b5d0c1a01"

	// LocalNamePrefix precedes the rotating token in the advertised name.
	LocalNamePrefix = "ClipRing-"
)

var (
	ErrRadioOff        = errors.New("radio: adapter is off")
	ErrPeerUnreachable = errors.New("radio: peer unreachable")
	ErrNotStarted      = errors.New("radio: transport not started")
)

// State is the adapter lifecycle as seen by the transport.
type State uint8

const (
	StateOff State = iota
	StateOn
	StateServiceRegistered
	StateAdvertising
)

func (s State) String() string {
	switch s {
	case StateOff:
		return "off"
	case StateOn:
		return "on"
	case StateServiceRegistered:
		return "service-registered"
	case StateAdvertising:
		return "advertising"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// EventKind names a driver callback.
type EventKind uint8

const (
	EventPoweredOn EventKind = iota + 1
	EventPoweredOff
	EventServiceAdded
	EventAdvertisingStarted
	// EventDiscovered reports a nearby advertiser and its local name.
	EventDiscovered
	// EventWrite carries bytes a remote device wrote to our characteristic.
	EventWrite
)

func (k EventKind) String() string {
	switch k {
	case EventPoweredOn:
		return "powered-on"
	case EventPoweredOff:
		return "powered-off"
	case EventServiceAdded:
		return "service-added"
	case EventAdvertisingStarted:
		return "advertising-started"
	case EventDiscovered:
		return "discovered"
	case EventWrite:
		return "write"
	default:
		return fmt.Sprintf("event(%d)", uint8(k))
	}
}

// Event is one driver callback. Err is set when an asynchronous
// request (service registration, advertising) failed.
type Event struct { // A
	Kind      EventKind
	Err       error
	Peer      string
	LocalName string
	Data      []byte
}

// Driver is the OS radio binding. Requests are asynchronous: their
// outcome arrives later as an Event on the channel given to Open.
type Driver interface {
	// Open starts delivering callbacks on events, beginning with the
	// current power state. It may be called again after Close.
	Open(events chan<- Event) error
	AddService() error
	StartAdvertising(localName string) error
	StopAdvertising() error
	// Write sends data to the write characteristic of peer.
	Write(ctx context.Context, peer string, data []byte) error
	Close() error
}

// Transition returns the state after ev in s. Events that do not move
// the lifecycle, or arrive in the wrong state, leave s unchanged.
func Transition(s State, ev Event) State { // A
	switch ev.Kind {
	case EventPoweredOff:
		return StateOff
	case EventPoweredOn:
		if s == StateOff {
			return StateOn
		}
	case EventServiceAdded:
		if s == StateOn && ev.Err == nil {
			return StateServiceRegistered
		}
	case EventAdvertisingStarted:
		if s == StateServiceRegistered && ev.Err == nil {
			return StateAdvertising
		}
	}
	return s
}
