// Package control defines the events and actions exchanged between the
// coordinator, the rate-adaptation controller and the pipelined HTTP clients.
//
// Both are closed sum types: the unexported marker methods keep other
// packages from adding variants, so a type switch over the variants below
// is exhaustive.
package control

import (
	"github.com/konstantinmiller/dashp2p/internal/models"
)

// Event is consumed exactly once by the coordinator.
type Event interface {
	isEvent()
	Kind() string
}

// StartPlayback begins a playback session.
type StartPlayback struct {
	ManifestURL string
}

// DataReceived reports bytes of a response, or a header-only completion
// when Range is empty.
type DataReceived struct {
	ConnID    int64
	RequestID int64
	Target    models.SegmentID
	Method    models.Method
	Status    int
	// Range is the newly copied payload range. Empty for header-only events.
	Range models.ByteInterval
	// Data holds exactly the bytes of Range.
	Data          []byte
	ContentLength int64
	HeaderOnly    bool
	Completed     bool
	// Location is set for redirects.
	Location string
	// Availability is filled in by the coordinator after the bytes reached
	// the buffer.
	Availability models.Availability
}

// Disconnect reports that a connection stopped accepting requests.
// RequestIDs lists every request still queued, in submission order.
type Disconnect struct {
	ConnID     int64
	RequestIDs []int64
	// Rejected marks requests a closing connection refused. The connection
	// reports its own Disconnect later.
	Rejected bool
}

// DataPlayed reports that the playback consumer pulled bytes.
type DataPlayed struct {
	Availability models.Availability
}

func (StartPlayback) isEvent() {}
func (DataReceived) isEvent()  {}
func (Disconnect) isEvent()    {}
func (DataPlayed) isEvent()    {}

// Kind returns the event name used in logs.
func (StartPlayback) Kind() string { return "start_playback" }

// Kind returns the event name used in logs.
func (DataReceived) Kind() string { return "data_received" }

// Kind returns the event name used in logs.
func (Disconnect) Kind() string { return "disconnect" }

// Kind returns the event name used in logs.
func (DataPlayed) Kind() string { return "data_played" }

// Redirected reports whether the response was a redirect.
func (e DataReceived) Redirected() bool {
	return e.Status == 302
}
