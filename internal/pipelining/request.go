package pipelining

import (
	"net/url"
	"sync/atomic"
	"time"

	"github.com/konstantinmiller/dashp2p/internal/models"
)

// Request is one HTTP request on a pipelined connection. It is owned by the
// connection's queue until it completes, then handed to the Sink.
type Request struct {
	ID         int64
	ConnID     int64
	Target     models.SegmentID
	URL        *url.URL
	Method     models.Method
	Pipelining bool

	// Parsed response header.
	Status          int
	Location        string
	ConnectionClose bool

	// Timestamps; the zero time means "not yet".
	SentAt      time.Time
	FirstByteAt time.Time
	LastByteAt  time.Time

	header     []byte
	headerDone bool
	payload    []byte

	received      atomic.Int64
	contentLength atomic.Int64
}

// NewRequest creates a request. Pipelining is allowed by default.
func NewRequest(id int64, target models.SegmentID, u *url.URL, method models.Method) *Request {
	r := &Request{
		ID:         id,
		Target:     target,
		URL:        u,
		Method:     method,
		Pipelining: true,
	}
	r.contentLength.Store(-1)
	return r
}

// Sent reports whether the request has been written to the socket.
func (r *Request) Sent() bool {
	return !r.SentAt.IsZero()
}

// HeaderComplete reports whether the full response header arrived.
func (r *Request) HeaderComplete() bool {
	return r.headerDone
}

// Received returns the number of payload bytes received so far.
func (r *Request) Received() int64 {
	return r.received.Load()
}

// ContentLength returns the declared payload length, or -1 if unknown.
func (r *Request) ContentLength() int64 {
	return r.contentLength.Load()
}

// Header returns the raw response header bytes.
func (r *Request) Header() []byte {
	return r.header
}

// Payload returns the payload bytes received so far.
func (r *Request) Payload() []byte {
	return r.payload[:r.Received()]
}

// Redirected reports whether the server answered with a redirect.
func (r *Request) Redirected() bool {
	return r.headerDone && r.Status == statusFound
}

// expectsPayload reports whether payload bytes follow the header.
func (r *Request) expectsPayload() bool {
	return r.Method == models.MethodGet && r.Status == statusOK
}

// Complete reports whether the response has fully arrived: for GET the
// header and every declared payload byte, for HEAD and redirects the
// header alone.
func (r *Request) Complete() bool {
	if !r.headerDone {
		return false
	}
	if !r.expectsPayload() {
		return true
	}
	return r.Received() == r.ContentLength()
}

// SetPayload installs a complete response payload, marking the header as
// parsed. It builds finished requests without a connection, as when
// replaying recorded sessions.
func (r *Request) SetPayload(b []byte) {
	r.headerDone = true
	r.payload = b
	r.received.Store(int64(len(b)))
	r.contentLength.Store(int64(len(b)))
}

// Duration returns the time from sending to the last byte.
func (r *Request) Duration() time.Duration {
	if r.SentAt.IsZero() || r.LastByteAt.IsZero() {
		return 0
	}
	return r.LastByteAt.Sub(r.SentAt)
}

// resetForResend clears the send state of a request the server will not
// answer on this connection.
func (r *Request) resetForResend() {
	r.SentAt = time.Time{}
}
