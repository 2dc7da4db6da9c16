package pipelining

import (
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/konstantinmiller/dashp2p/internal/models"
)

// RequestInfo is a snapshot of a registered request.
type RequestInfo struct {
	ID            int64
	ConnID        int64
	Target        models.SegmentID
	URL           *url.URL
	Method        models.Method
	Received      int64
	ContentLength int64
}

// Registry maps request ids to live requests. Ids are allocated
// monotonically. It is shared by the coordinator, the clients and the
// adaptation controller.
type Registry struct {
	next atomic.Int64

	mu       sync.RWMutex
	requests map[int64]*Request
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{requests: make(map[int64]*Request)}
}

// NextID allocates a request id.
func (r *Registry) NextID() int64 {
	return r.next.Add(1)
}

// Register adds a request. An existing request with the same id is replaced.
func (r *Registry) Register(req *Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests[req.ID] = req
}

// Remove drops a request.
func (r *Registry) Remove(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.requests, id)
}

// RemoveConnection drops every request owned by a connection.
func (r *Registry) RemoveConnection(connID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, req := range r.requests {
		if req.ConnID == connID {
			delete(r.requests, id)
		}
	}
}

// Lookup returns a snapshot of a request.
func (r *Registry) Lookup(id int64) (RequestInfo, bool) {
	r.mu.RLock()
	req, ok := r.requests[id]
	r.mu.RUnlock()
	if !ok {
		return RequestInfo{}, false
	}
	return RequestInfo{
		ID:            req.ID,
		ConnID:        req.ConnID,
		Target:        req.Target,
		URL:           req.URL,
		Method:        req.Method,
		Received:      req.Received(),
		ContentLength: req.ContentLength(),
	}, true
}

// Len returns the number of registered requests.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.requests)
}
