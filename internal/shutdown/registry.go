package shutdown

import (
	"net"
	"net/http"
	"sync"
)

// Registry is the set of open inbound connections. It is fed by the
// http.Server ConnState hook and drained by the Sequencer.
type Registry struct {
	mu       sync.Mutex
	conns    map[net.Conn]http.ConnState
	empty    chan struct{} // closed while the registry is empty
	closing  bool
	onChange func(n int)
}

// NewRegistry creates an empty registry. onChange, if set, is called with
// the new size after every change, outside the lock.
func NewRegistry(onChange func(n int)) *Registry {
	empty := make(chan struct{})
	close(empty)
	return &Registry{
		conns:    make(map[net.Conn]http.ConnState),
		empty:    empty,
		onChange: onChange,
	}
}

// Track is an http.Server ConnState hook.
func (r *Registry) Track(c net.Conn, state http.ConnState) {
	r.mu.Lock()
	var closeNow bool
	switch state {
	case http.StateNew, http.StateActive, http.StateIdle:
		if len(r.conns) == 0 {
			r.empty = make(chan struct{})
		}
		r.conns[c] = state
		// once closing, connections are not allowed to sit idle
		closeNow = r.closing && state != http.StateActive
	case http.StateHijacked, http.StateClosed:
		r.remove(c)
	}
	n := len(r.conns)
	r.mu.Unlock()

	if closeNow {
		c.Close()
	}
	r.notify(n)
}

// remove must be called with mu held.
func (r *Registry) remove(c net.Conn) {
	if _, ok := r.conns[c]; !ok {
		return
	}
	delete(r.conns, c)
	if len(r.conns) == 0 {
		close(r.empty)
	}
}

func (r *Registry) notify(n int) {
	if r.onChange != nil {
		r.onChange(n)
	}
}

// Len returns the number of open connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Empty returns a channel that is closed once the registry is empty. A new
// channel is handed out after the registry gains a connection again.
func (r *Registry) Empty() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.empty
}

// EndIdle puts the registry in closing mode and closes every connection that
// is not serving a request. Active connections are closed as soon as they go
// idle. It returns the number of connections closed.
func (r *Registry) EndIdle() int {
	r.mu.Lock()
	r.closing = true
	var idle []net.Conn
	for c, state := range r.conns {
		if state != http.StateActive {
			idle = append(idle, c)
			r.remove(c)
		}
	}
	n := len(r.conns)
	r.mu.Unlock()

	for _, c := range idle {
		c.Close()
	}
	r.notify(n)
	return len(idle)
}

// DestroyAll closes every remaining connection, in flight or not, and
// returns how many there were.
func (r *Registry) DestroyAll() int {
	r.mu.Lock()
	r.closing = true
	all := make([]net.Conn, 0, len(r.conns))
	for c := range r.conns {
		all = append(all, c)
		r.remove(c)
	}
	r.mu.Unlock()

	for _, c := range all {
		c.Close()
	}
	r.notify(0)
	return len(all)
}
