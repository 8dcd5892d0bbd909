package signaling

import (
	"sync"

	"github.com/wilsonzlin/aero/proxy/geoshare/internal/protocol"
)

// Registry maps fingerprints to their live relay connection. At most one
// connection is registered per fingerprint.
type Registry struct {
	mu    sync.Mutex
	conns map[protocol.Fingerprint]*Conn
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[protocol.Fingerprint]*Conn)}
}

// Register installs c for fp and returns the connection it replaced, if any.
func (r *Registry) Register(fp protocol.Fingerprint, c *Conn) (replaced *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	replaced = r.conns[fp]
	if replaced == c {
		replaced = nil
	}
	r.conns[fp] = c
	return replaced
}

// Remove deletes fp only while it still maps to c, so a closing connection
// never evicts the reconnect that replaced it.
func (r *Registry) Remove(fp protocol.Fingerprint, c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conns[fp]; !ok || cur != c {
		return false
	}
	delete(r.conns, fp)
	return true
}

func (r *Registry) Lookup(fp protocol.Fingerprint) (*Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[fp]
	return c, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// drain empties the registry and returns what it held.
func (r *Registry) drain() []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Conn, 0, len(r.conns))
	for fp, c := range r.conns {
		out = append(out, c)
		delete(r.conns, fp)
	}
	return out
}
