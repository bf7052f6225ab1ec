package tunnel

import (
	"net"
	"sort"
	"strconv"
	"sync"

	"github.com/pkg/errors"
)

// Key identifies a tunnel by its remote target.
type Key struct {
	Host string
	Port int
}

// String returns the key as "host:port".
func (k Key) String() string {
	return net.JoinHostPort(k.Host, strconv.Itoa(k.Port))
}

// registry maps remote targets to active tunnels.
//
// Keys being created are held in pending so concurrent creates for the same target
// conflict, but they are invisible to lookups until committed: a committed entry
// always has a listening Forwarder.
type registry struct {
	mu      sync.Mutex
	tunnels map[Key]*Tunnel
	pending map[Key]struct{}
}

func newRegistry() *registry {
	return &registry{
		tunnels: make(map[Key]*Tunnel),
		pending: make(map[Key]struct{}),
	}
}

// reserve claims k for a tunnel being created.
func (r *registry) reserve(k Key) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tunnels[k]; ok {
		return errors.Wrapf(ErrTunnelExists, "%s", k)
	}
	if _, ok := r.pending[k]; ok {
		return errors.Wrapf(ErrTunnelExists, "%s is being created", k)
	}
	r.pending[k] = struct{}{}
	return nil
}

// release drops a reservation that was never committed.
func (r *registry) release(k Key) {
	r.mu.Lock()
	delete(r.pending, k)
	r.mu.Unlock()
}

// commit turns the reservation for k into an active entry.
func (r *registry) commit(k Key, t *Tunnel) {
	r.mu.Lock()
	delete(r.pending, k)
	r.tunnels[k] = t
	r.mu.Unlock()
}

func (r *registry) lookup(k Key) (*Tunnel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tunnels[k]
	return t, ok
}

// remove deletes and returns the entry for k.
func (r *registry) remove(k Key) (*Tunnel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tunnels[k]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownTunnel, "%s", k)
	}
	delete(r.tunnels, k)
	return t, nil
}

// removeIf deletes the entry for k only if it is still t.
func (r *registry) removeIf(k Key, t *Tunnel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.tunnels[k]; !ok || cur != t {
		return false
	}
	delete(r.tunnels, k)
	return true
}

// snapshot returns the active tunnels ordered by key.
func (r *registry) snapshot() []*Tunnel {
	r.mu.Lock()
	ts := make([]*Tunnel, 0, len(r.tunnels))
	for _, t := range r.tunnels {
		ts = append(ts, t)
	}
	r.mu.Unlock()

	sort.Slice(ts, func(i, j int) bool {
		if ts[i].key.Host != ts[j].key.Host {
			return ts[i].key.Host < ts[j].key.Host
		}
		return ts[i].key.Port < ts[j].key.Port
	})
	return ts
}
