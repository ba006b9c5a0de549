package server

import (
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Registry maps display names to live connections, at most one connection
// per name. All mutations happen on the relay event loop; the mutex exists
// for read-only snapshots taken elsewhere (control socket stats).
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*client
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*client),
	}
}

// Register binds the requested name to the connection and returns the final
// name. Whitespace is trimmed; an empty name gets a random placeholder. A
// name that is already live gets the smallest unused #n suffix — collisions
// rename, never reject.
func (r *Registry) Register(requested string, c *client) string {
	name := strings.TrimSpace(requested)
	if name == "" {
		name = "User" + strconv.Itoa(rand.Intn(9000)+1000)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.sessions[name]; taken {
		i := 1
		for {
			candidate := name + "#" + strconv.Itoa(i)
			if _, taken := r.sessions[candidate]; !taken {
				name = candidate
				break
			}
			i++
		}
	}

	r.sessions[name] = c
	return name
}

// Unregister removes the binding if present. No-op for unknown names.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, name)
}

func (r *Registry) Get(name string) (*client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.sessions[name]
	return c, ok
}

// Names returns a case-insensitively sorted snapshot of live names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.sessions))
	for name := range r.sessions {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Slice(names, func(i, j int) bool {
		a, b := strings.ToLower(names[i]), strings.ToLower(names[j])
		if a == b {
			return names[i] < names[j]
		}
		return a < b
	})
	return names
}

// Snapshot returns the live connections at this instant. A session that
// disconnects after the snapshot is simply skipped by its dead send queue.
func (r *Registry) Snapshot() []*client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	clients := make([]*client, 0, len(r.sessions))
	for _, c := range r.sessions {
		clients = append(clients, c)
	}
	return clients
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
