package convai

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Registry maps logical agent keys to endpoints. It is safe for concurrent use.
type Registry struct {
	opts []Option

	mu        sync.RWMutex
	endpoints map[string]Endpoint
}

// NewRegistry creates an empty registry. opts are applied to every Connect.
func NewRegistry(opts ...Option) *Registry {
	return &Registry{
		opts:      opts,
		endpoints: make(map[string]Endpoint),
	}
}

// Register adds or replaces the endpoint for key.
func (r *Registry) Register(key string, ep Endpoint) {
	r.mu.Lock()
	r.endpoints[key] = ep
	r.mu.Unlock()
}

// Lookup returns the endpoint registered for key.
func (r *Registry) Lookup(key string) (Endpoint, error) {
	r.mu.RLock()
	ep, ok := r.endpoints[key]
	r.mu.RUnlock()
	if !ok {
		return Endpoint{}, fmt.Errorf("%w: %s", ErrAgentNotFound, key)
	}
	return ep, nil
}

// Keys returns the registered keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.endpoints))
	for k := range r.endpoints {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Connect dials the agent registered under key.
func (r *Registry) Connect(ctx context.Context, key string, init *InitiationData, opts ...Option) (*Conn, error) {
	ep, err := r.Lookup(key)
	if err != nil {
		return nil, err
	}
	all := make([]Option, 0, len(r.opts)+len(opts))
	all = append(all, r.opts...)
	all = append(all, opts...)
	return Dial(ctx, ep, init, all...)
}

// PendingInitiations holds initiation data for calls that have not started
// streaming yet. Each entry is handed out at most once.
type PendingInitiations struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]pendingEntry
}

type pendingEntry struct {
	data    *InitiationData
	expires time.Time
}

// NewPendingInitiations creates a store. Entries older than ttl are discarded
// on access; a zero ttl keeps entries until taken.
func NewPendingInitiations(ttl time.Duration) *PendingInitiations {
	return &PendingInitiations{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]pendingEntry),
	}
}

// Put stores data for callSID, replacing any earlier entry.
func (p *PendingInitiations) Put(callSID string, data *InitiationData) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry := pendingEntry{data: data}
	if p.ttl > 0 {
		entry.expires = p.now().Add(p.ttl)
	}
	p.entries[callSID] = entry
	p.sweepLocked()
}

// Take removes and returns the data stored for callSID.
func (p *PendingInitiations) Take(callSID string) (*InitiationData, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.entries[callSID]
	if !ok {
		return nil, false
	}
	delete(p.entries, callSID)
	if p.expired(entry) {
		return nil, false
	}
	return entry.data, true
}

// Len returns the number of live entries.
func (p *PendingInitiations) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sweepLocked()
	return len(p.entries)
}

func (p *PendingInitiations) expired(e pendingEntry) bool {
	return !e.expires.IsZero() && p.now().After(e.expires)
}

func (p *PendingInitiations) sweepLocked() {
	if p.ttl <= 0 {
		return
	}
	for k, e := range p.entries {
		if p.expired(e) {
			delete(p.entries, k)
		}
	}
}
