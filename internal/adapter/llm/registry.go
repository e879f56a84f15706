package llm

import (
	"fmt"
	"sync"

	"llm-relay/internal/domain"
)

// Registry event kinds, delivered to subscribers on availability changes.
const (
	VendorRegistered = "registered"
	VendorRemoved    = "removed"
)

// RegistryEvent describes one vendor availability change.
type RegistryEvent struct {
	Vendor string
	Kind   string
}

type registrySub struct {
	id uint64
	fn func(RegistryEvent)
}

// Registry manages named chat providers. Registration order is preserved
// for listing, which downstream selection logic depends on.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]domain.ChatProvider
	order     []string
	subs      []registrySub
	nextSub   uint64
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]domain.ChatProvider),
	}
}

// Register binds a provider under a vendor name. A second registration for
// the same name is a conflict. The returned dispose func removes exactly
// this binding; it is idempotent and a no-op when the name has since been
// rebound to a different provider.
func (r *Registry) Register(name string, provider domain.ChatProvider) (func(), error) {
	r.mu.Lock()
	if _, exists := r.providers[name]; exists {
		r.mu.Unlock()
		return nil, domain.NewDomainError("Registry.Register", domain.ErrVendorExists, fmt.Sprintf("vendor '%s'", name))
	}
	r.providers[name] = provider
	r.order = append(r.order, name)
	subs := r.snapshotSubsLocked()
	r.mu.Unlock()

	notify(subs, RegistryEvent{Vendor: name, Kind: VendorRegistered})

	var once sync.Once
	dispose := func() {
		once.Do(func() { r.remove(name, provider) })
	}
	return dispose, nil
}

// Get returns the provider bound to a vendor name.
func (r *Registry) Get(name string) (domain.ChatProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, domain.NewDomainError("Registry.Get", domain.ErrVendorNotFound, fmt.Sprintf("vendor '%s'", name))
	}
	return p, nil
}

// List returns vendor names in registration order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Subscribe adds a callback for availability changes and returns an
// unsubscribe func. Callbacks run synchronously on the mutating goroutine,
// outside the registry lock; subscribers that block should hand off to
// their own goroutine.
func (r *Registry) Subscribe(fn func(RegistryEvent)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextSub
	r.nextSub++
	r.subs = append(r.subs, registrySub{id: id, fn: fn})
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, s := range r.subs {
			if s.id == id {
				r.subs = append(r.subs[:i], r.subs[i+1:]...)
				return
			}
		}
	}
}

// remove deletes the binding only if it still points at the given provider,
// so a stale dispose handle cannot evict a successor registration.
func (r *Registry) remove(name string, provider domain.ChatProvider) {
	r.mu.Lock()
	current, ok := r.providers[name]
	if !ok || current != provider {
		r.mu.Unlock()
		return
	}
	delete(r.providers, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	subs := r.snapshotSubsLocked()
	r.mu.Unlock()

	notify(subs, RegistryEvent{Vendor: name, Kind: VendorRemoved})
}

func (r *Registry) snapshotSubsLocked() []registrySub {
	out := make([]registrySub, len(r.subs))
	copy(out, r.subs)
	return out
}

func notify(subs []registrySub, evt RegistryEvent) {
	for _, s := range subs {
		s.fn(evt)
	}
}
