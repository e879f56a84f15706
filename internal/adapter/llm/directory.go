package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"llm-relay/internal/domain"
)

// directorySnapshot is an immutable view of every vendor's advertised
// models. Readers load the current snapshot atomically and never block on
// writers; writers build a replacement and swap it in whole.
type directorySnapshot struct {
	vendors []string                            // vendors with a snapshot, in registration order
	models  map[string][]domain.ModelDescriptor // vendor -> advertised models
	index   map[string]string                   // model ID -> owning vendor
}

type directorySub struct {
	id uint64
	fn func()
}

// Directory caches each vendor's model list and resolves model IDs to
// providers. A refresh replaces a vendor's snapshot wholesale, so a probe
// that legitimately returns nothing clears that vendor's entries.
type Directory struct {
	registry *Registry
	logger   *slog.Logger

	snap    atomic.Pointer[directorySnapshot]
	writeMu sync.Mutex // serializes snapshot writers

	subMu   sync.Mutex
	subs    []directorySub
	nextSub uint64
}

// NewDirectory creates an empty directory over a provider registry.
func NewDirectory(registry *Registry, logger *slog.Logger) *Directory {
	d := &Directory{
		registry: registry,
		logger:   logger,
	}
	d.snap.Store(&directorySnapshot{
		models: make(map[string][]domain.ModelDescriptor),
		index:  make(map[string]string),
	})
	return d
}

// Refresh probes one vendor and replaces its model snapshot. On probe
// failure the previous snapshot stays in place and the error is returned,
// so a transient outage never wipes a usable catalog.
func (d *Directory) Refresh(ctx context.Context, vendor string) error {
	provider, err := d.registry.Get(vendor)
	if err != nil {
		return err
	}

	models, err := provider.Models(ctx)
	if err != nil {
		return domain.WrapOp("Directory.Refresh", err)
	}
	normalized := d.normalize(vendor, models)

	d.writeMu.Lock()
	cur := d.snap.Load()
	next := make(map[string][]domain.ModelDescriptor, len(cur.models)+1)
	for v, m := range cur.models {
		next[v] = m
	}
	next[vendor] = normalized
	d.snap.Store(d.rebuild(next))
	d.writeMu.Unlock()

	d.logger.Debug("model snapshot refreshed", "vendor", vendor, "models", len(normalized))
	d.notify()
	return nil
}

// RefreshAll refreshes every registered vendor in registration order. One
// vendor failing does not stop the others; the joined errors are returned.
func (d *Directory) RefreshAll(ctx context.Context) error {
	var errs []error
	for _, vendor := range d.registry.List() {
		if err := d.Refresh(ctx, vendor); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Drop removes a vendor's snapshot, typically after the vendor is
// unregistered. Unknown vendors are a no-op.
func (d *Directory) Drop(vendor string) {
	d.writeMu.Lock()
	cur := d.snap.Load()
	if _, ok := cur.models[vendor]; !ok {
		d.writeMu.Unlock()
		return
	}
	next := make(map[string][]domain.ModelDescriptor, len(cur.models))
	for v, m := range cur.models {
		if v != vendor {
			next[v] = m
		}
	}
	d.snap.Store(d.rebuild(next))
	d.writeMu.Unlock()

	d.logger.Debug("model snapshot dropped", "vendor", vendor)
	d.notify()
}

// Resolve maps a model ID to its provider and descriptor.
func (d *Directory) Resolve(modelID string) (domain.ChatProvider, domain.ModelDescriptor, error) {
	snap := d.snap.Load()
	vendor, ok := snap.index[modelID]
	if !ok {
		return nil, domain.ModelDescriptor{}, domain.NewDomainError("Directory.Resolve", domain.ErrModelNotFound, fmt.Sprintf("model '%s'", modelID))
	}

	var desc domain.ModelDescriptor
	for _, m := range snap.models[vendor] {
		if m.ID == modelID {
			desc = m
			break
		}
	}

	provider, err := d.registry.Get(vendor)
	if err != nil {
		// Vendor unregistered after this snapshot was taken.
		return nil, domain.ModelDescriptor{}, err
	}
	return provider, desc, nil
}

// SelectDefault picks the model to use when the caller names none: the
// first descriptor marked default, scanning vendors in registration order,
// falling back to the first model of the first non-empty vendor.
func (d *Directory) SelectDefault() (domain.ModelDescriptor, error) {
	snap := d.snap.Load()
	for _, vendor := range snap.vendors {
		for _, m := range snap.models[vendor] {
			if m.Default {
				return m, nil
			}
		}
	}
	for _, vendor := range snap.vendors {
		if models := snap.models[vendor]; len(models) > 0 {
			return models[0], nil
		}
	}
	return domain.ModelDescriptor{}, domain.NewDomainError("Directory.SelectDefault", domain.ErrNoModels, "")
}

// Models returns every advertised model, vendors in registration order.
func (d *Directory) Models() []domain.ModelDescriptor {
	snap := d.snap.Load()
	var out []domain.ModelDescriptor
	for _, vendor := range snap.vendors {
		out = append(out, snap.models[vendor]...)
	}
	return out
}

// Subscribe adds a callback invoked after every snapshot change and returns
// an unsubscribe func. Callbacks run synchronously; re-query through
// Models or Resolve to observe the new state.
func (d *Directory) Subscribe(fn func()) func() {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	id := d.nextSub
	d.nextSub++
	d.subs = append(d.subs, directorySub{id: id, fn: fn})
	return func() {
		d.subMu.Lock()
		defer d.subMu.Unlock()
		for i, s := range d.subs {
			if s.id == id {
				d.subs = append(d.subs[:i], d.subs[i+1:]...)
				return
			}
		}
	}
}

// normalize stamps the vendor onto each descriptor and enforces at most one
// default per vendor, keeping the first and clearing the rest.
func (d *Directory) normalize(vendor string, models []domain.ModelDescriptor) []domain.ModelDescriptor {
	out := make([]domain.ModelDescriptor, len(models))
	seenDefault := false
	for i, m := range models {
		m.Vendor = vendor
		if m.Default {
			if seenDefault {
				d.logger.Warn("clearing extra default flag", "vendor", vendor, "model", m.ID)
				m.Default = false
			}
			seenDefault = true
		}
		out[i] = m
	}
	return out
}

// rebuild assembles a fresh snapshot from a vendor->models map. Vendor
// order follows current registration order; on duplicate model IDs the
// earlier-registered vendor keeps the binding and the shadowed entry is
// logged.
func (d *Directory) rebuild(models map[string][]domain.ModelDescriptor) *directorySnapshot {
	order := d.registry.List()
	vendors := make([]string, 0, len(models))
	for _, v := range order {
		if _, ok := models[v]; ok {
			vendors = append(vendors, v)
		}
	}
	// A vendor may have been unregistered but not yet dropped; keep its
	// snapshot resolvable by appending it after the registered ones.
	for v := range models {
		if !slices.Contains(vendors, v) {
			vendors = append(vendors, v)
		}
	}

	index := make(map[string]string)
	for _, v := range vendors {
		for _, m := range models[v] {
			if owner, dup := index[m.ID]; dup {
				d.logger.Warn("model id shadowed by earlier vendor", "model", m.ID, "vendor", v, "owner", owner)
				continue
			}
			index[m.ID] = v
		}
	}
	return &directorySnapshot{vendors: vendors, models: models, index: index}
}

func (d *Directory) notify() {
	d.subMu.Lock()
	subs := make([]directorySub, len(d.subs))
	copy(subs, d.subs)
	d.subMu.Unlock()
	for _, s := range subs {
		s.fn()
	}
}
