package target

import (
	"sort"
	"strings"
	"sync"
)

// Registry is the process-wide chip catalogue. Reads are shared; a
// pack re-scan swaps that pack's whole slice atomically under the
// write lock.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Descriptor
	byPack map[string][]string // pack name -> device names it contributed
}

// NewRegistry returns an empty registry. Most callers want
// DefaultRegistry instead.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]Descriptor),
		byPack: make(map[string][]string),
	}
}

var (
	defaultOnce sync.Once
	defaultReg  *Registry
)

// DefaultRegistry returns the singleton registry, seeded with the
// built-in chip table on first use.
func DefaultRegistry() *Registry {
	defaultOnce.Do(func() {
		defaultReg = NewRegistry()
		for _, d := range builtinTargets {
			defaultReg.Put(d)
		}
	})
	return defaultReg
}

// Put registers (or replaces) a single descriptor.
func (r *Registry) Put(d Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.putLocked(d)
}

// PutAll replaces everything packName previously contributed with the
// given descriptor set, in one critical section so a concurrent Lookup
// never observes a half-replaced pack.
func (r *Registry) PutAll(packName string, descs []Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range r.byPack[packName] {
		if existing, ok := r.byName[name]; ok && existing.PackName == packName {
			delete(r.byName, name)
		}
	}
	delete(r.byPack, packName)

	for _, d := range descs {
		d.PackName = packName
		r.putLocked(d)
	}
}

func (r *Registry) putLocked(d Descriptor) {
	r.byName[d.Name] = d
	if d.PackName != "" {
		r.byPack[d.PackName] = append(r.byPack[d.PackName], d.Name)
	}
}

// RemovePack drops every descriptor a pack contributed.
func (r *Registry) RemovePack(packName string) {
	r.PutAll(packName, nil)
}

// fallbackAliases maps a series prefix to a sibling series known to
// share its memory map and flash algorithm. Deliberately tiny; this is
// not a general device-name normalizer.
var fallbackAliases = map[string]string{
	"GD32F470": "GD32F407",
	"GD32F450": "GD32F407",
}

// Lookup resolves a chip name to its descriptor. An exact match always
// wins; otherwise the part suffix is stripped one character at a time
// (GD32F470ZGT6 -> GD32F470ZGT -> ... -> GD32F470) and each prefix is
// tried, first directly, then through the alias table.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if d, ok := r.byName[name]; ok {
		return d, true
	}

	upper := strings.ToUpper(name)
	for cut := len(upper); cut >= 6; cut-- {
		prefix := upper[:cut]
		if d, ok := r.byName[prefix]; ok {
			return d, true
		}
		if alias, ok := fallbackAliases[prefix]; ok {
			if d, ok := r.byName[alias]; ok {
				return d, true
			}
		}
	}
	return Descriptor{}, false
}

// List returns every registered descriptor sorted by name.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.byName))
	for _, d := range r.byName {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
