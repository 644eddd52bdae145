// Package registry discovers extractor plugins, checks their optional
// dependencies and publishes an immutable catalog of descriptors.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hyperifyio/metaextract/internal/failure"
	"github.com/hyperifyio/metaextract/internal/plugin"
)

// ErrNotFound is returned by Resolve for an unknown domain.
var ErrNotFound = errors.New("domain not registered")

// DefaultCheckTimeout bounds a single dependency check.
const DefaultCheckTimeout = 5 * time.Second

type entry struct {
	desc plugin.Descriptor
	p    plugin.Plugin
}

type snapshot struct {
	byName map[string]entry
	status []plugin.Descriptor
}

// Registry holds the registration list and the latest discovery snapshot.
// Reads go through an atomic pointer and never block.
type Registry struct {
	plugins      []plugin.Plugin
	CheckTimeout time.Duration

	mu     sync.Mutex
	snap   atomic.Pointer[snapshot]
	logged bool
}

// New creates a registry over the given registration list. Nothing is checked
// until Discover is called.
func New(plugins ...plugin.Plugin) *Registry {
	return &Registry{plugins: plugins, CheckTimeout: DefaultCheckTimeout}
}

// Discover checks every plugin once and returns the descriptors sorted by
// domain. Later calls return the cached snapshot.
func (r *Registry) Discover(ctx context.Context) []plugin.Descriptor {
	if s := r.snap.Load(); s != nil {
		return cloneStatus(s.status)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s := r.snap.Load(); s != nil {
		return cloneStatus(s.status)
	}
	return r.discoverLocked(ctx)
}

// Reload re-checks every plugin and atomically replaces the snapshot.
func (r *Registry) Reload(ctx context.Context) []plugin.Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.discoverLocked(ctx)
}

func (r *Registry) discoverLocked(ctx context.Context) []plugin.Descriptor {
	s := &snapshot{byName: make(map[string]entry, len(r.plugins))}
	for _, p := range r.plugins {
		d := r.inspect(ctx, p)
		if _, dup := s.byName[d.Domain]; dup {
			d.Availability = plugin.Unavailable
			d.Reason = fmt.Sprintf("%v: duplicate domain %q", failure.ErrContractViolation, d.Domain)
			s.status = append(s.status, d)
			log.Warn().Str("domain", d.Domain).Msg("duplicate plugin ignored")
			continue
		}
		s.byName[d.Domain] = entry{desc: d, p: p}
		s.status = append(s.status, d)
	}
	sort.SliceStable(s.status, func(i, j int) bool { return s.status[i].Domain < s.status[j].Domain })
	r.snap.Store(s)

	if !r.logged {
		r.logged = true
		var avail, degraded, unavail int
		for _, d := range s.status {
			switch d.Availability {
			case plugin.Available:
				avail++
			case plugin.Degraded:
				degraded++
				log.Info().Str("domain", d.Domain).Strs("missing", d.Missing).Msg("plugin degraded")
			default:
				unavail++
			}
		}
		log.Info().Int("available", avail).Int("degraded", degraded).Int("unavailable", unavail).Msg("plugins discovered")
	}
	return cloneStatus(s.status)
}

// inspect validates, checks dependencies and initializes one plugin. A panic
// anywhere in the plugin's code marks it unavailable.
func (r *Registry) inspect(ctx context.Context, p plugin.Plugin) (d plugin.Descriptor) {
	name := safeName(p)
	defer func() {
		if rec := recover(); rec != nil {
			d = plugin.Descriptor{Domain: name, Availability: plugin.Unavailable, Reason: fmt.Sprintf("panic: %v", rec)}
			log.Debug().Str("domain", name).Interface("panic", rec).Msg("plugin panicked during discovery")
		}
	}()
	if err := plugin.Validate(p); err != nil {
		return plugin.Descriptor{Domain: name, Availability: plugin.Unavailable, Reason: err.Error()}
	}
	var missing []string
	for _, dep := range p.Dependencies() {
		if err := r.checkDep(ctx, dep); err != nil {
			missing = append(missing, dep.Name)
			log.Debug().Str("domain", name).Str("dependency", dep.Name).Err(err).Msg("optional dependency missing")
		}
	}
	d = plugin.NewDescriptor(p, missing)
	if len(missing) > 0 {
		d.Reason = fmt.Sprintf("%v: %v", failure.ErrDependencyMissing, missing)
	}
	if err := p.Init(missing); err != nil {
		d.Availability = plugin.Unavailable
		d.Reason = fmt.Sprintf("init: %v", err)
		log.Debug().Str("domain", name).Err(err).Msg("plugin init failed")
	}
	return d
}

func (r *Registry) checkDep(ctx context.Context, dep plugin.Dependency) error {
	timeout := r.CheckTimeout
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return dep.Check(pctx)
}

func safeName(p plugin.Plugin) (name string) {
	defer func() {
		if recover() != nil {
			name = "unknown"
		}
	}()
	if p == nil {
		return "unknown"
	}
	return p.Name()
}

// Resolve returns the descriptor for domain, including unavailable ones.
func (r *Registry) Resolve(domain string) (plugin.Descriptor, error) {
	s := r.snap.Load()
	if s == nil {
		return plugin.Descriptor{}, fmt.Errorf("%w: %s (registry not discovered)", ErrNotFound, domain)
	}
	e, ok := s.byName[domain]
	if !ok {
		return plugin.Descriptor{}, fmt.Errorf("%w: %s", ErrNotFound, domain)
	}
	return e.desc, nil
}

// IsAvailable is true for Available and Degraded plugins.
func (r *Registry) IsAvailable(domain string) bool {
	d, err := r.Resolve(domain)
	return err == nil && d.Availability != plugin.Unavailable
}

// Plugin returns the implementation for a usable domain.
func (r *Registry) Plugin(domain string) (plugin.Plugin, plugin.Descriptor, bool) {
	s := r.snap.Load()
	if s == nil {
		return nil, plugin.Descriptor{}, false
	}
	e, ok := s.byName[domain]
	if !ok || e.desc.Availability == plugin.Unavailable {
		return nil, e.desc, false
	}
	return e.p, e.desc, true
}

// Status returns every descriptor sorted by domain.
func (r *Registry) Status() []plugin.Descriptor {
	s := r.snap.Load()
	if s == nil {
		return nil
	}
	return cloneStatus(s.status)
}

// Domains lists usable domains in sorted order.
func (r *Registry) Domains() []string {
	var out []string
	for _, d := range r.Status() {
		if d.Availability != plugin.Unavailable {
			out = append(out, d.Domain)
		}
	}
	return out
}

func cloneStatus(in []plugin.Descriptor) []plugin.Descriptor {
	return append([]plugin.Descriptor(nil), in...)
}
