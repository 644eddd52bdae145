// Package plugin defines the contract every format extractor implements and
// the descriptor the registry publishes for it.
package plugin

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/hyperifyio/metaextract/internal/failure"
	"github.com/hyperifyio/metaextract/internal/stream"
)

// Dependency is an optional capability a plugin can use when present. Check
// returns nil when the capability is usable.
type Dependency struct {
	Name  string
	Check func(ctx context.Context) error
}

// FieldSpec declares one output field. Requires names the optional
// dependency that unlocks the field; empty means always produced. Tier is the
// lowest request tier allowed to see the field.
type FieldSpec struct {
	Name     string
	Tier     Tier
	Requires string
}

// Plugin is implemented by every extractor. Implementations must be safe for
// concurrent Extract calls once Init has returned.
type Plugin interface {
	// Name is the domain key, lowercase snake_case and stable.
	Name() string
	// Fields lists every field in output order for a fully available plugin.
	Fields() []FieldSpec
	// Dependencies lists optional capabilities to check at discovery.
	Dependencies() []Dependency
	// Accepts reports whether the plugin applies to a file when the caller
	// did not request domains explicitly.
	Accepts(name, mime string) bool
	// Init is called once per discovery with the names of missing
	// dependencies. An error marks the plugin unavailable.
	Init(missing []string) error
	// Extract produces fields for one file. Keys must be a subset of the
	// descriptor's field list.
	Extract(ctx context.Context, in *Input) (*Fields, error)
}

// CPUBound is optionally implemented by plugins whose work is dominated by
// computation rather than I/O. The flag is static; the engine only acts on it
// when configured to run CPU-bound domains in worker processes.
type CPUBound interface {
	CPUBound() bool
}

// Descriptor is the registry's immutable view of one plugin.
type Descriptor struct {
	Domain       string       `json:"domain"`
	Fields       []string     `json:"fields"`
	Requires     []string     `json:"requires,omitempty"`
	Missing      []string     `json:"missing,omitempty"`
	Availability Availability `json:"availability"`
	Reason       string       `json:"reason,omitempty"`
	CPUBound     bool         `json:"cpu_bound"`

	tiers map[string]Tier
}

// NewDescriptor builds a descriptor from the plugin's declared fields, keeping
// only fields whose required dependency is not missing.
func NewDescriptor(p Plugin, missing []string) Descriptor {
	miss := make(map[string]bool, len(missing))
	for _, m := range missing {
		miss[m] = true
	}
	d := Descriptor{
		Domain:       p.Name(),
		Availability: Available,
		tiers:        make(map[string]Tier),
	}
	for _, dep := range p.Dependencies() {
		d.Requires = append(d.Requires, dep.Name)
	}
	for _, f := range p.Fields() {
		if f.Requires != "" && miss[f.Requires] {
			continue
		}
		d.Fields = append(d.Fields, f.Name)
		d.tiers[f.Name] = f.Tier
	}
	if len(missing) > 0 {
		d.Missing = append([]string(nil), missing...)
		d.Availability = Degraded
	}
	if c, ok := p.(CPUBound); ok {
		d.CPUBound = c.CPUBound()
	}
	return d
}

// Allows reports whether field is part of the descriptor's field list.
func (d Descriptor) Allows(field string) bool {
	_, ok := d.tiers[field]
	return ok
}

// FieldTier returns the minimum tier for field.
func (d Descriptor) FieldTier(field string) Tier {
	return d.tiers[field]
}

var nameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Validate checks the static parts of the contract.
func Validate(p Plugin) error {
	if p == nil {
		return fmt.Errorf("%w: nil plugin", failure.ErrContractViolation)
	}
	name := p.Name()
	if !nameRe.MatchString(name) {
		return fmt.Errorf("%w: invalid domain name %q", failure.ErrContractViolation, name)
	}
	fields := p.Fields()
	if len(fields) == 0 {
		return fmt.Errorf("%w: %s declares no fields", failure.ErrContractViolation, name)
	}
	deps := make(map[string]bool)
	for _, d := range p.Dependencies() {
		if strings.TrimSpace(d.Name) == "" || d.Check == nil {
			return fmt.Errorf("%w: %s has an unnamed or unchecked dependency", failure.ErrContractViolation, name)
		}
		deps[d.Name] = true
	}
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if strings.TrimSpace(f.Name) == "" {
			return fmt.Errorf("%w: %s has an empty field name", failure.ErrContractViolation, name)
		}
		if seen[f.Name] {
			return fmt.Errorf("%w: %s declares field %q twice", failure.ErrContractViolation, name, f.Name)
		}
		if f.Requires != "" && !deps[f.Requires] {
			return fmt.Errorf("%w: %s field %q requires undeclared dependency %q", failure.ErrContractViolation, name, f.Name, f.Requires)
		}
		seen[f.Name] = true
	}
	return nil
}

// CheckOutput verifies fields against the descriptor.
func CheckOutput(d Descriptor, fields *Fields) error {
	if fields == nil {
		return fmt.Errorf("%w: %s returned no field map", failure.ErrContractViolation, d.Domain)
	}
	for _, k := range fields.Keys() {
		if !d.Allows(k) {
			return fmt.Errorf("%w: %s produced undeclared field %q", failure.ErrContractViolation, d.Domain, k)
		}
	}
	return nil
}

// Input is the file handed to a plugin. Streams opened through Open are
// tracked so the caller can release them even if the plugin forgets to.
type Input struct {
	Path    string
	Name    string
	Size    int64
	MIME    string
	Options map[string]string
	Stream  stream.Config

	mu   sync.Mutex
	open []*stream.Reader
}

// Open starts a chunked read of the input with the given specialization.
func (in *Input) Open(kind stream.Kind) (*stream.Reader, error) {
	cfg := in.Stream
	cfg.Kind = kind
	r, err := stream.Open(in.Path, cfg)
	if err != nil {
		return nil, err
	}
	in.mu.Lock()
	in.open = append(in.open, r)
	in.mu.Unlock()
	return r, nil
}

// Option returns a request option, or "" when unset.
func (in *Input) Option(key string) string {
	if in.Options == nil {
		return ""
	}
	return in.Options[key]
}

// CloseAll releases every stream opened through Open.
func (in *Input) CloseAll() {
	in.mu.Lock()
	open := in.open
	in.open = nil
	in.mu.Unlock()
	for _, r := range open {
		_ = r.Close()
	}
}
