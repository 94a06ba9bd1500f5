// Package providers holds the closed registry of capability providers and
// the built-in providers that ship with the assistant.
package providers

import (
	"fmt"
	"strings"

	contractx "github.com/tanpawarit/Relay-Multi-Agent-Assistant/agent/contract"
)

// Registry is a map-based provider set with a configurable default.
// Registration happens at wiring time; lookups are read-only afterwards.
type Registry struct {
	providers   map[string]contractx.Provider
	order       []string
	defaultName string
}

func NewRegistry(ps ...contractx.Provider) (*Registry, error) {
	r := &Registry{providers: make(map[string]contractx.Provider, len(ps))}
	for _, p := range ps {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(p contractx.Provider) error {
	if p == nil {
		return fmt.Errorf("%w: nil provider", contractx.ErrValidation)
	}
	name := strings.TrimSpace(p.Name())
	if name == "" {
		return fmt.Errorf("%w: provider name is empty", contractx.ErrValidation)
	}
	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("%w: provider %q already registered", contractx.ErrValidation, name)
	}
	r.providers[name] = p
	r.order = append(r.order, name)
	return nil
}

// SetDefault names the fallback provider for unknown plan selections.
func (r *Registry) SetDefault(name string) error {
	if _, exists := r.providers[name]; !exists {
		return fmt.Errorf("%w: default provider %q not registered", contractx.ErrValidation, name)
	}
	r.defaultName = name
	return nil
}

func (r *Registry) Get(name string) (contractx.Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

func (r *Registry) Default() string {
	return r.defaultName
}

// Resolve applies the routing tie-break chain: the requested name if
// registered, else the configured default, else the first registered
// provider. The second return is false only for an empty registry.
func Resolve(reg contractx.Registry, name string) (string, bool) {
	if name != "" {
		if _, ok := reg.Get(name); ok {
			return name, true
		}
	}
	if def := reg.Default(); def != "" {
		if _, ok := reg.Get(def); ok {
			return def, true
		}
	}
	names := reg.Names()
	if len(names) == 0 {
		return "", false
	}
	return names[0], true
}
