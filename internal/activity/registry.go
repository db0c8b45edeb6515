package activity

import (
	"sort"
	"sync"

	"github.com/rendis/relay/pkg/schema"
)

// Registry is the thread-safe activity lookup table. Builtins register
// under their own names; provider packs land under "<provider>.<name>"
// so an external handler can never shadow a builtin.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// entry pairs an activity with the provider pack it came from ("" for
// builtins). The map key is the registered name, which for provider
// activities carries a pack prefix the activity itself knows nothing
// about.
type entry struct {
	act      Activity
	provider string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds a builtin activity under its own name. Returns error on
// duplicate name.
func (r *Registry) Register(act Activity) error {
	if act == nil {
		return schema.NewError(schema.ErrCodeValidation, "activity is nil")
	}
	if act.Name() == "" {
		return schema.NewError(schema.ErrCodeValidation, "activity name is empty")
	}
	return r.add(act.Name(), entry{act: act})
}

// RegisterProvider bulk-registers an external handler pack under a
// prefixed namespace. Each activity lands as "prefix.name" (e.g.
// "payments.capture"). Returns how many registered before the first
// failure.
func (r *Registry) RegisterProvider(prefix string, acts []Activity) (int, error) {
	if prefix == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "provider prefix is empty")
	}
	for i, a := range acts {
		if err := r.add(prefix+"."+a.Name(), entry{act: a, provider: prefix}); err != nil {
			return i, err
		}
	}
	return len(acts), nil
}

func (r *Registry) add(name string, e entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.entries[name]; taken {
		return schema.NewErrorf(schema.ErrCodeConflict, "activity %q already registered", name)
	}
	r.entries[name] = e
	return nil
}

// Get retrieves an activity by node type name.
func (r *Registry) Get(name string) (Activity, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()

	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "activity %q not registered", name)
	}
	return e.act, nil
}

// Has checks if an activity is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// List returns the catalog sorted by registered name. Provider entries
// carry the pack prefix they came from.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.entries))
	for name, e := range r.entries {
		infos = append(infos, Info{
			Name:        name,
			Description: e.act.Descriptor().Description,
			Provider:    e.provider,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Names returns the sorted registered names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Count returns the number of registered activities.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// ValidateConfig statically checks a node config against the registered
// activity's own validation rules. The definition validation pipeline
// calls this for configs without runtime references.
func (r *Registry) ValidateConfig(nodeType string, config map[string]any) error {
	act, err := r.Get(nodeType)
	if err != nil {
		return err
	}
	return act.Validate(config)
}
