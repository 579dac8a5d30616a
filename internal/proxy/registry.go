package proxy

// Registry maps method names to hooks. It is immutable once built and
// safe to share between sessions.
type Registry struct {
	hooks map[string]Hook
}

// Lookup returns the hook registered for method.
func (r *Registry) Lookup(method string) (Hook, bool) {
	if r == nil {
		return nil, false
	}
	h, ok := r.hooks[method]
	return h, ok
}

// Methods returns the registered method names.
func (r *Registry) Methods() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.hooks))
	for m := range r.hooks {
		out = append(out, m)
	}
	return out
}

// Len returns the number of registered methods.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.hooks)
}

// RegistryBuilder assembles a Registry. Registering a method twice keeps
// the last hook.
type RegistryBuilder struct {
	hooks map[string]Hook
}

func NewRegistryBuilder() *RegistryBuilder {
	return &RegistryBuilder{hooks: make(map[string]Hook)}
}

// Register sets the hook for method.
func (b *RegistryBuilder) Register(method string, h Hook) *RegistryBuilder {
	b.hooks[method] = h
	return b
}

// Use adds h after any hook already registered for method; the two run as
// a Chain.
func (b *RegistryBuilder) Use(method string, h Hook) *RegistryBuilder {
	prev, ok := b.hooks[method]
	if !ok {
		b.hooks[method] = h
		return b
	}
	if c, ok := prev.(*chain); ok {
		hooks := append(append([]Hook{}, c.hooks...), h)
		b.hooks[method] = &chain{hooks: hooks}
		return b
	}
	b.hooks[method] = Chain(prev, h)
	return b
}

// Build returns a Registry holding a copy of the registrations.
func (b *RegistryBuilder) Build() *Registry {
	hooks := make(map[string]Hook, len(b.hooks))
	for m, h := range b.hooks {
		hooks[m] = h
	}
	return &Registry{hooks: hooks}
}
