package metriclog

import "sort"

// NullSinkName is the registry name of NullSink.
const NullSinkName = "None"

// Registry maps external sink names to factories. It is immutable once built
// and is handed to the Dispatcher explicitly.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry copies factories into a new Registry. Nil factories are dropped.
func NewRegistry(factories map[string]Factory) *Registry {
	r := &Registry{factories: make(map[string]Factory, len(factories))}
	for name, f := range factories {
		if f != nil {
			r.factories[name] = f
		}
	}
	return r
}

// Resolve returns the factory registered under name, or NewNullSink.
func (r *Registry) Resolve(name string) Factory {
	if r != nil {
		if f, ok := r.factories[name]; ok {
			return f
		}
	}
	return NewNullSink
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	if r == nil {
		return false
	}
	_, ok := r.factories[name]
	return ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
