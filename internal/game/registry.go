package game

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dweam-team/world-arcade/internal/apperr"
)

// Info describes one playable simulation variant.
type Info struct {
	Kind        string            `json:"kind"`
	Variant     string            `json:"variant"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Author      string            `json:"author,omitempty"`
	Buttons     map[string]string `json:"buttons,omitempty"`
}

// Entry is a registered simulation.
type Entry struct {
	Info    Info
	Schema  *Schema
	Factory Factory
}

// Registry is the catalog of simulations keyed by kind and variant.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]map[string]*Entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]map[string]*Entry)}
}

// Default is the registry built-in simulations add themselves to.
var Default = NewRegistry()

// Register adds an entry. Registering the same kind/variant twice panics.
func (r *Registry) Register(info Info, schema *Schema, factory Factory) {
	if info.Kind == "" || info.Variant == "" {
		panic("game: Register with empty kind or variant")
	}
	if schema == nil {
		schema = NewSchema(info.Title)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	variants, ok := r.entries[info.Kind]
	if !ok {
		variants = make(map[string]*Entry)
		r.entries[info.Kind] = variants
	}
	if _, dup := variants[info.Variant]; dup {
		panic(fmt.Sprintf("game: %s/%s registered twice", info.Kind, info.Variant))
	}
	variants[info.Variant] = &Entry{Info: info, Schema: schema, Factory: factory}
}

// Lookup resolves kind/variant. Unknown pairs carry apperr.CodeUnknownGame.
func (r *Registry) Lookup(kind, variant string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	variants, ok := r.entries[kind]
	if !ok {
		return nil, apperr.WithMetadata(apperr.CodeUnknownGame, fmt.Sprintf("game kind %q not found", kind),
			map[string]string{"kind": kind}, nil)
	}
	e, ok := variants[variant]
	if !ok {
		return nil, apperr.WithMetadata(apperr.CodeUnknownGame, fmt.Sprintf("game %q not found in %s", variant, kind),
			map[string]string{"kind": kind, "variant": variant}, nil)
	}
	return e, nil
}

// Catalog lists every registered variant sorted by kind then variant.
func (r *Registry) Catalog() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Info
	for _, variants := range r.entries {
		for _, e := range variants {
			out = append(out, e.Info)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Variant < out[j].Variant
	})
	return out
}

func Register(info Info, schema *Schema, factory Factory) { Default.Register(info, schema, factory) }

func Lookup(kind, variant string) (*Entry, error) { return Default.Lookup(kind, variant) }
