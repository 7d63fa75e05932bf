// Package slots implements the Slot Schema & Normalizer (C1): a
// process-wide catalog of typed fact slots plus deterministic,
// per-type normalization. It is the one component every other layer
// of the engine depends on, so it holds no dependency on model.Memory
// or model.Contradiction beyond the slot descriptor shape itself.
package slots

import (
	"sync"

	"github.com/anamnesis-ai/anamnesis/internal/apperr"
	"github.com/anamnesis-ai/anamnesis/internal/model"
)

// Catalog is the process-wide slot registry. The zero value is not
// usable; construct with NewCatalog. Reads are lock-free against the
// built-in set and take a short RLock for dynamically registered
// slots; register_dynamic takes the write lock briefly (§5 "shared
// resources" — catalog readable lock-free, writable only through
// register_dynamic behind a short lock).
type Catalog struct {
	mu      sync.RWMutex
	dynamic map[string]model.SlotDescriptor
}

// NewCatalog returns a Catalog seeded with the built-in slots named in
// SPEC_FULL.md §3.1: employer, location, title, programming_years,
// first_language, remote_preference, masters_school, undergrad_school.
func NewCatalog() *Catalog {
	return &Catalog{dynamic: make(map[string]model.SlotDescriptor)}
}

var builtins = map[string]model.SlotDescriptor{
	"employer": {
		Name: "employer", Arity: model.ArityForSingle, Type: model.SlotString,
		NormalizationProfile: "lowercase_trim_nfkc",
	},
	"location": {
		Name: "location", Arity: model.ArityForSingle, Type: model.SlotString,
		NormalizationProfile: "lowercase_trim_nfkc",
	},
	"title": {
		Name: "title", Arity: model.ArityForSingle, Type: model.SlotString,
		NormalizationProfile: "lowercase_trim_nfkc",
	},
	"programming_years": {
		Name: "programming_years", Arity: model.ArityForSingle, Type: model.SlotNumber,
		NormalizationProfile: "numeric_unit",
	},
	"first_language": {
		Name: "first_language", Arity: model.ArityForSingle, Type: model.SlotString,
		NormalizationProfile: "lowercase_trim_nfkc",
	},
	"remote_preference": {
		Name: "remote_preference", Arity: model.ArityForSingle, Type: model.SlotEnum,
		NormalizationProfile: "enum_closed",
		EnumValues:           []string{"remote", "hybrid", "onsite"},
	},
	"masters_school": {
		Name: "masters_school", Arity: model.ArityForSingle, Type: model.SlotString,
		NormalizationProfile: "lowercase_trim_nfkc",
	},
	"undergrad_school": {
		Name: "undergrad_school", Arity: model.ArityForSingle, Type: model.SlotString,
		NormalizationProfile: "lowercase_trim_nfkc",
	},
	// Multi-arity slots: additive, never mutually exclusive.
	"skill": {
		Name: "skill", Arity: model.ArityForMulti, Type: model.SlotString,
		NormalizationProfile: "lowercase_trim_nfkc",
	},
	"hobby": {
		Name: "hobby", Arity: model.ArityForMulti, Type: model.SlotString,
		NormalizationProfile: "lowercase_trim_nfkc",
	},
	// Year-typed slot, distinct from "number" so two-digit years reject.
	"birth_year": {
		Name: "birth_year", Arity: model.ArityForSingle, Type: model.SlotYear,
		NormalizationProfile: "year_four_digit",
	},
	"has_drivers_license": {
		Name: "has_drivers_license", Arity: model.ArityForSingle, Type: model.SlotBoolean,
		NormalizationProfile: "boolean_hedge",
	},
}

// Slots enumerates the built-in catalog plus every dynamically
// registered descriptor: built-ins first, then dynamic slots. Both
// groups are read from maps, so the order within each group is not
// defined; callers that need determinism should sort by Name.
func (c *Catalog) Slots() []model.SlotDescriptor {
	out := make([]model.SlotDescriptor, 0, len(builtins)+len(c.dynamic))
	for _, d := range builtins {
		out = append(out, d)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, d := range c.dynamic {
		out = append(out, d)
	}
	return out
}

// Lookup returns the descriptor for name, checking built-ins first
// then dynamically registered slots.
func (c *Catalog) Lookup(name string) (model.SlotDescriptor, bool) {
	if d, ok := builtins[name]; ok {
		return d, true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.dynamic[name]
	return d, ok
}

// RegisterDynamic idempotently registers a new slot descriptor. It
// fails only if name already names a descriptor (built-in or
// dynamic) with an incompatible type or arity; re-registering with
// the identical shape is a no-op success, matching the idempotency
// spec.md §4.1 requires.
func (c *Catalog) RegisterDynamic(name string, typ model.SlotType, arity model.SlotArity, normalizationProfile string) error {
	if existing, ok := builtins[name]; ok {
		if existing.Type != typ || existing.Arity != arity {
			return &apperr.UnknownSlot{Slot: name + " (collides with built-in of incompatible shape)"}
		}
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.dynamic[name]; ok {
		if existing.Type != typ || existing.Arity != arity {
			return &apperr.UnknownSlot{Slot: name + " (collides with dynamic slot of incompatible shape)"}
		}
		return nil
	}
	c.dynamic[name] = model.SlotDescriptor{
		Name:                 name,
		Arity:                arity,
		Type:                 typ,
		NormalizationProfile: normalizationProfile,
		Dynamic:              true,
	}
	return nil
}
