// Package model holds the shared domain types passed between the core
// components: memories, slots, contradictions, and the ephemeral
// parse/classification results that never themselves reach storage.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// Source identifies who or what produced a memory.
type Source string

const (
	SourceUser     Source = "USER"
	SourceSystem   Source = "SYSTEM"
	SourceTool     Source = "TOOL"
	SourceInferred Source = "INFERRED"
)

// TemporalStatus describes whether a fact is still believed to hold.
type TemporalStatus string

const (
	TemporalPast      TemporalStatus = "past"
	TemporalActive    TemporalStatus = "active"
	TemporalFuture    TemporalStatus = "future"
	TemporalPotential TemporalStatus = "potential"
)

// MemoryStatus tracks a memory's place in its own lifecycle.
// It is distinct from TemporalStatus: a memory can be status=active
// but temporal_status=past (e.g. "I used to work at Google" is an
// active memory describing a past fact).
type MemoryStatus string

const (
	MemoryActive     MemoryStatus = "active"
	MemorySuperseded MemoryStatus = "superseded"
	MemoryDeprecated MemoryStatus = "deprecated"
)

// Memory is a stored assertion. Text and RawValue are immutable once
// written; Value may be re-normalized in place as the slot catalog
// evolves. See SPEC_FULL.md §3 for the full invariant list.
type Memory struct {
	MemoryID  uuid.UUID `json:"memory_id"`
	ThreadID  uuid.UUID `json:"thread_id"`
	SessionID uuid.UUID `json:"session_id"`

	Text     string `json:"text"`
	Slot     string `json:"slot,omitempty"`
	Value    string `json:"value"`
	RawValue string `json:"raw_value"`

	Source     Source  `json:"source"`
	Trust      float64 `json:"trust"`
	Confidence float64 `json:"confidence"`

	CreatedAt  time.Time  `json:"created_at"`
	ValidFrom  time.Time  `json:"valid_from"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`
	PeriodText string     `json:"period_text,omitempty"`

	TemporalStatus TemporalStatus `json:"temporal_status"`
	DomainTags     []string       `json:"domain_tags"`
	Status         MemoryStatus   `json:"status"`

	// Embedding is an optional semantic-vector representation of Text,
	// used by the opaque semantic index in C6. Never required: a memory
	// with a nil Embedding simply does not participate in top-k semantic
	// retrieval, only in slot-indexed lookup.
	Embedding *pgvector.Vector `json:"-"`

	// SupersededBy is set only by the Resolution Interface (C9) when this
	// memory's status transitions to superseded via update_to_newer or
	// update_to_older.
	SupersededBy *uuid.UUID `json:"superseded_by,omitempty"`
}

// SlotArity controls whether a slot permits one active value per
// (domain, period) group (single) or many simultaneously (multi).
type SlotArity string

const (
	ArityForSingle SlotArity = "single"
	ArityForMulti  SlotArity = "multi"
)

// SlotType is the closed set of value representations a slot may hold.
// Every normalization rule and every contradiction predicate dispatches
// on this tag rather than inspecting the runtime shape of Value.
type SlotType string

const (
	SlotString  SlotType = "string"
	SlotNumber  SlotType = "number"
	SlotYear    SlotType = "year"
	SlotBoolean SlotType = "boolean"
	SlotEnum    SlotType = "enum"
)

// SlotDescriptor describes one entry in the slot catalog (C1).
type SlotDescriptor struct {
	Name                 string    `json:"name"`
	Arity                SlotArity `json:"arity"`
	Type                 SlotType  `json:"type"`
	NormalizationProfile string    `json:"normalization_profile"`
	// EnumValues is populated only when Type == SlotEnum; it is the
	// closed set of values normalize() accepts.
	EnumValues []string `json:"enum_values,omitempty"`
	// Dynamic is true for slots registered at runtime via register_dynamic
	// rather than present in the built-in catalog.
	Dynamic bool `json:"dynamic"`
}
