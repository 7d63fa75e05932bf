package model

import (
	"time"

	"github.com/google/uuid"
)

// ContradictionKind is the closed set of detector verdicts (C5),
// excluding NONE which is represented by the absence of a Contradiction.
type ContradictionKind string

const (
	KindRevision     ContradictionKind = "REVISION"
	KindRefinement   ContradictionKind = "REFINEMENT"
	KindTemporal     ContradictionKind = "TEMPORAL"
	KindConflict     ContradictionKind = "CONFLICT"
	KindDenial       ContradictionKind = "DENIAL"
	KindNumericDrift ContradictionKind = "NUMERIC_DRIFT"
)

// Severity is the closed set of contradiction severities.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// ContradictionStatus is the lifecycle state of a ledger entry.
// Resolved and Dismissed are terminal: append_resolution refuses
// further events once status leaves Open.
type ContradictionStatus string

const (
	StatusOpen      ContradictionStatus = "open"
	StatusResolved  ContradictionStatus = "resolved"
	StatusDismissed ContradictionStatus = "dismissed"
)

// ResolutionAction is the closed set of actions C9.apply accepts.
type ResolutionAction string

const (
	ActionUpdateToNewer ResolutionAction = "update_to_newer"
	ActionUpdateToOlder ResolutionAction = "update_to_older"
	ActionKeepBoth      ResolutionAction = "keep_both"
	ActionSplitByDomain ResolutionAction = "split_by_domain"
	ActionMarkPast      ResolutionAction = "mark_past"
	ActionDismiss       ResolutionAction = "dismiss"
)

// ResolutionActor distinguishes a human-driven resolution from one the
// system applied automatically (e.g. RETRACT_DENIAL flipping a DENIAL).
type ResolutionActor string

const (
	ActorUser   ResolutionActor = "user"
	ActorSystem ResolutionActor = "system"
)

// ResolutionEvent is one append-only entry in a Contradiction's
// resolution_history. The history only ever grows; no entry is ever
// edited or removed (testable property 8, ledger monotonicity).
type ResolutionEvent struct {
	Action ResolutionAction `json:"action"`
	Actor  ResolutionActor  `json:"actor"`
	At     time.Time        `json:"at"`
	// RollbackID, when set, identifies the rollback request that
	// produced this event (so a later rollback(rollback_id) call can be
	// located and, if the window has not elapsed, inverted again).
	RollbackID *uuid.UUID `json:"rollback_id,omitempty"`
	Note       string     `json:"note,omitempty"`
}

// Contradiction is one ledger entry. The ledger is append-only: once
// written, only Status, UpdatedAt, Resolution, and ResolutionHistory
// ever change, and only through append_resolution.
type Contradiction struct {
	ContradictionID uuid.UUID `json:"contradiction_id"`
	ThreadID        uuid.UUID `json:"thread_id"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`

	Kind              ContradictionKind `json:"kind"`
	InvolvedMemoryIDs []uuid.UUID       `json:"involved_memory_ids"`
	Slot              string            `json:"slot"`
	AffectedDomains   []string          `json:"affected_domains"`
	Severity          Severity          `json:"severity"`

	Status            ContradictionStatus `json:"status"`
	Resolution        *ResolutionAction   `json:"resolution,omitempty"`
	ResolutionHistory []ResolutionEvent   `json:"resolution_history"`

	// Notes carries the detector's human-readable explanation (e.g. which
	// refinement predicate fired). Never used for dispatch, only display.
	Notes string `json:"notes,omitempty"`
}

// IsTerminal reports whether the contradiction's status forbids further
// resolution events (§4.4 invariant).
func (c Contradiction) IsTerminal() bool {
	return c.Status == StatusResolved || c.Status == StatusDismissed
}

// Involves reports whether memoryID appears in InvolvedMemoryIDs.
func (c Contradiction) Involves(memoryID uuid.UUID) bool {
	for _, id := range c.InvolvedMemoryIDs {
		if id == memoryID {
			return true
		}
	}
	return false
}
