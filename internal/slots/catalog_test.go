package slots

import (
	"errors"
	"testing"

	"github.com/anamnesis-ai/anamnesis/internal/apperr"
	"github.com/anamnesis-ai/anamnesis/internal/model"
)

func TestBuiltinSlotsEnumerated(t *testing.T) {
	c := NewCatalog()
	descs := c.Slots()
	if len(descs) < len(builtins) {
		t.Fatalf("expected at least %d built-in slots, got %d", len(builtins), len(descs))
	}
	if _, ok := c.Lookup("employer"); !ok {
		t.Fatal("expected built-in slot 'employer' to be registered")
	}
}

func TestRegisterDynamicIdempotent(t *testing.T) {
	c := NewCatalog()
	if err := c.RegisterDynamic("favorite_color", model.SlotString, model.ArityForSingle, "lowercase_trim_nfkc"); err != nil {
		t.Fatalf("first registration should succeed: %v", err)
	}
	if err := c.RegisterDynamic("favorite_color", model.SlotString, model.ArityForSingle, "lowercase_trim_nfkc"); err != nil {
		t.Fatalf("re-registering identical shape should be idempotent: %v", err)
	}
	desc, ok := c.Lookup("favorite_color")
	if !ok {
		t.Fatal("expected favorite_color to be registered")
	}
	if !desc.Dynamic {
		t.Fatal("expected Dynamic=true on a dynamically registered slot")
	}
}

func TestRegisterDynamicCollisionRejected(t *testing.T) {
	c := NewCatalog()
	if err := c.RegisterDynamic("favorite_color", model.SlotString, model.ArityForSingle, "lowercase_trim_nfkc"); err != nil {
		t.Fatalf("first registration should succeed: %v", err)
	}
	err := c.RegisterDynamic("favorite_color", model.SlotNumber, model.ArityForSingle, "numeric_unit")
	if err == nil {
		t.Fatal("expected error registering incompatible shape under an existing name")
	}
	var unknownSlot *apperr.UnknownSlot
	if !errors.As(err, &unknownSlot) {
		t.Fatalf("expected *apperr.UnknownSlot, got %T: %v", err, err)
	}
}

func TestRegisterDynamicCollidesWithBuiltin(t *testing.T) {
	c := NewCatalog()
	err := c.RegisterDynamic("employer", model.SlotNumber, model.ArityForSingle, "numeric_unit")
	if err == nil {
		t.Fatal("expected error registering a dynamic slot with a name+shape mismatch against a built-in")
	}
}

func TestLookupUnknownSlot(t *testing.T) {
	c := NewCatalog()
	_, ok := c.Lookup("nonexistent_slot")
	if ok {
		t.Fatal("expected lookup of unregistered slot to fail")
	}
}

func TestNormalizeBySlotNameUnknown(t *testing.T) {
	c := NewCatalog()
	_, err := c.NormalizeBySlotName("nonexistent_slot", "whatever")
	var unknownSlot *apperr.UnknownSlot
	if !errors.As(err, &unknownSlot) {
		t.Fatalf("expected *apperr.UnknownSlot, got %T: %v", err, err)
	}
}

func TestNormalizeBySlotNameEmployer(t *testing.T) {
	c := NewCatalog()
	got, err := c.NormalizeBySlotName("employer", "  ACME Corp.  ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "acme corp" {
		t.Fatalf("expected 'acme corp', got %q", got)
	}
}
