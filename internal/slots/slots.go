package slots

import (
	"fmt"

	"github.com/anamnesis-ai/anamnesis/internal/apperr"
	"github.com/anamnesis-ai/anamnesis/internal/model"
)

// NormalizeBySlotName is the public entrypoint matching spec.md
// §4.1's normalize(slot, raw) → normalized. It fails with
// UnknownSlot when the slot has no descriptor (the caller then
// decides whether to register_dynamic) and NormalizeError when raw
// cannot be parsed under the slot's type.
func (c *Catalog) NormalizeBySlotName(slot, raw string) (string, error) {
	desc, ok := c.Lookup(slot)
	if !ok {
		return "", &apperr.UnknownSlot{Slot: slot}
	}
	out, err := Normalize(desc, raw)
	if err != nil {
		return "", fmt.Errorf("normalizing slot %q: %w", slot, err)
	}
	return out, nil
}
