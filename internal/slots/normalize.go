package slots

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/anamnesis-ai/anamnesis/internal/apperr"
	"github.com/anamnesis-ai/anamnesis/internal/model"
)

// hedgedTrue and hedgedFalse are the explicit vocabularies booleans
// normalize against (spec.md §4.1: "parsed via explicit hedging
// vocabulary"). Unmatched input is a NormalizeError, never a guess.
var hedgedTrue = map[string]bool{
	"yes": true, "y": true, "true": true, "yeah": true, "yep": true,
	"i do": true, "i have": true, "i am": true, "definitely": true,
	"affirmative": true,
}

var hedgedFalse = map[string]bool{
	"no": true, "n": true, "false": true, "nope": true, "nah": true,
	"i don't": true, "i dont": true, "i do not": true, "i haven't": true,
	"i havent": true, "i have not": true, "never": true, "negative": true,
}

// Normalize applies the type-tagged normalization rule for slot to
// raw, returning the canonical string form. It never returns a
// NormalizeError for UnknownSlot — that is Catalog's concern; call
// Lookup first and surface UnknownSlot yourself if the slot is absent.
func Normalize(desc model.SlotDescriptor, raw string) (string, error) {
	switch desc.Type {
	case model.SlotString:
		return normalizeString(raw), nil
	case model.SlotNumber:
		return normalizeNumber(raw)
	case model.SlotYear:
		return normalizeYear(raw)
	case model.SlotBoolean:
		return normalizeBoolean(raw)
	case model.SlotEnum:
		return normalizeEnum(desc, raw)
	default:
		return "", fmt.Errorf("%w: slot %q has unrecognized type %q", apperr.ErrNormalize, desc.Name, desc.Type)
	}
}

// normalizeString applies Unicode NFKC, lowercases, collapses internal
// whitespace, and strips terminal punctuation, per spec.md §4.1.
func normalizeString(raw string) string {
	s := norm.NFKC.String(raw)
	s = strings.ToLower(s)
	s = strings.Join(strings.Fields(s), " ")
	s = strings.TrimRight(s, ".,;:!?。，；：！？ ")
	return s
}

// normalizeNumber parses raw into a canonical decimal form, stripping
// common unit suffixes and thousands separators.
func normalizeNumber(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimSuffix(s, " years")
	s = strings.TrimSuffix(s, "years")
	s = strings.TrimSuffix(s, " yrs")
	s = strings.TrimSuffix(s, "yrs")
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, ",", "")
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return "", fmt.Errorf("%w: %q is not a parseable number: %v", apperr.ErrNormalize, raw, err)
	}
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10), nil
	}
	return strconv.FormatFloat(f, 'f', -1, 64), nil
}

// normalizeYear parses raw into a 4-digit year. Two-digit years are
// rejected outright per spec.md §4.1 — the component refuses to guess
// a century.
func normalizeYear(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	n, err := strconv.Atoi(s)
	if err != nil {
		return "", fmt.Errorf("%w: %q is not a parseable year: %v", apperr.ErrNormalize, raw, err)
	}
	if n < 1000 || n > 9999 {
		return "", fmt.Errorf("%w: %q is not a 4-digit year", apperr.ErrNormalize, raw)
	}
	return strconv.Itoa(n), nil
}

// normalizeBoolean maps raw against the explicit hedging vocabulary.
func normalizeBoolean(raw string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.TrimRight(s, ".,;:!?")
	if hedgedTrue[s] {
		return "true", nil
	}
	if hedgedFalse[s] {
		return "false", nil
	}
	return "", fmt.Errorf("%w: %q is not in the recognized hedging vocabulary", apperr.ErrNormalize, raw)
}

// normalizeEnum checks raw (after string normalization) against the
// descriptor's closed value set.
func normalizeEnum(desc model.SlotDescriptor, raw string) (string, error) {
	s := normalizeString(raw)
	for _, v := range desc.EnumValues {
		if s == v {
			return v, nil
		}
	}
	return "", fmt.Errorf("%w: %q is not one of the allowed values for %q: %v", apperr.ErrNormalize, raw, desc.Name, desc.EnumValues)
}
