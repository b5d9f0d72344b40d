package merge

import "fmt"

// EvidenceLevel is the coarse trust tier of a resolved date. Levels are
// ordered: a higher value is stronger evidence.
type EvidenceLevel int

const (
	EvidenceUnknown EvidenceLevel = iota
	EvidenceLow
	EvidenceMedium
	EvidenceHigh
)

func (e EvidenceLevel) String() string {
	switch e {
	case EvidenceUnknown:
		return ""
	case EvidenceLow:
		return "low"
	case EvidenceMedium:
		return "medium"
	case EvidenceHigh:
		return "high"
	}
	return fmt.Sprintf("EvidenceLevel(%d)", int(e))
}

// ParseEvidenceLevel converts the wire name of an evidence level.
func ParseEvidenceLevel(s string) (EvidenceLevel, error) {
	switch s {
	case "low":
		return EvidenceLow, nil
	case "medium":
		return EvidenceMedium, nil
	case "high":
		return EvidenceHigh, nil
	}
	return EvidenceUnknown, fmt.Errorf("unknown evidence level %q", s)
}

// MarshalText encodes the level by name.
func (e EvidenceLevel) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// UnmarshalText decodes a level name, used by the YAML config.
func (e *EvidenceLevel) UnmarshalText(text []byte) error {
	lvl, err := ParseEvidenceLevel(string(text))
	if err != nil {
		return err
	}
	*e = lvl
	return nil
}

// Meets reports whether e is at least min.
func (e EvidenceLevel) Meets(min EvidenceLevel) bool {
	return e >= min
}

// lowConfidence is the claim confidence below which evidence drops a tier.
const lowConfidence = 0.5

// claimEvidence grades the claim that decided a resolved date.
//
// exact from a trusted source is high; exact from an untrusted source and
// either one-sided bound are medium; estimates are low. A stated confidence
// under 0.5 drops one tier.
func claimEvidence(c DateClaim, trusted bool) EvidenceLevel {
	var lvl EvidenceLevel
	switch c.Bound {
	case BoundExact:
		if trusted {
			lvl = EvidenceHigh
		} else {
			lvl = EvidenceMedium
		}
	case BoundNotLaterThan, BoundNotEarlierThan:
		lvl = EvidenceMedium
	case BoundEstimated:
		lvl = EvidenceLow
	default:
		return EvidenceUnknown
	}
	if c.Confidence != nil && *c.Confidence < lowConfidence && lvl > EvidenceLow {
		lvl--
	}
	return lvl
}

// FilterByEvidence keeps the features whose evidence level meets min.
// Raising min can only shrink the result.
func FilterByEvidence(features []*MergedFeature, min EvidenceLevel) []*MergedFeature {
	var out []*MergedFeature
	for _, f := range features {
		if f.Evidence.Meets(min) {
			out = append(out, f)
		}
	}
	return out
}
