package merge

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
)

// Role says which end of a feature's lifetime a date claim is about.
type Role int

const (
	RoleStart Role = iota + 1
	RoleEnd
)

func (r Role) String() string {
	switch r {
	case RoleStart:
		return "start"
	case RoleEnd:
		return "end"
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

// ParseRole converts the wire name of a role.
func ParseRole(s string) (Role, error) {
	switch s {
	case "start":
		return RoleStart, nil
	case "end":
		return RoleEnd, nil
	}
	return 0, fmt.Errorf("unknown role %q", s)
}

// BoundKind is the strength of a dated claim.
type BoundKind int

const (
	BoundExact BoundKind = iota + 1
	BoundNotLaterThan
	BoundNotEarlierThan
	BoundEstimated
)

func (b BoundKind) String() string {
	switch b {
	case BoundExact:
		return "exact"
	case BoundNotLaterThan:
		return "not_later_than"
	case BoundNotEarlierThan:
		return "not_earlier_than"
	case BoundEstimated:
		return "estimated"
	}
	return fmt.Sprintf("BoundKind(%d)", int(b))
}

// ParseBoundKind converts the wire name of a bound kind.
func ParseBoundKind(s string) (BoundKind, error) {
	switch s {
	case "exact":
		return BoundExact, nil
	case "not_later_than":
		return BoundNotLaterThan, nil
	case "not_earlier_than":
		return BoundNotEarlierThan, nil
	case "estimated":
		return BoundEstimated, nil
	}
	return 0, fmt.Errorf("unknown bound kind %q", s)
}

// MarshalText encodes the bound kind by name.
func (b BoundKind) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// ChangeClass describes how a historical road relates to the baseline network.
type ChangeClass int

const (
	ChangeNone ChangeClass = iota
	ChangeSame
	ChangeWidened
	ChangeRerouted
	ChangeReplaced
	ChangeRemoved
	ChangeNew
)

// AllChangeClasses lists every classification in decision order.
var AllChangeClasses = []ChangeClass{ChangeSame, ChangeWidened, ChangeRerouted, ChangeReplaced, ChangeRemoved, ChangeNew}

func (c ChangeClass) String() string {
	switch c {
	case ChangeNone:
		return ""
	case ChangeSame:
		return "same"
	case ChangeWidened:
		return "widened"
	case ChangeRerouted:
		return "rerouted"
	case ChangeReplaced:
		return "replaced"
	case ChangeRemoved:
		return "removed"
	case ChangeNew:
		return "new"
	}
	return fmt.Sprintf("ChangeClass(%d)", int(c))
}

// MarshalText encodes the change class by name.
func (c ChangeClass) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// DateMethod records how a resolved date was obtained.
type DateMethod string

const (
	MethodClaims      DateMethod = "claims"
	MethodMedian      DateMethod = "median"
	MethodNearest     DateMethod = "nearest"
	MethodFallback    DateMethod = "fallback"
	MethodReplacement DateMethod = "replacement"
	MethodDetection   DateMethod = "detection"
	MethodAbsence     DateMethod = "absence"
)

// Synthetic source ids used when a date is derived rather than claimed.
const (
	SourceReplacementInferred = "replacement-inferred"
	SourceBaselineAbsence     = "baseline-absence"
	SourceInherited           = "inherited"
)

// DateClaim is one source's statement about a start or end year.
type DateClaim struct {
	Role       Role      `json:"-"`
	Year       int       `json:"year"`
	Bound      BoundKind `json:"bound_kind"`
	Confidence *float64  `json:"confidence,omitempty"`
	SourceID   string    `json:"source_id"`
}

// ConfidenceOr returns the claim confidence or def when the claim carries none.
func (c DateClaim) ConfidenceOr(def float64) float64 {
	if c.Confidence == nil {
		return def
	}
	return *c.Confidence
}

// SourceRecord is a single source's observation of a feature. Records are
// never modified after loading.
type SourceRecord struct {
	SourceID   string
	RecordID   string
	Geometry   orb.Geometry
	Claims     []DateClaim
	Attributes map[string]interface{}

	// Ref links a date-only record to a baseline record id.
	Ref string
	// Confidence is the detection confidence for segmented features.
	Confidence float64
	// WidthM is an optional measured road width.
	WidthM float64
}

// Key identifies the record across all sources.
func (r *SourceRecord) Key() string {
	return r.SourceID + "/" + r.RecordID
}

// ResolvedAttribute is the chosen value for a start or end date together with
// the evidence that produced it.
type ResolvedAttribute struct {
	Resolved   bool          `json:"resolved"`
	Year       int           `json:"year,omitempty"`
	Bound      BoundKind     `json:"bound_kind,omitempty"`
	Confidence float64       `json:"confidence,omitempty"`
	SourceID   string        `json:"source_id,omitempty"`
	Method     DateMethod    `json:"method,omitempty"`
	Evidence   EvidenceLevel `json:"evidence,omitempty"`
	Claims     []DateClaim   `json:"contributing_claims,omitempty"`

	DonorCount     int     `json:"donor_count,omitempty"`
	DonorDistanceM float64 `json:"donor_distance_m,omitempty"`
}

// ReplacementLink records the supersession relation between two features.
type ReplacementLink struct {
	Replaces   string `json:"replaces,omitempty"`
	ReplacedBy string `json:"replaced_by,omitempty"`
}

// MatchMetrics are the curve-similarity measures between two lines.
type MatchMetrics struct {
	LSSRatio       float64 `json:"lss_ratio"`
	HausdorffM     float64 `json:"hausdorff_m"`
	EndpointDeltaM float64 `json:"endpoint_delta_m"`
}

// MergedFeature is the canonical entity emitted by a run.
type MergedFeature struct {
	ID            string
	PrimarySource string
	PrimaryRecord string
	Geometry      orb.Geometry
	Start         ResolvedAttribute
	End           ResolvedAttribute
	Evidence      EvidenceLevel
	Provenance    []string
	Link          ReplacementLink

	// Road specific.
	Change  ChangeClass
	Metrics *MatchMetrics

	records []*SourceRecord
}

// Records returns the source records attached to the feature.
func (f *MergedFeature) Records() []*SourceRecord {
	return f.records
}

// HasProvenance reports whether sourceID contributed to the feature.
func (f *MergedFeature) HasProvenance(sourceID string) bool {
	i := sort.SearchStrings(f.Provenance, sourceID)
	return i < len(f.Provenance) && f.Provenance[i] == sourceID
}

func (f *MergedFeature) addProvenance(sourceID string) {
	f.Provenance = addSorted(f.Provenance, sourceID)
}

// UnmatchedFeature is a non-baseline record without a baseline counterpart.
type UnmatchedFeature struct {
	ID         string
	Record     *SourceRecord
	Start      ResolvedAttribute
	End        ResolvedAttribute
	Evidence   EvidenceLevel
	Provenance []string
	Change     ChangeClass
}

// RoadMatchPair is the outcome of matching one historical line.
type RoadMatchPair struct {
	Historical   *SourceRecord
	Baseline     *SourceRecord
	SnapshotYear int
	MatchMetrics
	Widened bool
	Change  ChangeClass
}

var featureNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/kwv/histmerge/feature"))

// FeatureID derives the stable output id of a feature from its primary
// source and record.
func FeatureID(sourceID, recordID string) string {
	return uuid.NewSHA1(featureNamespace, []byte(sourceID+"/"+recordID)).String()
}

// addSorted inserts s into a sorted set of strings.
func addSorted(set []string, s string) []string {
	i := sort.SearchStrings(set, s)
	if i < len(set) && set[i] == s {
		return set
	}
	set = append(set, "")
	copy(set[i+1:], set[i:])
	set[i] = s
	return set
}
