package merge

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Sentinel errors for fatal run conditions.
var (
	ErrConfig        = errors.New("invalid merge config")
	ErrSourceMissing = errors.New("source file missing")
	ErrNoInput       = errors.New("no input features")
)

// Feature kinds a source can carry.
const (
	KindBuildings = "buildings"
	KindRoads     = "roads"
)

// SourceConfig declares one input collection.
type SourceConfig struct {
	ID           string  `yaml:"id" json:"id"`
	Path         string  `yaml:"path" json:"path"`
	Kind         string  `yaml:"kind" json:"kind"`
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	Priority     int     `yaml:"priority" json:"priority"`
	DatePriority int     `yaml:"date_priority" json:"date_priority"`
	TrustDates   bool    `yaml:"trust_dates" json:"trust_dates"`
	SnapshotYear int     `yaml:"snapshot_year,omitempty" json:"snapshot_year,omitempty"`
	Confidence   float64 `yaml:"confidence,omitempty" json:"confidence,omitempty"`
}

// BuildingSettings names the building sources with special roles.
type BuildingSettings struct {
	Baseline           string   `yaml:"baseline" json:"baseline"`
	KeepOwnGeometry    []string `yaml:"keep_own_geometry,omitempty" json:"keep_own_geometry,omitempty"`
	ResearcherGeometry []string `yaml:"researcher_geometry,omitempty" json:"researcher_geometry,omitempty"`
	DonorExcluded      []string `yaml:"donor_excluded,omitempty" json:"donor_excluded,omitempty"`
}

// RoadSettings names the road baseline.
type RoadSettings struct {
	Baseline string `yaml:"baseline" json:"baseline"`
}

// MatchingConfig holds the building matching thresholds.
type MatchingConfig struct {
	OverlapThreshold     float64 `yaml:"overlap_threshold" json:"overlap_threshold"`
	CentroidMaxDistanceM float64 `yaml:"centroid_max_distance_m" json:"centroid_max_distance_m"`
}

// ReplacementRule sets the evidence a replacing feature needs for
// unmatched features whose reference year falls in [From, Until). Until 0
// leaves the era open ended.
type ReplacementRule struct {
	Era         string        `yaml:"era" json:"era"`
	From        int           `yaml:"from" json:"from"`
	Until       int           `yaml:"until,omitempty" json:"until,omitempty"`
	MinEvidence EvidenceLevel `yaml:"min_evidence" json:"min_evidence"`
}

// RoadMatchingConfig holds the curve matching and classification knobs.
type RoadMatchingConfig struct {
	LSSThreshold         float64 `yaml:"lss_threshold" json:"lss_threshold"`
	HausdorffMaxM        float64 `yaml:"hausdorff_max_m" json:"hausdorff_max_m"`
	SampleIntervalM      float64 `yaml:"sample_interval_m" json:"sample_interval_m"`
	MatchThresholdM      float64 `yaml:"match_threshold_m" json:"match_threshold_m"`
	ReferenceLatitude    *float64 `yaml:"reference_latitude,omitempty" json:"reference_latitude,omitempty"`
	SimplifyToleranceM   float64 `yaml:"simplify_tolerance_m,omitempty" json:"simplify_tolerance_m,omitempty"`
	WidthDeltaThresholdM float64 `yaml:"width_delta_threshold_m,omitempty" json:"width_delta_threshold_m,omitempty"`
	WidthSampleIntervalM float64 `yaml:"width_sample_interval_m,omitempty" json:"width_sample_interval_m,omitempty"`
	OffsetSideRatio      float64 `yaml:"offset_side_ratio,omitempty" json:"offset_side_ratio,omitempty"`
}

// DateResolutionConfig tunes date resolution.
type DateResolutionConfig struct {
	EstimateOffsetYears int `yaml:"estimate_offset_years" json:"estimate_offset_years"`
}

// InheritanceConfig tunes the fallback date inheritance.
type InheritanceConfig struct {
	RadiusM      float64 `yaml:"radius_m" json:"radius_m"`
	FallbackYear int     `yaml:"fallback_year" json:"fallback_year"`
}

// MergeConfig is the declarative input of a run. It is loaded once and never
// modified afterwards.
type MergeConfig struct {
	BaselineReferenceYear int                  `yaml:"baseline_reference_year" json:"baseline_reference_year"`
	Sources               []SourceConfig       `yaml:"sources" json:"sources"`
	Buildings             *BuildingSettings    `yaml:"buildings,omitempty" json:"buildings,omitempty"`
	Roads                 *RoadSettings        `yaml:"roads,omitempty" json:"roads,omitempty"`
	Matching              MatchingConfig       `yaml:"matching" json:"matching"`
	ReplacementRules      []ReplacementRule    `yaml:"replacement_rules" json:"replacement_rules"`
	RoadMatching          RoadMatchingConfig   `yaml:"road_matching" json:"road_matching"`
	DateResolution        DateResolutionConfig `yaml:"date_resolution" json:"date_resolution"`
	Inheritance           InheritanceConfig    `yaml:"inheritance" json:"inheritance"`
}

// Defaults for config values left out of the file.
const (
	DefaultOverlapThreshold     = 0.5
	DefaultCentroidMaxDistanceM = 10.0
	DefaultLSSThreshold         = 0.3
	DefaultHausdorffMaxM        = 30.0
	DefaultSampleIntervalM      = 5.0
	DefaultMatchThresholdM      = 8.0
	DefaultWidthDeltaThresholdM = 2.0
	DefaultWidthSampleIntervalM = 10.0
	DefaultOffsetSideRatio      = 0.8
	DefaultEstimateOffsetYears  = 10
	DefaultInheritanceRadiusM   = 2000.0
	DefaultFallbackYear         = 1900
)

// LoadConfig reads and validates a merge config. Relative source paths are
// resolved against the directory of the config file.
func LoadConfig(path string) (*MergeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: config file not found: %s", ErrConfig, path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ParseConfig(data, filepath.Dir(path))
}

// ParseConfig decodes YAML strictly, fills defaults and validates. Source
// files are checked for existence.
func ParseConfig(data []byte, baseDir string) (*MergeConfig, error) {
	cfg := DefaultMergeConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing YAML: %v", ErrConfig, err)
	}

	for i := range cfg.Sources {
		if p := cfg.Sources[i].Path; p != "" && !filepath.IsAbs(p) {
			cfg.Sources[i].Path = filepath.Join(baseDir, p)
		}
	}
	cfg.applySourceDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.checkSourceFiles(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultMergeConfig returns a config holding the default thresholds and no
// sources. Values given in a config file replace them, zero included.
func DefaultMergeConfig() *MergeConfig {
	return &MergeConfig{
		Matching: MatchingConfig{
			OverlapThreshold:     DefaultOverlapThreshold,
			CentroidMaxDistanceM: DefaultCentroidMaxDistanceM,
		},
		RoadMatching: RoadMatchingConfig{
			LSSThreshold:         DefaultLSSThreshold,
			HausdorffMaxM:        DefaultHausdorffMaxM,
			SampleIntervalM:      DefaultSampleIntervalM,
			MatchThresholdM:      DefaultMatchThresholdM,
			WidthDeltaThresholdM: DefaultWidthDeltaThresholdM,
			WidthSampleIntervalM: DefaultWidthSampleIntervalM,
			OffsetSideRatio:      DefaultOffsetSideRatio,
		},
		DateResolution: DateResolutionConfig{EstimateOffsetYears: DefaultEstimateOffsetYears},
		Inheritance: InheritanceConfig{
			RadiusM:      DefaultInheritanceRadiusM,
			FallbackYear: DefaultFallbackYear,
		},
	}
}

// applySourceDefaults gives sources without a confidence full confidence.
func (c *MergeConfig) applySourceDefaults() {
	for i := range c.Sources {
		if c.Sources[i].Confidence == 0 {
			c.Sources[i].Confidence = 1
		}
	}
}

// Validate checks the structure of the config. Every problem is fatal.
func (c *MergeConfig) Validate() error {
	if c.Buildings == nil && c.Roads == nil {
		return fmt.Errorf("%w: at least one of buildings or roads must be configured", ErrConfig)
	}

	seen := make(map[string]bool, len(c.Sources))
	for i, s := range c.Sources {
		if s.ID == "" {
			return fmt.Errorf("%w: sources[%d].id is required", ErrConfig, i)
		}
		if seen[s.ID] {
			return fmt.Errorf("%w: duplicate source id %q", ErrConfig, s.ID)
		}
		seen[s.ID] = true
		if s.Kind != KindBuildings && s.Kind != KindRoads {
			return fmt.Errorf("%w: source %q has unknown kind %q", ErrConfig, s.ID, s.Kind)
		}
		if s.Enabled && s.Path == "" {
			return fmt.Errorf("%w: source %q is enabled but has no path", ErrConfig, s.ID)
		}
		if s.Confidence < 0 || s.Confidence > 1 {
			return fmt.Errorf("%w: source %q confidence must be in [0,1]", ErrConfig, s.ID)
		}
	}

	if b := c.Buildings; b != nil {
		if err := c.requireSource("buildings.baseline", b.Baseline, KindBuildings); err != nil {
			return err
		}
		for name, ids := range map[string][]string{
			"buildings.keep_own_geometry":   b.KeepOwnGeometry,
			"buildings.researcher_geometry": b.ResearcherGeometry,
			"buildings.donor_excluded":      b.DonorExcluded,
		} {
			for _, id := range ids {
				if err := c.requireSource(name, id, KindBuildings); err != nil {
					return err
				}
			}
		}
	}

	if r := c.Roads; r != nil {
		if err := c.requireSource("roads.baseline", r.Baseline, KindRoads); err != nil {
			return err
		}
		if c.BaselineReferenceYear <= 0 {
			return fmt.Errorf("%w: baseline_reference_year is required for roads", ErrConfig)
		}
		for _, s := range c.Sources {
			if !s.Enabled || s.Kind != KindRoads || s.ID == r.Baseline {
				continue
			}
			if s.SnapshotYear <= 0 {
				return fmt.Errorf("%w: historical road source %q needs snapshot_year", ErrConfig, s.ID)
			}
			if s.SnapshotYear >= c.BaselineReferenceYear {
				return fmt.Errorf("%w: snapshot_year %d of %q does not predate the baseline (%d)",
					ErrConfig, s.SnapshotYear, s.ID, c.BaselineReferenceYear)
			}
		}
	}

	if t := c.Matching.OverlapThreshold; t < 0 || t > 1 {
		return fmt.Errorf("%w: matching.overlap_threshold must be in [0,1]", ErrConfig)
	}
	if c.Matching.CentroidMaxDistanceM < 0 {
		return fmt.Errorf("%w: matching.centroid_max_distance_m must not be negative", ErrConfig)
	}
	rm := c.RoadMatching
	if rm.LSSThreshold < 0 || rm.LSSThreshold > 1 {
		return fmt.Errorf("%w: road_matching.lss_threshold must be in [0,1]", ErrConfig)
	}
	if rm.OffsetSideRatio < 0.5 || rm.OffsetSideRatio > 1 {
		return fmt.Errorf("%w: road_matching.offset_side_ratio must be in [0.5,1]", ErrConfig)
	}
	if rm.HausdorffMaxM < 0 || rm.SampleIntervalM < 0 || rm.MatchThresholdM < 0 ||
		rm.SimplifyToleranceM < 0 || rm.WidthDeltaThresholdM < 0 || rm.WidthSampleIntervalM < 0 {
		return fmt.Errorf("%w: road_matching distances must not be negative", ErrConfig)
	}
	if lat := rm.ReferenceLatitude; lat != nil && (*lat < -90 || *lat > 90) {
		return fmt.Errorf("%w: road_matching.reference_latitude out of range", ErrConfig)
	}
	if c.Inheritance.RadiusM < 0 {
		return fmt.Errorf("%w: inheritance.radius_m must not be negative", ErrConfig)
	}

	eras := make(map[string]bool)
	for i, r := range c.ReplacementRules {
		if r.Era == "" {
			return fmt.Errorf("%w: replacement_rules[%d].era is required", ErrConfig, i)
		}
		if eras[r.Era] {
			return fmt.Errorf("%w: duplicate replacement era %q", ErrConfig, r.Era)
		}
		eras[r.Era] = true
		if r.Until != 0 && r.Until <= r.From {
			return fmt.Errorf("%w: era %q ends before it starts", ErrConfig, r.Era)
		}
		if r.MinEvidence == EvidenceUnknown {
			return fmt.Errorf("%w: era %q needs min_evidence", ErrConfig, r.Era)
		}
	}
	return nil
}

// requireSource fails unless id names an enabled source of the given kind.
func (c *MergeConfig) requireSource(field, id, kind string) error {
	if id == "" {
		return fmt.Errorf("%w: %s is required", ErrConfig, field)
	}
	s := c.Source(id)
	if s == nil {
		return fmt.Errorf("%w: %s references unknown source %q", ErrConfig, field, id)
	}
	if !s.Enabled {
		return fmt.Errorf("%w: %s references disabled source %q", ErrConfig, field, id)
	}
	if s.Kind != kind {
		return fmt.Errorf("%w: %s references %s source %q", ErrConfig, field, s.Kind, id)
	}
	return nil
}

func (c *MergeConfig) checkSourceFiles() error {
	for _, s := range c.Sources {
		if !s.Enabled {
			continue
		}
		if _, err := os.Stat(s.Path); err != nil {
			return fmt.Errorf("%w: source %q: %s", ErrSourceMissing, s.ID, s.Path)
		}
	}
	return nil
}

// Source returns the source config for id, or nil.
func (c *MergeConfig) Source(id string) *SourceConfig {
	for i := range c.Sources {
		if c.Sources[i].ID == id {
			return &c.Sources[i]
		}
	}
	return nil
}

// EnabledSources returns the enabled sources of a kind ordered by priority
// then id.
func (c *MergeConfig) EnabledSources(kind string) []SourceConfig {
	var out []SourceConfig
	for _, s := range c.Sources {
		if s.Enabled && s.Kind == kind {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// SnapshotYears returns the distinct snapshot years of the enabled
// historical road sources, ascending.
func (c *MergeConfig) SnapshotYears() []int {
	seen := make(map[int]bool)
	var years []int
	for _, s := range c.EnabledSources(KindRoads) {
		if c.Roads != nil && s.ID == c.Roads.Baseline {
			continue
		}
		if s.SnapshotYear > 0 && !seen[s.SnapshotYear] {
			seen[s.SnapshotYear] = true
			years = append(years, s.SnapshotYear)
		}
	}
	sort.Ints(years)
	return years
}

// RuleForYear returns the replacement rule whose era contains year. A year
// outside every era has no rule, which forbids replacement.
func (c *MergeConfig) RuleForYear(year int) (ReplacementRule, bool) {
	for _, r := range c.ReplacementRules {
		if year >= r.From && (r.Until == 0 || year < r.Until) {
			return r, true
		}
	}
	return ReplacementRule{}, false
}

// SaveConfig writes the config as YAML.
func SaveConfig(path string, config *MergeConfig) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

func stringSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
