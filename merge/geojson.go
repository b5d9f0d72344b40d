package merge

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"

	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"
)

// Property keys with a meaning to the loader. Everything else is kept as raw
// attributes.
const (
	propID         = "id"
	propDateClaims = "date_claims"
	propRef        = "ref"
	propConfidence = "confidence"
	propWidth      = "width_m"
)

// SourceCollection is the loaded, read-only content of one source file.
type SourceCollection struct {
	Source          SourceConfig
	Records         []*SourceRecord
	DiscardedClaims int
}

// uniqueRecords returns the records of c with the first occurrence of each
// record id kept in file order. Later records reusing an id are excluded.
func (c *SourceCollection) uniqueRecords(log *zap.Logger, report *MergeReport) []*SourceRecord {
	out := make([]*SourceRecord, 0, len(c.Records))
	seen := make(map[string]bool, len(c.Records))
	for _, rec := range c.Records {
		if seen[rec.RecordID] {
			excludeLogged(log, report, rec, ReasonDuplicateID)
			continue
		}
		seen[rec.RecordID] = true
		out = append(out, rec)
	}
	return out
}

// LoadSource reads one source GeoJSON file.
func LoadSource(src SourceConfig) (*SourceCollection, error) {
	data, err := os.ReadFile(src.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: source %q: %s", ErrSourceMissing, src.ID, src.Path)
		}
		return nil, fmt.Errorf("reading source %q: %w", src.ID, err)
	}
	coll, err := ParseSource(src, data)
	if err != nil {
		return nil, fmt.Errorf("source %q: %w", src.ID, err)
	}
	return coll, nil
}

// ParseSource converts a FeatureCollection into source records.
func ParseSource(src SourceConfig, data []byte) (*SourceCollection, error) {
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("parsing GeoJSON: %w", err)
	}

	coll := &SourceCollection{Source: src, Records: make([]*SourceRecord, 0, len(fc.Features))}
	for i, f := range fc.Features {
		rec := &SourceRecord{
			SourceID:   src.ID,
			RecordID:   recordID(f, i),
			Geometry:   f.Geometry,
			Confidence: src.Confidence,
			Attributes: make(map[string]interface{}),
		}
		for k, v := range f.Properties {
			switch k {
			case propID:
			case propDateClaims:
				claims, discarded := parseClaims(v, src.ID)
				rec.Claims = claims
				coll.DiscardedClaims += discarded
			case propRef:
				rec.Ref = scalarString(v)
			case propConfidence:
				if c, ok := v.(float64); ok && c >= 0 && c <= 1 {
					rec.Confidence = c
				}
			case propWidth:
				if w, ok := v.(float64); ok && w > 0 {
					rec.WidthM = w
				}
			default:
				rec.Attributes[k] = v
			}
		}
		coll.Records = append(coll.Records, rec)
	}
	return coll, nil
}

func recordID(f *geojson.Feature, index int) string {
	if id := scalarString(f.Properties[propID]); id != "" {
		return id
	}
	if id := scalarString(f.ID); id != "" {
		return id
	}
	return "#" + strconv.Itoa(index)
}

func scalarString(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		if x == math.Trunc(x) && !math.IsInf(x, 0) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		return x.String()
	}
	return ""
}

// parseClaims decodes the date_claims property. Claims with a missing or
// fractional year, an unknown role or bound kind, or a confidence outside
// [0,1] are dropped and counted.
func parseClaims(v interface{}, sourceID string) ([]DateClaim, int) {
	list, ok := v.([]interface{})
	if !ok {
		if v == nil {
			return nil, 0
		}
		return nil, 1
	}

	var claims []DateClaim
	discarded := 0
	for _, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			discarded++
			continue
		}
		c, ok := parseClaim(m, sourceID)
		if !ok {
			discarded++
			continue
		}
		claims = append(claims, c)
	}
	return claims, discarded
}

func parseClaim(m map[string]interface{}, sourceID string) (DateClaim, bool) {
	roleName, _ := m["role"].(string)
	role, err := ParseRole(roleName)
	if err != nil {
		return DateClaim{}, false
	}
	kindName, _ := m["bound_kind"].(string)
	kind, err := ParseBoundKind(kindName)
	if err != nil {
		return DateClaim{}, false
	}
	year, ok := m["year"].(float64)
	if !ok || year != math.Trunc(year) {
		return DateClaim{}, false
	}

	c := DateClaim{Role: role, Year: int(year), Bound: kind, SourceID: sourceID}
	if raw, present := m["confidence"]; present && raw != nil {
		conf, ok := raw.(float64)
		if !ok || conf < 0 || conf > 1 {
			return DateClaim{}, false
		}
		c.Confidence = &conf
	}
	return c, true
}

// MergedCollection renders merged features as GeoJSON, sorted by id.
func MergedCollection(features []*MergedFeature) *geojson.FeatureCollection {
	sorted := append([]*MergedFeature(nil), features...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	fc := geojson.NewFeatureCollection()
	for _, mf := range sorted {
		if mf.Geometry == nil {
			continue
		}
		f := geojson.NewFeature(mf.Geometry)
		f.ID = mf.ID
		p := f.Properties
		p["id"] = mf.ID
		p["primary_source"] = mf.PrimarySource
		p["primary_record"] = mf.PrimaryRecord
		setAttributeProperties(p, "start", mf.Start)
		setAttributeProperties(p, "end", mf.End)
		p["evidence"] = mf.Evidence.String()
		p["provenance"] = mf.Provenance
		if mf.Link.Replaces != "" {
			p["replaces"] = mf.Link.Replaces
		}
		if mf.Link.ReplacedBy != "" {
			p["replaced_by"] = mf.Link.ReplacedBy
		}
		if mf.Change != ChangeNone {
			p["change"] = mf.Change.String()
		}
		if mf.Metrics != nil {
			p["lss_ratio"] = mf.Metrics.LSSRatio
			p["hausdorff_m"] = mf.Metrics.HausdorffM
			p["endpoint_delta_m"] = mf.Metrics.EndpointDeltaM
		}
		if len(mf.records) > 0 && len(mf.records[0].Attributes) > 0 {
			p["raw_attributes"] = mf.records[0].Attributes
		}
		fc.Append(f)
	}
	return fc
}

// UnmatchedCollection renders unmatched historical features, sorted by id.
func UnmatchedCollection(features []*UnmatchedFeature) *geojson.FeatureCollection {
	sorted := append([]*UnmatchedFeature(nil), features...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	fc := geojson.NewFeatureCollection()
	for _, uf := range sorted {
		if uf.Record == nil || uf.Record.Geometry == nil {
			continue
		}
		f := geojson.NewFeature(uf.Record.Geometry)
		f.ID = uf.ID
		p := f.Properties
		p["id"] = uf.ID
		p["source"] = uf.Record.SourceID
		p["record"] = uf.Record.RecordID
		setAttributeProperties(p, "start", uf.Start)
		setAttributeProperties(p, "end", uf.End)
		p["evidence"] = uf.Evidence.String()
		p["provenance"] = uf.Provenance
		if uf.Change != ChangeNone {
			p["change"] = uf.Change.String()
		}
		if len(uf.Record.Attributes) > 0 {
			p["raw_attributes"] = uf.Record.Attributes
		}
		fc.Append(f)
	}
	return fc
}

func setAttributeProperties(p geojson.Properties, prefix string, a ResolvedAttribute) {
	if !a.Resolved {
		return
	}
	p[prefix+"_year"] = a.Year
	p[prefix+"_bound"] = a.Bound.String()
	p[prefix+"_confidence"] = a.Confidence
	p[prefix+"_source"] = a.SourceID
	p[prefix+"_method"] = string(a.Method)
	if len(a.Claims) > 0 {
		p[prefix+"_claims"] = a.Claims
	}
	if a.DonorCount > 0 {
		p["donor_count"] = a.DonorCount
	}
	if a.Method == MethodNearest {
		p["donor_distance_m"] = a.DonorDistanceM
	}
}

// WriteFeatureCollection writes fc as indented GeoJSON.
func WriteFeatureCollection(path string, fc *geojson.FeatureCollection) error {
	data, err := json.MarshalIndent(fc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling GeoJSON: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
