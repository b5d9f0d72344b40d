package merge

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// footprint is an axis aligned lon/lat rectangle.
func footprint(lon, lat, w, h float64) orb.Polygon {
	return orb.Polygon{{
		{lon, lat}, {lon + w, lat}, {lon + w, lat + h}, {lon, lat + h}, {lon, lat},
	}}
}

func rec(source, id string, g orb.Geometry, claims ...DateClaim) *SourceRecord {
	for i := range claims {
		claims[i].SourceID = source
	}
	return &SourceRecord{SourceID: source, RecordID: id, Geometry: g, Claims: claims, Attributes: map[string]interface{}{}}
}

func collection(cfg *MergeConfig, id string, recs ...*SourceRecord) *SourceCollection {
	return &SourceCollection{Source: *cfg.Source(id), Records: recs}
}

func buildingConfig() *MergeConfig {
	cfg := DefaultMergeConfig()
	cfg.Sources = []SourceConfig{
		{ID: "survey", Kind: KindBuildings, Enabled: true, Priority: 1, DatePriority: 3, TrustDates: true},
		{ID: "archive", Kind: KindBuildings, Enabled: true, Priority: 2, DatePriority: 2},
		{ID: "register", Kind: KindBuildings, Enabled: true, Priority: 3, DatePriority: 1, TrustDates: true},
		{ID: "sketches", Kind: KindBuildings, Enabled: true, Priority: 4, DatePriority: 4},
	}
	cfg.Buildings = &BuildingSettings{
		Baseline:           "survey",
		KeepOwnGeometry:    []string{"sketches"},
		ResearcherGeometry: []string{"sketches"},
	}
	cfg.ReplacementRules = []ReplacementRule{
		{Era: "early", From: 1800, Until: 1950, MinEvidence: EvidenceMedium},
		{Era: "late", From: 1950, MinEvidence: EvidenceHigh},
	}
	cfg.applySourceDefaults()
	return cfg
}

func findFeature(t *testing.T, fs []*MergedFeature, source, record string) *MergedFeature {
	t.Helper()
	id := FeatureID(source, record)
	for _, f := range fs {
		if f.ID == id {
			return f
		}
	}
	t.Fatalf("feature %s/%s not in output", source, record)
	return nil
}

func assertInvariants(t *testing.T, fs []*MergedFeature) {
	t.Helper()
	for _, f := range fs {
		assert.NotEmpty(t, f.Provenance, "feature %s", f.ID)
		if f.Start.Resolved && f.End.Resolved {
			assert.LessOrEqual(t, f.Start.Year, f.End.Year, "feature %s", f.ID)
		}
		for _, a := range []ResolvedAttribute{f.Start, f.End} {
			for _, c := range a.Claims {
				assert.True(t, f.HasProvenance(c.SourceID), "claim source %s missing from %s", c.SourceID, f.ID)
			}
		}
	}
}

func sampleBuildingSources(cfg *MergeConfig) []*SourceCollection {
	return []*SourceCollection{
		collection(cfg, "survey",
			rec("survey", "A", footprint(13.0, 52.0, 0.0002, 0.0001)),
			rec("survey", "B", footprint(13.01, 52.0, 0.0002, 0.0001)),
		),
		collection(cfg, "archive",
			rec("archive", "a1", footprint(13.0, 52.0, 0.0002, 0.0001), claim(RoleStart, 1901, BoundExact, "")),
			rec("archive", "lost", footprint(13.05, 52.0, 0.0002, 0.0001), claim(RoleStart, 1850, BoundExact, "")),
			rec("archive", "flat", orb.Polygon{{{13.02, 52}, {13.021, 52}, {13.022, 52}, {13.02, 52}}}),
		),
		collection(cfg, "register",
			&SourceRecord{SourceID: "register", RecordID: "r1", Ref: "A", Claims: []DateClaim{claim(RoleStart, 1899, BoundExact, "register")}},
			&SourceRecord{SourceID: "register", RecordID: "ghost", Ref: "nope"},
		),
		collection(cfg, "sketches",
			rec("sketches", "shed", orb.Point{13.1, 52.0}),
		),
	}
}

func TestBuildingEngine_Run(t *testing.T) {
	cfg := buildingConfig()
	engine := &BuildingEngine{Config: cfg, Workers: 3}

	res, err := engine.Run(context.Background(), sampleBuildingSources(cfg))
	require.NoError(t, err)
	require.Len(t, res.Merged, 3)
	require.Len(t, res.Unmatched, 1)
	assertInvariants(t, res.Merged)

	t.Run("matched and ref attached dates", func(t *testing.T) {
		a := findFeature(t, res.Merged, "survey", "A")
		assert.Equal(t, []string{"archive", "register", "survey"}, a.Provenance)
		assert.Equal(t, 1899, a.Start.Year, "register has the lowest date priority")
		assert.Equal(t, "register", a.Start.SourceID)
		assert.Equal(t, EvidenceHigh, a.Evidence)
		assert.Equal(t, footprint(13.0, 52.0, 0.0002, 0.0001), a.Geometry)
		assert.Len(t, a.Records(), 3)
	})

	t.Run("undated neighbour inherits the median", func(t *testing.T) {
		b := findFeature(t, res.Merged, "survey", "B")
		assert.Equal(t, 1899, b.Start.Year)
		assert.Equal(t, MethodMedian, b.Start.Method)
		assert.Equal(t, 1, b.Start.DonorCount)
		assert.Equal(t, EvidenceLow, b.Evidence)
	})

	t.Run("keep own geometry source is merged", func(t *testing.T) {
		shed := findFeature(t, res.Merged, "sketches", "shed")
		assert.Equal(t, orb.Point{13.1, 52.0}, shed.Geometry)
		assert.Equal(t, MethodNearest, shed.Start.Method)
		assert.Greater(t, shed.Start.DonorDistanceM, 2000.0)
	})

	t.Run("far record is unmatched", func(t *testing.T) {
		uf := res.Unmatched[0]
		assert.Equal(t, FeatureID("archive", "lost"), uf.ID)
		assert.Equal(t, 1850, uf.Start.Year)
		assert.Equal(t, EvidenceMedium, uf.Evidence)
	})

	t.Run("report", func(t *testing.T) {
		r := res.Report
		assert.Equal(t, 3, r.Sources["archive"].Loaded)
		assert.Equal(t, 1, r.Sources["archive"].Matched)
		assert.Equal(t, 1, r.Sources["archive"].Unmatched)
		assert.Equal(t, 1, r.Sources["archive"].Degenerate)
		assert.Equal(t, 1, r.Sources["register"].Attached)
		assert.Equal(t, 1, r.Sources["register"].Unlinked)
		assert.Equal(t, 1, r.Sources["sketches"].Unmatched)
		require.Len(t, r.Exclusions, 1)
		assert.Equal(t, Exclusion{SourceID: "archive", RecordID: "flat", Reason: ReasonZeroArea}, r.Exclusions[0])
		assert.Equal(t, 1, r.Inheritance["median"])
		assert.Equal(t, 1, r.Inheritance["nearest"])
		assert.Equal(t, 3, r.MergedFeatures)
		assert.Equal(t, map[string]int{"high": 1, "low": 2}, r.Evidence)
	})
}

func TestBuildingEngine_Idempotent(t *testing.T) {
	cfg := buildingConfig()

	render := func(workers int) string {
		res, err := (&BuildingEngine{Config: cfg, Workers: workers}).Run(context.Background(), sampleBuildingSources(cfg))
		require.NoError(t, err)
		data, err := json.Marshal(MergedCollection(res.Merged))
		require.NoError(t, err)
		report, err := res.Report.JSON()
		require.NoError(t, err)
		return string(data) + string(report)
	}

	first := render(1)
	assert.Equal(t, first, render(1))
	assert.Equal(t, first, render(8), "worker count must not change the output")
}

func TestBuildingEngine_PriorityMonotonicity(t *testing.T) {
	cfg := buildingConfig()
	sources := sampleBuildingSources(cfg)
	reversed := make([]*SourceCollection, len(sources))
	for i, s := range sources {
		reversed[len(sources)-1-i] = s
	}

	for name, input := range map[string][]*SourceCollection{"forward": sources, "reversed": reversed} {
		t.Run(name, func(t *testing.T) {
			res, err := (&BuildingEngine{Config: cfg}).Run(context.Background(), input)
			require.NoError(t, err)
			assert.Equal(t, 1899, findFeature(t, res.Merged, "survey", "A").Start.Year)
		})
	}

	t.Run("swapped priorities", func(t *testing.T) {
		swapped := buildingConfig()
		swapped.Source("archive").DatePriority = 0
		res, err := (&BuildingEngine{Config: swapped}).Run(context.Background(), sampleBuildingSources(swapped))
		require.NoError(t, err)
		assert.Equal(t, 1901, findFeature(t, res.Merged, "survey", "A").Start.Year)
	})
}

func TestBuildingEngine_ResearcherGeometry(t *testing.T) {
	cfg := buildingConfig()
	plan := footprint(13.2, 52.0, 0.0002, 0.0001)
	sources := []*SourceCollection{
		collection(cfg, "survey",
			&SourceRecord{SourceID: "survey", RecordID: "C", Claims: []DateClaim{claim(RoleStart, 1930, BoundExact, "survey")}},
		),
		collection(cfg, "archive",
			&SourceRecord{SourceID: "archive", RecordID: "pin", Ref: "C", Geometry: orb.Point{13.2001, 52.00005}},
		),
		collection(cfg, "sketches",
			&SourceRecord{SourceID: "sketches", RecordID: "plan", Ref: "C", Geometry: plan},
		),
	}

	res, err := (&BuildingEngine{Config: cfg}).Run(context.Background(), sources)
	require.NoError(t, err)
	require.Len(t, res.Merged, 1)
	assert.Equal(t, plan, res.Merged[0].Geometry, "researcher geometry beats the higher priority point")
	assert.Equal(t, 1930, res.Merged[0].Start.Year)
}

func TestBuildingEngine_NoGeometryDropped(t *testing.T) {
	cfg := buildingConfig()
	sources := []*SourceCollection{
		collection(cfg, "survey",
			&SourceRecord{SourceID: "survey", RecordID: "X"},
			rec("survey", "Y", footprint(13.0, 52.0, 0.0001, 0.0001)),
		),
	}
	res, err := (&BuildingEngine{Config: cfg}).Run(context.Background(), sources)
	require.NoError(t, err)
	assert.Len(t, res.Merged, 1)
	assert.Equal(t, 1, res.Report.NoGeometry)
	assert.Equal(t, MethodFallback, res.Merged[0].Start.Method)
	assert.Equal(t, DefaultFallbackYear, res.Merged[0].Start.Year)
}

func TestBuildingEngine_Errors(t *testing.T) {
	cfg := buildingConfig()

	t.Run("no input", func(t *testing.T) {
		_, err := (&BuildingEngine{Config: cfg}).Run(context.Background(), []*SourceCollection{collection(cfg, "survey")})
		assert.ErrorIs(t, err, ErrNoInput)
	})

	t.Run("baseline not loaded", func(t *testing.T) {
		_, err := (&BuildingEngine{Config: cfg}).Run(context.Background(), []*SourceCollection{
			collection(cfg, "archive", rec("archive", "a", orb.Point{1, 1})),
		})
		assert.ErrorIs(t, err, ErrConfig)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := (&BuildingEngine{Config: cfg}).Run(ctx, sampleBuildingSources(cfg))
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestBuildingEngine_DuplicateRecordIDs(t *testing.T) {
	cfg := buildingConfig()
	sources := []*SourceCollection{
		collection(cfg, "survey", rec("survey", "A", footprint(13.0, 52.0, 0.0002, 0.0002))),
		collection(cfg, "archive",
			rec("archive", "x", footprint(13.05, 52.0, 0.0002, 0.0002)),
			rec("archive", "x", footprint(13.07, 52.0, 0.0002, 0.0002)),
		),
	}

	for _, workers := range []int{1, 4} {
		res, err := (&BuildingEngine{Config: cfg, Workers: workers}).Run(context.Background(), sources)
		require.NoError(t, err)

		require.Len(t, res.Unmatched, 1)
		assert.Equal(t, FeatureID("archive", "x"), res.Unmatched[0].ID)
		assert.Equal(t, 13.05, res.Unmatched[0].Record.Geometry.Bound().Min.Lon())

		assert.Equal(t, 1, res.Report.Sources["archive"].Degenerate)
		require.Len(t, res.Report.Exclusions, 1)
		assert.Equal(t, Exclusion{SourceID: "archive", RecordID: "x", Reason: ReasonDuplicateID}, res.Report.Exclusions[0])
	}
}

func TestBuildingEngine_BestCandidateTieBreak(t *testing.T) {
	cfg := buildingConfig()
	// two identical baseline footprints: the lower record id wins
	sources := []*SourceCollection{
		collection(cfg, "survey",
			rec("survey", "k2", footprint(13.0, 52.0, 0.0002, 0.0001)),
			rec("survey", "k1", footprint(13.0, 52.0, 0.0002, 0.0001)),
		),
		collection(cfg, "archive",
			rec("archive", "x", footprint(13.0, 52.0, 0.0002, 0.0001), claim(RoleStart, 1920, BoundExact, "")),
		),
	}
	res, err := (&BuildingEngine{Config: cfg, Workers: 2}).Run(context.Background(), sources)
	require.NoError(t, err)
	assert.True(t, findFeature(t, res.Merged, "survey", "k1").HasProvenance("archive"))
	assert.False(t, findFeature(t, res.Merged, "survey", "k2").HasProvenance("archive"))
}
