package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/kwv/histmerge/merge"
	"go.uber.org/zap"
)

// AppOptions are the run settings collected from flags and environment.
type AppOptions struct {
	ConfigFile  string
	OutputDir   string
	Workers     int
	MetricsFile string
	PreviewFile string
	MinEvidence string
	MQTT        merge.MQTTSettings
}

// App encapsulates the application state and dependencies
type App struct {
	Log       *zap.Logger
	Config    *merge.MergeConfig
	Metrics   *merge.RunMetrics
	Publisher *merge.ReportPublisher

	ConfigFile  string
	OutputDir   string
	Workers     int
	MetricsFile string
	PreviewFile string
	MinEvidence merge.EvidenceLevel
	MQTT        merge.MQTTSettings

	connect func(merge.MQTTSettings) (*merge.ReportPublisher, error)
	now     func() time.Time
}

// RunOutcome summarises one completed run.
type RunOutcome struct {
	Kind      string
	Merged    int
	Unmatched int
	Outputs   []string
	Report    *merge.MergeReport
	Elapsed   time.Duration
}

// NewApp creates a new App instance
func NewApp(log *zap.Logger) *App {
	if log == nil {
		log = zap.NewNop()
	}
	a := &App{
		Log:     log,
		Metrics: merge.NewRunMetrics(),
		now:     time.Now,
	}
	a.connect = a.dialPublisher
	return a
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) error {
	a.ConfigFile = opts.ConfigFile
	a.OutputDir = opts.OutputDir
	a.Workers = opts.Workers
	a.MetricsFile = opts.MetricsFile
	a.PreviewFile = opts.PreviewFile
	a.MQTT = opts.MQTT
	if q := opts.MQTT.QoS; q < 0 || q > 2 {
		return fmt.Errorf("--mqtt-qos: %d is not 0, 1 or 2", q)
	}

	a.MinEvidence = merge.EvidenceUnknown
	if opts.MinEvidence != "" {
		lvl, err := merge.ParseEvidenceLevel(opts.MinEvidence)
		if err != nil {
			return fmt.Errorf("--min-evidence: %w", err)
		}
		a.MinEvidence = lvl
	}
	return nil
}

// LoadConfig reads and validates the merge configuration.
func (a *App) LoadConfig() error {
	cfg, err := merge.LoadConfig(a.ConfigFile)
	if err != nil {
		return err
	}
	a.Config = cfg
	return nil
}

// CheckConfig validates the configuration and prints the enabled sources.
// When normalized is set the loaded config, defaults filled in, is written
// there as YAML.
func (a *App) CheckConfig(w io.Writer, normalized string) error {
	if err := a.LoadConfig(); err != nil {
		return err
	}
	fmt.Fprintf(w, "%s: ok (baseline reference year %d)\n", a.ConfigFile, a.Config.BaselineReferenceYear)
	for _, kind := range []string{merge.KindBuildings, merge.KindRoads} {
		sources := a.Config.EnabledSources(kind)
		if len(sources) == 0 {
			continue
		}
		fmt.Fprintf(w, "%s:\n", kind)
		for _, s := range sources {
			fmt.Fprintf(w, "  %-16s priority=%d date_priority=%d trust_dates=%t", s.ID, s.Priority, s.DatePriority, s.TrustDates)
			if s.SnapshotYear > 0 {
				fmt.Fprintf(w, " snapshot=%d", s.SnapshotYear)
			}
			fmt.Fprintln(w)
		}
	}
	if normalized != "" {
		if err := merge.SaveConfig(normalized, a.Config); err != nil {
			return err
		}
		fmt.Fprintf(w, "normalized config written to %s\n", normalized)
	}
	return nil
}

// loadSources reads every enabled source of kind.
func (a *App) loadSources(kind string) ([]*merge.SourceCollection, error) {
	var out []*merge.SourceCollection
	for _, src := range a.Config.EnabledSources(kind) {
		c, err := merge.LoadSource(src)
		if err != nil {
			return nil, err
		}
		a.Log.Info("source loaded",
			zap.String("source", src.ID),
			zap.Int("records", len(c.Records)),
			zap.Int("discarded_claims", c.DiscardedClaims))
		out = append(out, c)
	}
	return out, nil
}

// Run merges one feature kind and writes its outputs.
func (a *App) Run(ctx context.Context, kind string) (*RunOutcome, error) {
	if a.Config == nil {
		if err := a.LoadConfig(); err != nil {
			return nil, err
		}
	}
	start := a.now()

	sources, err := a.loadSources(kind)
	if err != nil {
		return nil, err
	}

	var (
		merged    []*merge.MergedFeature
		unmatched []*merge.UnmatchedFeature
		report    *merge.MergeReport
	)
	switch kind {
	case merge.KindBuildings:
		res, err := (&merge.BuildingEngine{Config: a.Config, Logger: a.Log, Workers: a.Workers}).Run(ctx, sources)
		if err != nil {
			return nil, err
		}
		merged, unmatched, report = res.Merged, res.Unmatched, res.Report
	case merge.KindRoads:
		res, err := (&merge.RoadEngine{Config: a.Config, Logger: a.Log, Workers: a.Workers}).Run(ctx, sources)
		if err != nil {
			return nil, err
		}
		merged, unmatched, report = res.Merged, res.Unmatched, res.Report
	default:
		return nil, fmt.Errorf("unknown feature kind %q", kind)
	}

	outputs, err := a.writeOutputs(kind, merged, unmatched, report)
	if err != nil {
		return nil, err
	}

	completed := a.now()
	outcome := &RunOutcome{
		Kind:      kind,
		Merged:    len(merged),
		Unmatched: len(unmatched),
		Outputs:   outputs,
		Report:    report,
		Elapsed:   completed.Sub(start),
	}

	a.Metrics.Observe(report, outcome.Elapsed, completed)
	if a.MetricsFile != "" {
		if err := a.Metrics.WriteTextfile(a.MetricsFile); err != nil {
			return nil, err
		}
	}

	a.publish(outcome, completed)

	a.Log.Info("run complete",
		zap.String("kind", kind),
		zap.Int("merged", outcome.Merged),
		zap.Int("unmatched", outcome.Unmatched),
		zap.Duration("elapsed", outcome.Elapsed))
	return outcome, nil
}

func (a *App) writeOutputs(kind string, merged []*merge.MergedFeature, unmatched []*merge.UnmatchedFeature, report *merge.MergeReport) ([]string, error) {
	if err := os.MkdirAll(a.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("creating output dir: %w", err)
	}

	var outputs []string
	write := func(name string, fn func(path string) error) error {
		path := filepath.Join(a.OutputDir, name)
		if err := fn(path); err != nil {
			return err
		}
		outputs = append(outputs, name)
		return nil
	}

	if err := write(kind+"-merged.geojson", func(p string) error {
		return merge.WriteFeatureCollection(p, merge.MergedCollection(merged))
	}); err != nil {
		return nil, err
	}
	if err := write(kind+"-unmatched.geojson", func(p string) error {
		return merge.WriteFeatureCollection(p, merge.UnmatchedCollection(unmatched))
	}); err != nil {
		return nil, err
	}
	if a.MinEvidence != merge.EvidenceUnknown {
		name := fmt.Sprintf("%s-merged-%s.geojson", kind, a.MinEvidence)
		filtered := merge.FilterByEvidence(merged, a.MinEvidence)
		if err := write(name, func(p string) error {
			return merge.WriteFeatureCollection(p, merge.MergedCollection(filtered))
		}); err != nil {
			return nil, err
		}
	}
	if err := write(kind+"-report.json", report.WriteJSON); err != nil {
		return nil, err
	}

	if a.PreviewFile != "" {
		if err := merge.NewPreviewRenderer().WriteFile(a.PreviewFile, merged, unmatched); err != nil {
			a.Log.Warn("preview not written", zap.String("path", a.PreviewFile), zap.Error(err))
		}
	}
	return outputs, nil
}

// publish sends the run summary when a broker is configured. Failures are
// logged and never fail the run.
func (a *App) publish(o *RunOutcome, completed time.Time) {
	if a.Publisher == nil {
		if a.MQTT.Broker == "" {
			return
		}
		p, err := a.connect(a.MQTT)
		if err != nil {
			a.Log.Warn("MQTT unavailable, summary not published", zap.String("broker", a.MQTT.Broker), zap.Error(err))
			return
		}
		a.Publisher = p
	}

	err := a.Publisher.Publish(&merge.RunSummary{
		Kind:        o.Kind,
		CompletedAt: completed.Unix(),
		DurationS:   o.Elapsed.Seconds(),
		Outputs:     o.Outputs,
		Report:      o.Report,
	})
	if err != nil {
		a.Log.Warn("publishing run summary failed", zap.Error(err))
	}
}

func (a *App) dialPublisher(s merge.MQTTSettings) (*merge.ReportPublisher, error) {
	client, err := merge.ConnectMQTT(s, 10*time.Second)
	if err != nil {
		return nil, err
	}
	return a.newPublisher(client, s), nil
}

func (a *App) newPublisher(client mqtt.Client, s merge.MQTTSettings) *merge.ReportPublisher {
	p := merge.NewReportPublisher(client, s.Prefix, a.Log)
	p.SetQoS(byte(s.QoS))
	return p
}

// Close releases the broker connection.
func (a *App) Close() {
	if a.Publisher != nil {
		a.Publisher.Close()
	}
	_ = a.Log.Sync()
}
