package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/kwv/histmerge/merge"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `baseline_reference_year: 2023
sources:
  - id: survey
    path: survey.geojson
    kind: buildings
    enabled: true
    priority: 1
    date_priority: 1
    trust_dates: true
  - id: archive
    path: archive.geojson
    kind: buildings
    enabled: true
    priority: 2
    date_priority: 2
  - id: streets
    path: streets.geojson
    kind: roads
    enabled: true
  - id: map1880
    path: map1880.geojson
    kind: roads
    enabled: true
    snapshot_year: 1880
    confidence: 0.9
buildings:
  baseline: survey
roads:
  baseline: streets
road_matching:
  reference_latitude: 52
`

const (
	square1 = `[[[13,52],[13.0002,52],[13.0002,52.0002],[13,52.0002],[13,52]]]`
	square2 = `[[[13.001,52],[13.0012,52],[13.0012,52.0002],[13.001,52.0002],[13.001,52]]]`
	street  = `[[13,52],[13.003,52]]`
)

func featureJSON(id, geomType, coords, extra string) string {
	props := fmt.Sprintf(`"id":%q`, id)
	if extra != "" {
		props += "," + extra
	}
	return fmt.Sprintf(`{"type":"Feature","geometry":{"type":%q,"coordinates":%s},"properties":{%s}}`, geomType, coords, props)
}

func collectionJSON(features ...string) string {
	out := `{"type":"FeatureCollection","features":[`
	for i, f := range features {
		if i > 0 {
			out += ","
		}
		out += f
	}
	return out + "]}"
}

// writeFixtures lays out a config with building and road sources.
func writeFixtures(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"merge.yaml": testConfig,
		"survey.geojson": collectionJSON(
			featureJSON("b1", "Polygon", square1, ""),
			featureJSON("b2", "Polygon", square2, ""),
		),
		"archive.geojson": collectionJSON(
			featureJSON("a1", "Polygon", square1, `"date_claims":[{"role":"start","year":1905,"bound_kind":"exact"}]`),
		),
		"streets.geojson": collectionJSON(featureJSON("s1", "LineString", street, "")),
		"map1880.geojson": collectionJSON(featureJSON("h1", "LineString", street, "")),
	}
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0644))
	}
	return filepath.Join(dir, "merge.yaml")
}

func readFeatures(t *testing.T, path string) []map[string]interface{} {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var fc struct {
		Features []struct {
			Properties map[string]interface{} `json:"properties"`
		} `json:"features"`
	}
	require.NoError(t, json.Unmarshal(data, &fc))
	out := make([]map[string]interface{}, len(fc.Features))
	for i, f := range fc.Features {
		out[i] = f.Properties
	}
	return out
}

func TestNewApp(t *testing.T) {
	app := NewApp(nil)
	require.NotNil(t, app)
	assert.NotNil(t, app.Log)
	assert.NotNil(t, app.Metrics)
}

func TestApplyOptions(t *testing.T) {
	app := NewApp(nil)
	require.NoError(t, app.ApplyOptions(AppOptions{
		ConfigFile:  "merge.yaml",
		OutputDir:   "out",
		Workers:     4,
		MinEvidence: "medium",
		MQTT:        merge.MQTTSettings{Broker: "tcp://broker:1883"},
	}))
	assert.Equal(t, "merge.yaml", app.ConfigFile)
	assert.Equal(t, 4, app.Workers)
	assert.Equal(t, merge.EvidenceMedium, app.MinEvidence)
	assert.Equal(t, "tcp://broker:1883", app.MQTT.Broker)

	err := app.ApplyOptions(AppOptions{MinEvidence: "certain"})
	assert.ErrorContains(t, err, "--min-evidence")

	err = app.ApplyOptions(AppOptions{MQTT: merge.MQTTSettings{QoS: 3}})
	assert.ErrorContains(t, err, "--mqtt-qos")
}

func TestApp_RunBuildings(t *testing.T) {
	cfgPath := writeFixtures(t)
	out := t.TempDir()

	app := NewApp(nil)
	require.NoError(t, app.ApplyOptions(AppOptions{
		ConfigFile:  cfgPath,
		OutputDir:   out,
		Workers:     2,
		MinEvidence: "medium",
		MetricsFile: filepath.Join(out, "histmerge.prom"),
		PreviewFile: filepath.Join(out, "preview.svg"),
	}))

	outcome, err := app.Run(context.Background(), merge.KindBuildings)
	require.NoError(t, err)
	assert.Equal(t, 2, outcome.Merged)
	assert.Equal(t, 0, outcome.Unmatched)
	assert.Equal(t, []string{
		"buildings-merged.geojson",
		"buildings-unmatched.geojson",
		"buildings-merged-medium.geojson",
		"buildings-report.json",
	}, outcome.Outputs)

	features := readFeatures(t, filepath.Join(out, "buildings-merged.geojson"))
	require.Len(t, features, 2)
	years := map[string]interface{}{}
	for _, p := range features {
		years[p["primary_record"].(string)] = p["start_year"]
	}
	assert.Equal(t, 1905.0, years["b1"])
	assert.Equal(t, 1905.0, years["b2"], "inherited from the dated neighbour")

	assert.Len(t, readFeatures(t, filepath.Join(out, "buildings-merged-medium.geojson")), 1)

	var report merge.MergeReport
	data, err := os.ReadFile(filepath.Join(out, "buildings-report.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &report))
	assert.Equal(t, 1, report.Sources["archive"].Matched)
	assert.Equal(t, 1, report.Inheritance["median"])

	assert.FileExists(t, filepath.Join(out, "histmerge.prom"))
	assert.FileExists(t, filepath.Join(out, "preview.svg"))
}

func TestApp_RunRoads(t *testing.T) {
	app := NewApp(nil)
	require.NoError(t, app.ApplyOptions(AppOptions{ConfigFile: writeFixtures(t), OutputDir: t.TempDir()}))

	outcome, err := app.Run(context.Background(), merge.KindRoads)
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Merged)
	assert.Equal(t, 1, outcome.Report.RoadChanges["same"])

	features := readFeatures(t, filepath.Join(app.OutputDir, "roads-merged.geojson"))
	require.Len(t, features, 1)
	assert.Equal(t, "same", features[0]["change"])
	assert.Equal(t, 1880.0, features[0]["start_year"])
}

func TestApp_RunErrors(t *testing.T) {
	t.Run("missing config", func(t *testing.T) {
		app := NewApp(nil)
		require.NoError(t, app.ApplyOptions(AppOptions{ConfigFile: filepath.Join(t.TempDir(), "nope.yaml"), OutputDir: t.TempDir()}))
		_, err := app.Run(context.Background(), merge.KindBuildings)
		assert.ErrorIs(t, err, merge.ErrConfig)
		assert.Equal(t, exitConfig, exitCode(err))
	})

	t.Run("source removed after validation", func(t *testing.T) {
		cfgPath := writeFixtures(t)
		app := NewApp(nil)
		require.NoError(t, app.ApplyOptions(AppOptions{ConfigFile: cfgPath, OutputDir: t.TempDir()}))
		require.NoError(t, app.LoadConfig())
		require.NoError(t, os.Remove(filepath.Join(filepath.Dir(cfgPath), "archive.geojson")))

		_, err := app.Run(context.Background(), merge.KindBuildings)
		assert.ErrorIs(t, err, merge.ErrSourceMissing)
	})

	t.Run("unknown kind", func(t *testing.T) {
		app := NewApp(nil)
		require.NoError(t, app.ApplyOptions(AppOptions{ConfigFile: writeFixtures(t), OutputDir: t.TempDir()}))
		_, err := app.Run(context.Background(), "rivers")
		assert.ErrorContains(t, err, "unknown feature kind")
		assert.Equal(t, exitFailure, exitCode(err))
	})
}

// recordingClient implements mqtt.Client for testing
type recordingClient struct {
	mu        sync.Mutex
	connected bool
	topics    []string
	qos       []byte
	payloads  [][]byte
}

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (c *recordingClient) IsConnected() bool      { return c.connected }
func (c *recordingClient) IsConnectionOpen() bool { return c.connected }
func (c *recordingClient) Connect() mqtt.Token    { c.connected = true; return doneToken{} }
func (c *recordingClient) Disconnect(uint)        { c.connected = false }
func (c *recordingClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = append(c.topics, topic)
	c.qos = append(c.qos, qos)
	c.payloads = append(c.payloads, payload.([]byte))
	return doneToken{}
}
func (c *recordingClient) Subscribe(string, byte, mqtt.MessageHandler) mqtt.Token {
	return doneToken{}
}
func (c *recordingClient) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return doneToken{}
}
func (c *recordingClient) Unsubscribe(...string) mqtt.Token        { return doneToken{} }
func (c *recordingClient) AddRoute(string, mqtt.MessageHandler)    {}
func (c *recordingClient) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

func TestApp_Publish(t *testing.T) {
	client := &recordingClient{connected: true}
	app := NewApp(nil)
	require.NoError(t, app.ApplyOptions(AppOptions{
		ConfigFile: writeFixtures(t),
		OutputDir:  t.TempDir(),
		MQTT:       merge.MQTTSettings{Broker: "tcp://broker:1883", Prefix: "city", QoS: 2},
	}))
	app.connect = func(s merge.MQTTSettings) (*merge.ReportPublisher, error) {
		return app.newPublisher(client, s), nil
	}

	_, err := app.Run(context.Background(), merge.KindBuildings)
	require.NoError(t, err)
	app.Close()

	require.Equal(t, []string{"city/buildings/report"}, client.topics)
	assert.Equal(t, []byte{2}, client.qos)
	var summary map[string]interface{}
	require.NoError(t, json.Unmarshal(client.payloads[0], &summary))
	assert.Equal(t, "buildings", summary["kind"])
	assert.False(t, client.connected, "closed after the run")
}

func TestApp_PublishFailureDoesNotFailRun(t *testing.T) {
	app := NewApp(nil)
	require.NoError(t, app.ApplyOptions(AppOptions{
		ConfigFile: writeFixtures(t),
		OutputDir:  t.TempDir(),
		MQTT:       merge.MQTTSettings{Broker: "tcp://unreachable:1883"},
	}))
	app.connect = func(merge.MQTTSettings) (*merge.ReportPublisher, error) {
		return nil, errors.New("connection refused")
	}

	_, err := app.Run(context.Background(), merge.KindBuildings)
	assert.NoError(t, err)
	assert.Nil(t, app.Publisher)
}

func TestApp_CheckConfig(t *testing.T) {
	app := NewApp(nil)
	require.NoError(t, app.ApplyOptions(AppOptions{ConfigFile: writeFixtures(t)}))

	var buf bytes.Buffer
	require.NoError(t, app.CheckConfig(&buf, ""))
	out := buf.String()
	assert.Contains(t, out, "ok (baseline reference year 2023)")
	assert.Contains(t, out, "buildings:")
	assert.Contains(t, out, "snapshot=1880")
	assert.NotContains(t, out, "normalized")
}

func TestApp_CheckConfigWritesNormalized(t *testing.T) {
	app := NewApp(nil)
	require.NoError(t, app.ApplyOptions(AppOptions{ConfigFile: writeFixtures(t)}))

	path := filepath.Join(t.TempDir(), "normalized.yaml")
	var buf bytes.Buffer
	require.NoError(t, app.CheckConfig(&buf, path))
	assert.Contains(t, buf.String(), "normalized config written to "+path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "inheritance:")

	again, err := merge.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, app.Config.Matching, again.Matching)
	assert.Equal(t, app.Config.Inheritance, again.Inheritance)
	assert.Equal(t, 52.0, *again.RoadMatching.ReferenceLatitude)
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(viper.New())
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func TestRootCmd(t *testing.T) {
	t.Run("version", func(t *testing.T) {
		out, err := execute(t, "version")
		require.NoError(t, err)
		assert.Contains(t, out, "histmerge version: dev")
	})

	t.Run("check-config", func(t *testing.T) {
		out, err := execute(t, "check-config", "--config", writeFixtures(t), "--log-level", "error")
		require.NoError(t, err)
		assert.Contains(t, out, "ok")
	})

	t.Run("check-config writes normalized config", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "merge.normalized.yaml")
		_, err := execute(t, "check-config", "--config", writeFixtures(t), "--log-level", "error", "--write-normalized", path)
		require.NoError(t, err)
		assert.FileExists(t, path)
	})

	t.Run("bad mqtt qos", func(t *testing.T) {
		_, err := execute(t, "check-config", "--config", writeFixtures(t), "--log-level", "error", "--mqtt-qos", "5")
		assert.ErrorContains(t, err, "--mqtt-qos")
	})

	t.Run("buildings with env output dir", func(t *testing.T) {
		out := t.TempDir()
		t.Setenv("HISTMERGE_OUTPUT_DIR", out)
		stdout, err := execute(t, "buildings", "--config", writeFixtures(t), "--log-level", "error", "--workers", "2")
		require.NoError(t, err)
		assert.Contains(t, stdout, "buildings: 2 merged, 0 unmatched")
		assert.FileExists(t, filepath.Join(out, "buildings-report.json"))
	})

	t.Run("bad log level", func(t *testing.T) {
		_, err := execute(t, "roads", "--config", writeFixtures(t), "--log-level", "loud")
		assert.ErrorContains(t, err, "invalid log level")
	})

	t.Run("config error exit code", func(t *testing.T) {
		_, err := execute(t, "check-config", "--config", filepath.Join(t.TempDir(), "missing.yaml"), "--log-level", "error")
		require.Error(t, err)
		assert.Equal(t, exitConfig, exitCode(err))
	})
}
