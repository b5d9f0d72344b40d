package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/kwv/histmerge/merge"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version is set at build time via -ldflags
var Version = "dev"

// Exit codes.
const (
	exitFailure = 1
	exitConfig  = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(viper.New()).ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "histmerge: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	if errors.Is(err, merge.ErrConfig) || errors.Is(err, merge.ErrSourceMissing) {
		return exitConfig
	}
	return exitFailure
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:   "histmerge",
		Short: "Resolve one spatial and temporal history from many sources",
		Long: `histmerge fuses building and road observations from several
sources into one canonical feature set with resolved construction and
demolition dates, evidence levels and provenance.

Settings can also be given as HISTMERGE_* environment variables, for
example HISTMERGE_OUTPUT_DIR or HISTMERGE_MQTT_BROKER.`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	flags := root.PersistentFlags()
	flags.String("config", "merge.yaml", "merge configuration file")
	flags.String("output-dir", "out", "directory for merged collections and reports")
	flags.Int("workers", runtime.GOMAXPROCS(0), "matching workers")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("log-format", merge.LogFormatConsole, "log format: console or json")
	flags.String("metrics-file", "", "write Prometheus metrics to this textfile")
	flags.String("preview", "", "write an SVG preview of the merged output")
	flags.String("min-evidence", "", "also write a collection filtered to this evidence level")
	flags.String("mqtt-broker", "", "publish the run summary to this MQTT broker")
	flags.String("mqtt-client-id", merge.DefaultTopicPrefix, "MQTT client id")
	flags.String("mqtt-username", "", "MQTT username")
	flags.String("mqtt-password", "", "MQTT password")
	flags.String("mqtt-prefix", merge.DefaultTopicPrefix, "MQTT topic prefix")
	flags.Int("mqtt-qos", 1, "MQTT publish QoS: 0, 1 or 2")

	_ = v.BindPFlags(flags)
	v.SetEnvPrefix("HISTMERGE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root.AddCommand(
		newMergeCmd(v, merge.KindBuildings, "Merge building sources"),
		newMergeCmd(v, merge.KindRoads, "Match and classify historical roads"),
		newCheckConfigCmd(v),
		newVersionCmd(),
	)
	return root
}

func newMergeCmd(v *viper.Viper, kind, short string) *cobra.Command {
	return &cobra.Command{
		Use:   kind,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newAppFromViper(v)
			if err != nil {
				return err
			}
			defer app.Close()

			outcome, err := app.Run(cmd.Context(), kind)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d merged, %d unmatched -> %s\n",
				kind, outcome.Merged, outcome.Unmatched, app.OutputDir)
			return nil
		},
	}
}

func newCheckConfigCmd(v *viper.Viper) *cobra.Command {
	var normalized string
	cmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate the merge configuration and source files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newAppFromViper(v)
			if err != nil {
				return err
			}
			defer app.Close()
			return app.CheckConfig(cmd.OutOrStdout(), normalized)
		},
	}
	cmd.Flags().StringVar(&normalized, "write-normalized", "", "write the config with defaults filled in to this file")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "histmerge version: %s\n", Version)
		},
	}
}

func newAppFromViper(v *viper.Viper) (*App, error) {
	log, err := merge.NewLogger(v.GetString("log-level"), v.GetString("log-format"))
	if err != nil {
		return nil, err
	}

	app := NewApp(log)
	err = app.ApplyOptions(AppOptions{
		ConfigFile:  v.GetString("config"),
		OutputDir:   v.GetString("output-dir"),
		Workers:     v.GetInt("workers"),
		MetricsFile: v.GetString("metrics-file"),
		PreviewFile: v.GetString("preview"),
		MinEvidence: v.GetString("min-evidence"),
		MQTT: merge.MQTTSettings{
			Broker:   v.GetString("mqtt-broker"),
			ClientID: v.GetString("mqtt-client-id"),
			Username: v.GetString("mqtt-username"),
			Password: v.GetString("mqtt-password"),
			Prefix:   v.GetString("mqtt-prefix"),
			QoS:      v.GetInt("mqtt-qos"),
		},
	})
	if err != nil {
		return nil, err
	}
	return app, nil
}
