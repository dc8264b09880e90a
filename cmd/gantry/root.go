// Package gantry implements the gantry command line interface. The root
// command runs a pipeline, subcommands lint definitions, move artifacts
// and print version information.
package gantry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/gantryci/gantry/pkg/artifacts"
	"github.com/gantryci/gantry/pkg/condition"
	"github.com/gantryci/gantry/pkg/config"
	"github.com/gantryci/gantry/pkg/events"
	"github.com/gantryci/gantry/pkg/metrics"
	"github.com/gantryci/gantry/pkg/models"
	"github.com/gantryci/gantry/pkg/runner"
	"github.com/gantryci/gantry/pkg/scheduler"
	"github.com/gantryci/gantry/pkg/utils"
)

var (
	pipelineFile      string
	configFile        string
	envVars           []string
	envFile           string
	gitBranch         string
	gitTag            string
	pullRequest       string
	srcDir            string
	buildDir          string
	reportFile        string
	metricsAddr       string
	mountDockerSocket bool
	registryUsername  string
	registryPassword  string
	showImagePull     bool
	verbose           bool
)

var rootCmd = &cobra.Command{
	Use:   "gantry",
	Short: "Gantry is a local-first CI pipeline runner",
	Long: `Gantry runs Semaphore-style pipelines defined in a file ( default gantry.yml ).
Blocks run as soon as their dependencies pass and jobs within a block are executed
concurrently, in shell or docker agents.`,
	SilenceUsage:  true,
	SilenceErrors: true,

	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipeline(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&pipelineFile, "file", "f", "gantry.yml", "Path to the pipeline definition.")
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to the runner configuration. Defaults to gantry.toml when present.")
	rootCmd.PersistentFlags().StringVar(&srcDir, "src", ".", "Project directory staged into job workspaces.")
	rootCmd.PersistentFlags().StringVar(&buildDir, "build-dir", runner.DefaultBuildDir, "Directory for workspaces, staging files and run reports.")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging.")

	rootCmd.Flags().StringArrayVarP(&envVars, "env", "e", nil, "Environment variables for all jobs. KEY=VALUE")
	rootCmd.Flags().StringVar(&envFile, "env-file", "", "Load additional job environment variables from a dotenv file.")
	rootCmd.Flags().StringVar(&gitBranch, "branch", "", "Branch the run was triggered from.")
	rootCmd.Flags().StringVar(&gitTag, "tag", "", "Tag the run was triggered from.")
	rootCmd.Flags().StringVar(&pullRequest, "pull-request", "", "Pull request number the run was triggered from.")
	rootCmd.Flags().StringVar(&reportFile, "report", "", "Write the run report here. Defaults to <build-dir>/runs/<run-id>.json.")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Expose Prometheus metrics on this address for the duration of the run.")
	rootCmd.Flags().BoolVarP(&mountDockerSocket, "mount-docker-socket", "m", false, "Mount docker socket. Required for jobs that run containers themselves.")
	rootCmd.Flags().StringVarP(&registryUsername, "registry-username", "u", "", "Username for the container registry")
	rootCmd.Flags().StringVarP(&registryPassword, "registry-password", "p", "", "Password / Token for the container registry")
	rootCmd.Flags().BoolVar(&showImagePull, "show-image-pull", false, "Stream docker image pull progress.")

	rootCmd.AddCommand(lintCmd)
	rootCmd.AddCommand(artifactCmd)
	rootCmd.AddCommand(versionCmd)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "gantry:", err)
		os.Exit(1)
	}
}

func runPipeline(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := newLogger(verbose)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if metricsAddr == "" {
		metricsAddr = cfg.Metrics.Addr
	}
	if metricsAddr != "" {
		serveMetrics(log, metricsAddr)
	}

	cliEnv, err := cliEnvVars()
	if err != nil {
		return err
	}

	pipeline, err := models.Load(pipelineFile)
	if err != nil {
		return err
	}

	runID := uuid.NewString()

	store, err := newStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	if err := utils.EnsureDir(buildDir); err != nil {
		return fmt.Errorf("could not create build directory: %w", err)
	}
	manager := artifacts.NewManager(store, projectName(), runID, buildDir, log)

	sink, err := newSink(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := sink.Close(context.WithoutCancel(ctx)); err != nil {
			log.Error("could not close event sink", "error", err)
		}
	}()

	sched := scheduler.New(scheduler.Options{
		Logger:    log,
		Registry:  runner.NewRegistry(cfg.Agents),
		Artifacts: manager,
		Events:    sink,
		RunID:     runID,
		Condition: condition.Context{Branch: gitBranch, Tag: gitTag, PullRequest: pullRequest},
		Env:       cliEnv,
		SrcDir:    srcDir,
		BuildDir:  buildDir,

		ShowImagePull:     showImagePull,
		MountDockerSocket: mountDockerSocket,
		RegistryUser:      registryUsername,
		RegistryPass:      registryPassword,
	})

	report, err := sched.Run(ctx, pipeline)
	if err != nil {
		return err
	}

	printSummary(os.Stdout, report)
	if path, err := writeReport(report); err != nil {
		log.Error("could not write run report", "error", err)
	} else {
		log.Info("run report written", "path", path)
	}

	if report.Result != scheduler.ResultPassed {
		return fmt.Errorf("run %s %s", report.RunID, report.Result)
	}
	return nil
}

func loadConfig() (*config.Config, error) {
	if configFile != "" {
		return config.Load(configFile)
	}
	return config.LoadDefault()
}

// projectName derives the artifact store project from the source directory,
// the way most CI systems name a project after its repository.
func projectName() string {
	abs, err := filepath.Abs(srcDir)
	if err != nil {
		return filepath.Base(srcDir)
	}
	return filepath.Base(abs)
}

// cliEnvVars merges --env-file with -e flags into the run's extra
// environment. Flag values win over file values of the same name.
func cliEnvVars() ([]models.EnvVar, error) {
	var fileVars []models.EnvVar
	if envFile != "" {
		kv, err := godotenv.Read(envFile)
		if err != nil {
			return nil, fmt.Errorf("could not read env file: %w", err)
		}
		names := make([]string, 0, len(kv))
		for name := range kv {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fileVars = append(fileVars, models.EnvVar{Name: name, Value: kv[name]})
		}
	}

	flagVars := make([]models.EnvVar, 0, len(envVars))
	for _, v := range envVars {
		name, value, ok := strings.Cut(v, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("variables should be defined as KEY=VALUE: %s", v)
		}
		flagVars = append(flagVars, models.EnvVar{Name: name, Value: value})
	}
	return models.MergeEnv(fileVars, flagVars), nil
}

func newStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (artifacts.Store, error) {
	if cfg.Artifacts.Backend == config.BackendS3 {
		return artifacts.NewS3Store(ctx, cfg.Artifacts.S3, log)
	}
	return artifacts.NewFSStore(cfg.Artifacts.Dir, log)
}

func newSink(ctx context.Context, cfg *config.Config, log *slog.Logger) (events.Sink, error) {
	if !cfg.Events.Enabled {
		return events.NopSink{}, nil
	}
	return events.NewKafkaSink(ctx, cfg.Events.Brokers, cfg.Events.Topic, log)
}

// serveMetrics exposes /metrics for the duration of the run. The listener
// dies with the process; a run has no shutdown sequence.
func serveMetrics(log *slog.Logger, addr string) {
	metrics.BuildInfo.WithLabelValues(version, commit, builddate).Set(1)
	go func() {
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			log.Error("could not start metrics listener", "error", err)
			return
		}
		log.Info("metrics server listening", "address", listener.Addr().String())
		http.Handle("/metrics", promhttp.Handler())
		if err := http.Serve(listener, nil); err != nil {
			log.Error("metrics server failed", "error", err)
		}
	}()
}

func printSummary(w io.Writer, report *scheduler.Report) {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	table.SetHeader([]string{"Block", "Job", "Result", "Duration", "Details"})
	for _, block := range report.Blocks {
		if len(block.Jobs) == 0 {
			table.Append([]string{block.Name, "", string(block.Result), "", block.Reason})
			continue
		}
		for _, job := range block.Jobs {
			duration := ""
			if !job.FinishedAt.IsZero() {
				duration = job.FinishedAt.Sub(job.StartedAt).Round(time.Millisecond).String()
			}
			table.Append([]string{block.Name, job.Name, string(job.Result), duration, job.Reason})
		}
	}
	table.Render()
	fmt.Fprintf(w, "Run %s: %s in %s\n",
		report.RunID, report.Result, report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
}

func writeReport(report *scheduler.Report) (string, error) {
	path := reportFile
	if path == "" {
		path = filepath.Join(buildDir, "runs", report.RunID+".json")
	}
	if err := utils.EnsureDir(filepath.Dir(path)); err != nil {
		return "", err
	}
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := report.WriteJSON(f); err != nil {
		return "", err
	}
	return path, nil
}

// newLogger writes engine logs to stderr so they interleave cleanly with
// job output on stdout.
func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				t := a.Value.Time().UTC()
				a.Value = slog.StringValue(formatRFC3339Millis(t))
			}
			if s, ok := a.Value.Any().(string); ok && s == "" {
				return slog.Attr{}
			}
			return a
		},
	}))
}

func formatRFC3339Millis(t time.Time) string {
	t = t.UTC()
	base := t.Format("2006-01-02T15:04:05")
	ms := t.Nanosecond() / 1_000_000
	return fmt.Sprintf("%s.%03dZ", base, ms)
}
