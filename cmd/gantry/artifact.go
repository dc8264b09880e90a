package gantry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/gantryci/gantry/pkg/artifacts"
	"github.com/gantryci/gantry/pkg/models"
	"github.com/gantryci/gantry/pkg/utils"
)

var (
	artifactScope       string
	artifactWorkflow    string
	artifactJob         string
	artifactProject     string
	artifactDestination string
)

var artifactCmd = &cobra.Command{
	Use:   "artifact",
	Short: "Move artifacts in and out of the store",
	Long: `Artifact gives direct access to the artifact store outside of a run,
for example to fetch the wheels a tagged run produced. Workflow scoped
artifacts need the run id of the run that pushed them.`,
}

var artifactPushCmd = &cobra.Command{
	Use:   "push <path>",
	Short: "Upload a file or directory, relative to the current directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return transferArtifact(cmd.Context(), models.ArtifactStep{
			Push:        args[0],
			Destination: artifactDestination,
			Scope:       artifactScope,
		})
	},
}

var artifactPullCmd = &cobra.Command{
	Use:   "pull <name>",
	Short: "Download an artifact into the current directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return transferArtifact(cmd.Context(), models.ArtifactStep{
			Pull:        args[0],
			Destination: artifactDestination,
			Scope:       artifactScope,
		})
	},
}

var artifactListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the artifacts stored under a scope",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		log := newLogger(verbose)

		scope, err := artifacts.ParseScope(artifactScope)
		if err != nil {
			return err
		}
		store, err := artifactStore(ctx, log)
		if err != nil {
			return err
		}
		metas, err := store.List(ctx, artifacts.Ref{
			Scope:   scope,
			Project: artifactProjectName(),
			RunID:   artifactWorkflow,
			JobID:   artifactJob,
		})
		if err != nil {
			return err
		}
		if len(metas) == 0 {
			fmt.Println("no artifacts found")
			return nil
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetAutoWrapText(false)
		table.SetAutoFormatHeaders(false)
		table.SetHeader([]string{"Name", "Size", "Dir", "Pushed At"})
		for _, meta := range metas {
			dir := ""
			if meta.Dir {
				dir = "yes"
			}
			table.Append([]string{meta.Name, fmt.Sprintf("%d", meta.Size), dir, meta.PushedAt.Format(time.RFC3339)})
		}
		table.Render()
		return nil
	},
}

func init() {
	artifactCmd.PersistentFlags().StringVar(&artifactScope, "scope", "workflow", "Artifact scope: job, workflow or project.")
	artifactCmd.PersistentFlags().StringVar(&artifactWorkflow, "workflow", "", "Run id for workflow scoped artifacts.")
	artifactCmd.PersistentFlags().StringVar(&artifactJob, "job", "", "Job id for job scoped artifacts.")
	artifactCmd.PersistentFlags().StringVar(&artifactProject, "project", "", "Project name. Defaults to the source directory name.")
	artifactPushCmd.Flags().StringVarP(&artifactDestination, "destination", "d", "", "Store the artifact under this name.")
	artifactPullCmd.Flags().StringVarP(&artifactDestination, "destination", "d", "", "Download to this path instead of the artifact name.")

	artifactCmd.AddCommand(artifactPushCmd)
	artifactCmd.AddCommand(artifactPullCmd)
	artifactCmd.AddCommand(artifactListCmd)
}

func transferArtifact(ctx context.Context, step models.ArtifactStep) error {
	log := newLogger(verbose)

	store, err := artifactStore(ctx, log)
	if err != nil {
		return err
	}
	if err := utils.EnsureDir(buildDir); err != nil {
		return fmt.Errorf("could not create build directory: %w", err)
	}
	mgr := artifacts.NewManager(store, artifactProjectName(), artifactWorkflow, buildDir, log)

	workdir, err := os.Getwd()
	if err != nil {
		return err
	}
	if step.Push != "" {
		meta, err := mgr.Push(ctx, artifactJob, step, workdir)
		if err != nil {
			return err
		}
		log.Info("artifact pushed", "name", meta.Name, "key", meta.Key, "size", meta.Size)
		return nil
	}
	meta, err := mgr.Pull(ctx, artifactJob, step, workdir)
	if err != nil {
		return err
	}
	log.Info("artifact pulled", "name", meta.Name, "path", step.LocalPath(), "size", meta.Size)
	return nil
}

func artifactStore(ctx context.Context, log *slog.Logger) (artifacts.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return newStore(ctx, cfg, log)
}

func artifactProjectName() string {
	if artifactProject != "" {
		return artifactProject
	}
	return projectName()
}
