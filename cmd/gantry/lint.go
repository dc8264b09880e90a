package gantry

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/gantryci/gantry/pkg/models"
)

var lintStrict bool

var lintCmd = &cobra.Command{
	Use:   "lint",
	Short: "Check a pipeline definition without running it",
	Long: `Lint parses the pipeline definition and reports problems: unknown
dependencies, dependency cycles, malformed conditions and artifact steps as
errors, references to script files missing from the project as warnings.`,

	RunE: func(cmd *cobra.Command, args []string) error {
		pipeline, err := models.Load(pipelineFile)
		if err != nil {
			return err
		}

		problems := models.Lint(pipeline)
		problems = append(problems, models.LintScripts(pipeline, srcDir)...)
		if len(problems) == 0 {
			fmt.Printf("%s: no problems found\n", pipelineFile)
			return nil
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetAutoWrapText(false)
		table.SetAutoFormatHeaders(false)
		table.SetHeader([]string{"Severity", "Block", "Job", "Problem"})
		failing := 0
		for _, p := range problems {
			if p.Severity == models.SeverityError || lintStrict {
				failing++
			}
			table.Append([]string{string(p.Severity), p.Block, p.Job, p.Message})
		}
		table.Render()

		if failing > 0 {
			return fmt.Errorf("%s: %d of %d problems are failing", pipelineFile, failing, len(problems))
		}
		return nil
	},
}

func init() {
	lintCmd.Flags().BoolVar(&lintStrict, "strict", false, "Treat warnings as errors.")
}
