package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pageforge/pageforge/internal/template"
)

func newRenderCmd() *cobra.Command {
	var varsPath string

	cmd := &cobra.Command{
		Use:   "render <template-file>",
		Short: "Substitute variables into a template file",
		Long: `Render substitutes {{variable}} tokens and expands {{#each}}/{{#if}}
blocks in the given HTML template. Variables come from a JSON file; the
result goes to stdout. Unknown tokens are removed, malformed blocks are
left as-is. Use "-" to read the template from stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRender(cmd, args[0], varsPath)
		},
	}
	cmd.Flags().StringVar(&varsPath, "vars", "", "JSON file with template variables")
	return cmd
}

func runRender(cmd *cobra.Command, templatePath, varsPath string) error {
	input, err := readInput(cmd, templatePath)
	if err != nil {
		return err
	}

	vars := template.Variables{}
	if varsPath != "" {
		data, err := readInput(cmd, varsPath)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, &vars); err != nil {
			return fmt.Errorf("parsing variables: %w", err)
		}
	}

	fmt.Fprint(cmd.OutOrStdout(), template.Render(string(input), vars))
	return nil
}
