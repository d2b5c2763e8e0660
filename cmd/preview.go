package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pageforge/pageforge/internal/preview"
	"github.com/pageforge/pageforge/internal/template"
)

func newPreviewCmd() *cobra.Command {
	var (
		varsPath   string
		stylesPath string
		showTokens bool
	)

	cmd := &cobra.Command{
		Use:   "preview <template-file>",
		Short: "Build the sandboxed preview document for a template file",
		Long: `Preview renders a template the way the editor's preview pane does:
fallback defaults fill missing variables, site style settings are
injected as CSS custom properties, and unresolved tokens are reported
on stderr. Use "-" to read the template from stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPreview(cmd, args[0], varsPath, stylesPath, showTokens)
		},
	}
	cmd.Flags().StringVar(&varsPath, "vars", "", "JSON file with live variables")
	cmd.Flags().StringVar(&stylesPath, "styles", "", "JSON file with site style settings")
	cmd.Flags().BoolVar(&showTokens, "unresolved", false, "list unresolved tokens instead of the document")
	return cmd
}

func runPreview(cmd *cobra.Command, templatePath, varsPath, stylesPath string, showTokens bool) error {
	input, err := readInput(cmd, templatePath)
	if err != nil {
		return err
	}

	settings := preview.Settings{Variables: template.Variables{}}
	if varsPath != "" {
		data, err := readInput(cmd, varsPath)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, &settings.Variables); err != nil {
			return fmt.Errorf("parsing variables: %w", err)
		}
	}
	if stylesPath != "" {
		data, err := readInput(cmd, stylesPath)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, &settings.Styles); err != nil {
			return fmt.Errorf("parsing styles: %w", err)
		}
	}

	doc := preview.NewBuilder(newLogger()).Build(string(input), settings)

	if showTokens {
		for _, token := range doc.Unresolved {
			fmt.Fprintln(cmd.OutOrStdout(), token)
		}
		return nil
	}
	if len(doc.Unresolved) > 0 {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %d unresolved tokens: %v\n",
			len(doc.Unresolved), doc.Unresolved)
	}
	fmt.Fprint(cmd.OutOrStdout(), doc.HTML)
	return nil
}
