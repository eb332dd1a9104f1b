package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/pitabwire/triage/internal/flow"
	"github.com/pitabwire/triage/internal/steptype"
	"github.com/pitabwire/triage/model"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [directory...]",
		Short: "Validate flow definition files",
		Long: `validate loads every flow definition YAML file in the given directories
(or the configured definition directories) and reports graph errors and
warnings. It exits non-zero when any flow has errors.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dirs := args
			if len(dirs) == 0 {
				cfg, err := loadConfig(cmd)
				if err != nil {
					return err
				}
				dirs = cfg.Definitions.Directories
			}
			return validateDirs(cmd.OutOrStdout(), dirs)
		},
	}
}

func validateDirs(out io.Writer, dirs []string) error {
	defs, err := flow.NewLoader().LoadAll(dirs)
	if err != nil {
		return err
	}
	if len(defs) == 0 {
		return fmt.Errorf("no flow definitions found in %v", dirs)
	}

	validator := flow.NewValidator(steptype.DefaultRegistry())
	invalid := 0
	for _, def := range defs {
		res := validator.Validate(def.Flow)
		status := "ok"
		if !res.Valid() {
			status = "invalid"
			invalid++
		}
		fmt.Fprintf(out, "%s (%s): %s, %d error(s), %d warning(s)\n",
			def.Flow.ID, def.SourceFile, status, len(res.Errors), len(res.Warnings))
		printIssues(out, "error", res.Errors)
		printIssues(out, "warning", res.Warnings)
	}
	if invalid > 0 {
		return fmt.Errorf("%d of %d flow definition(s) invalid", invalid, len(defs))
	}
	return nil
}

func printIssues(out io.Writer, kind string, issues []model.Issue) {
	for _, i := range issues {
		fmt.Fprintf(out, "  %s %s: %s [%s]\n", kind, i.Path, i.Message, i.Code)
	}
}
