package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/relay/internal/activity"
	"github.com/rendis/relay/internal/diagram"
	"github.com/rendis/relay/internal/validation"
	"github.com/rendis/relay/pkg/schema"
)

func validateCmd() *cobra.Command {
	var showDiagram bool

	cmd := &cobra.Command{
		Use:   "validate <definition.json>",
		Short: "Validate a workflow definition file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			var def schema.WorkflowDefinition
			if err := json.Unmarshal(data, &def); err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}

			// Register the builtins so node types are checked; the
			// store-backed ones only need a store at execution time.
			registry := activity.NewRegistry()
			if err := activity.RegisterBuiltins(registry, activity.HTTPConfig{}); err != nil {
				return err
			}
			if err := activity.RegisterWorkflowActivities(registry, activity.WorkflowDeps{}); err != nil {
				return err
			}

			validator, err := validation.NewWorkflowValidator(registry)
			if err != nil {
				return err
			}

			result := validator.Validate(&def)
			for _, issue := range result.Warnings {
				fmt.Fprintf(cmd.OutOrStdout(), "warning: %s\n", issue)
			}
			for _, issue := range result.Errors {
				fmt.Fprintf(cmd.OutOrStdout(), "error: %s\n", issue)
			}
			if !result.Valid() {
				return fmt.Errorf("%s: definition is invalid (%d errors)", args[0], len(result.Errors))
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (workflow %s, %d nodes)\n",
				args[0], def.WorkflowID, len(def.Graph.Nodes))

			if showDiagram {
				model, err := diagram.Build(&def, nil, nil)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout())
				fmt.Fprintln(cmd.OutOrStdout(), diagram.RenderASCII(model))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showDiagram, "diagram", false, "print an ASCII diagram of the graph")
	return cmd
}
