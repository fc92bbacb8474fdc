package main

import (
	"fmt"
	"io"
	"os"

	"github.com/blingmoon/process-router/workflow"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate <definition-file>...",
	Short: "Check process definitions for consistency",
	Long:  `Parses each JSON or YAML process definition and builds its graph, reporting dangling transitions and unknown node kinds.`,
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runValidate(cmd.OutOrStdout(), args)
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(w io.Writer, paths []string) error {
	failed := 0
	for _, path := range paths {
		config, graph, err := loadDefinition(path)
		if err != nil {
			failed++
			fmt.Fprintf(w, "%s %s: %v\n", color.RedString("✗"), path, err)
			continue
		}
		fmt.Fprintf(w, "%s %s: %s (%d nodes, %d transitions)\n",
			color.GreenString("✓"), path, graph.ID, len(graph.Nodes()), len(config.Transitions))
	}
	if failed > 0 {
		return errors.Errorf("%d of %d definitions are invalid", failed, len(paths))
	}
	return nil
}

func loadDefinition(path string) (*workflow.ProcessConfig, *workflow.ProcessGraph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "read definition failed, path: %s", path)
	}
	config, err := workflow.ParseProcessConfig(path, data)
	if err != nil {
		return nil, nil, err
	}
	graph, err := workflow.BuildProcessGraph(config)
	if err != nil {
		return nil, nil, err
	}
	return config, graph, nil
}
