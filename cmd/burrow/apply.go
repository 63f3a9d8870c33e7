package main

import (
	"fmt"
	"os"

	"github.com/cuemby/burrow/pkg/manifest"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/spf13/cobra"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Declare workloads from a manifest file",
	Long: `Declare every workload in a YAML manifest. A file may hold several
documents separated by ---. Each declaration replaces the previous one of
the same workload and bumps its generation.

Examples:
  # Apply a stateless web tier and its ordered database
  burrow apply -f stack.yaml

  # Read from stdin and show the normalized manifest without applying
  cat stack.yaml | burrow apply -f - --dry-run`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "Manifest file to apply, - for stdin (required)")
	applyCmd.Flags().Bool("dry-run", false, "Print the normalized manifest instead of applying it")
	_ = applyCmd.MarkFlagRequired("file")
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	var (
		specs []*types.WorkloadSpec
		err   error
	)
	if filename == "-" {
		specs, err = manifest.Decode(os.Stdin)
	} else {
		specs, err = manifest.DecodeFile(filename)
	}
	if err != nil {
		return err
	}
	if len(specs) == 0 {
		return fmt.Errorf("no workloads in %s", filename)
	}

	if dryRun {
		return manifest.Encode(cmd.OutOrStdout(), specs...)
	}

	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	for _, spec := range specs {
		stored, err := c.Declare(spec)
		if err != nil {
			return fmt.Errorf("failed to declare %s: %w", spec.Key(), err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ %s %s declared (generation %d, %d replicas)\n",
			stored.Kind, stored.Key(), stored.Generation, stored.Replicas)
	}
	return nil
}
