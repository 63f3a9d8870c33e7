package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

var scaleCmd = &cobra.Command{
	Use:   "scale WORKLOAD REPLICAS",
	Short: "Set the replica count of a workload",
	Long: `Set the desired replica count of a workload. Ordered workloads scale
one ordinal at a time: up in ascending order, down from the highest
ordinal. Volumes of removed ordinals are kept for a later scale-up.

Example:
  burrow scale web 5`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		replicas, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("replicas must be a number: %w", err)
		}

		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		spec, err := c.Scale(args[0], replicas)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ %s scaled to %d (generation %d)\n", spec.Key(), spec.Replicas, spec.Generation)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:     "delete WORKLOAD",
	Aliases: []string{"rm"},
	Short:   "Delete a workload",
	Long: `Delete a workload declaration. Its instances are stopped and, for
ordered workloads, their volume claims are released.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.Delete(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ %s deleted\n", args[0])
		return nil
	},
}

var metricCmd = &cobra.Command{
	Use:   "metric WORKLOAD UTILIZATION",
	Short: "Report a utilization sample for autoscaling",
	Long: `Report the current utilization of a workload to the autoscaler when
the manager runs without a Prometheus source. Accepts a ratio (0.85) or
a percentage (85%).

Example:
  burrow metric web 85%`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		util, err := parseUtilization(args[1])
		if err != nil {
			return err
		}

		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.ReportMetric(args[0], util); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ %s utilization %.0f%% recorded\n", args[0], util*100)
		return nil
	},
}

func parseUtilization(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if pct, ok := strings.CutSuffix(s, "%"); ok {
		v, err := strconv.ParseFloat(pct, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid utilization %q: %w", s, err)
		}
		return v / 100, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid utilization %q: %w", s, err)
	}
	return v, nil
}
