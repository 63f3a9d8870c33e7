package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/cuemby/burrow/pkg/api"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var statusCmd = &cobra.Command{
	Use:   "status [WORKLOAD]",
	Short: "Show the observed state of workloads",
	Long: `Without arguments, list every workload with its replica counts and
condition. With a workload (namespace/name or name) show its instances,
the last reconcile error, and its autoscaling record.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		if len(args) == 0 {
			statuses, err := c.ListStatus()
			if err != nil {
				return err
			}
			if output != "" {
				return printStructured(cmd.OutOrStdout(), output, statuses)
			}
			printStatusTable(cmd.OutOrStdout(), statuses)
			return nil
		}

		st, err := c.Status(args[0])
		if err != nil {
			return err
		}
		if output != "" {
			return printStructured(cmd.OutOrStdout(), output, st)
		}
		printStatusDetail(cmd.OutOrStdout(), st)
		return nil
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve NAME",
	Short: "List the ready endpoints of a logical name",
	Long: `Resolve a logical name through the service registry.

Examples:
  burrow resolve web                    # web.default
  burrow resolve mongo.default          # every ready mongo instance
  burrow resolve mongo-0.mongo.default  # one ordered instance`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		res, err := c.Resolve(args[0])
		if err != nil {
			return err
		}
		if len(res.Endpoints) == 0 {
			return fmt.Errorf("no ready endpoints for %s", res.Name)
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "IDENTITY\tADDRESS\tINSTANCE")
		for _, ep := range res.Endpoints {
			fmt.Fprintf(w, "%s\t%s\t%s\n", ep.Identity, ep.Address, ep.InstanceID)
		}
		return w.Flush()
	},
}

func init() {
	statusCmd.Flags().StringP("output", "o", "", "Output format (json or yaml)")
}

func printStructured(w io.Writer, format string, v interface{}) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	default:
		return fmt.Errorf("unknown output format %q (json or yaml)", format)
	}
}

func printStatusTable(out io.Writer, statuses []*types.WorkloadStatus) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "WORKLOAD\tKIND\tDESIRED\tRUNNING\tREADY\tPENDING\tCONDITION\tGEN")
	for _, st := range statuses {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%s\t%d/%d\n",
			st.Workload, st.Kind, st.Desired, st.Running, st.Ready, st.Pending,
			st.Condition, st.ObservedGeneration, st.Generation)
	}
	_ = w.Flush()
}

func printStatusDetail(out io.Writer, resp *api.StatusResponse) {
	st := resp.Status
	fmt.Fprintf(out, "Workload:    %s (%s)\n", st.Workload, st.Kind)
	fmt.Fprintf(out, "Condition:   %s\n", st.Condition)
	fmt.Fprintf(out, "Generation:  %d (observed %d)\n", st.Generation, st.ObservedGeneration)
	fmt.Fprintf(out, "Replicas:    %d desired, %d running, %d ready, %d pending, %d terminating\n",
		st.Desired, st.Running, st.Ready, st.Pending, st.Terminating)
	if st.LastError != "" {
		fmt.Fprintf(out, "Last error:  %s\n", st.LastError)
	}
	if !st.LastReconciled.IsZero() {
		fmt.Fprintf(out, "Reconciled:  %s ago\n", time.Since(st.LastReconciled).Round(time.Second))
	}

	if as := resp.Autoscaler; as != nil {
		fmt.Fprintf(out, "Autoscaler:  %d..%d replicas, target %.0f%%, last sample %.0f%%, last desired %d\n",
			as.MinReplicas, as.MaxReplicas, as.TargetUtilization*100, as.LastUtilization*100, as.LastDesired)
	}

	if len(st.Instances) == 0 {
		return
	}
	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "IDENTITY\tPHASE\tREADY\tNODE\tADDRESS\tVOLUME\tREASON")
	for _, inst := range st.Instances {
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\t%s\t%s\n",
			inst.Identity, inst.Phase, inst.Ready, dash(inst.NodeID), dash(inst.Address), dash(inst.Volume), inst.Reason)
	}
	_ = w.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
