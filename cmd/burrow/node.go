package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/cuemby/burrow/pkg/ledger"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/spf13/cobra"
	"k8s.io/apimachinery/pkg/api/resource"
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Manage the nodes workloads are placed on",
}

var nodeJoinCmd = &cobra.Command{
	Use:   "join NODE_ID",
	Short: "Register a node and its capacity",
	Long: `Register a node, or update the address and capacity of a known one.

Examples:
  burrow node join node-2 --address 10.0.0.2 --cpu 4 --memory 8Gi
  burrow node join edge-1 --address 10.0.1.5 --cpu 1500m --memory 2Gi --label zone=edge`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		address, _ := cmd.Flags().GetString("address")
		cpu, _ := cmd.Flags().GetString("cpu")
		memory, _ := cmd.Flags().GetString("memory")
		labels, _ := cmd.Flags().GetStringToString("label")

		capacity, err := parseCapacity(cpu, memory)
		if err != nil {
			return err
		}

		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		node, err := c.JoinNode(&types.Node{
			ID:       args[0],
			Address:  address,
			Capacity: capacity,
			Labels:   labels,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Node %s joined (%s)\n", node.ID, node.Capacity)
		return nil
	},
}

var nodeRemoveCmd = &cobra.Command{
	Use:     "remove NODE_ID",
	Aliases: []string{"rm"},
	Short:   "Record the loss of a node",
	Long: `Remove a node. Its instances are rescheduled on the remaining nodes;
ordered instances whose volume lived on the node report an affinity
violation instead.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.RemoveNode(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Node %s removed\n", args[0])
		return nil
	},
}

var nodeListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List nodes with their reserved resources",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		resp, err := c.ListNodes()
		if err != nil {
			return err
		}

		usage := make(map[string]ledger.NodeUsage, len(resp.Usage))
		for _, u := range resp.Usage {
			usage[u.NodeID] = u
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NODE\tSTATUS\tADDRESS\tCPU\tMEMORY\tINSTANCES\tUTILIZATION")
		for _, n := range resp.Nodes {
			u, ok := usage[n.ID]
			if !ok {
				u = ledger.NodeUsage{NodeID: n.ID, Capacity: n.Capacity}
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%.0f%%\n",
				n.ID, n.Status, dash(n.Address),
				fmt.Sprintf("%dm/%dm", u.Reserved.CPUMillis, u.Capacity.CPUMillis),
				fmt.Sprintf("%s/%s", formatBytes(u.Reserved.MemoryBytes), formatBytes(u.Capacity.MemoryBytes)),
				u.Reservations, u.Utilization()*100)
		}
		return w.Flush()
	},
}

func init() {
	nodeCmd.AddCommand(nodeJoinCmd)
	nodeCmd.AddCommand(nodeRemoveCmd)
	nodeCmd.AddCommand(nodeListCmd)

	nodeJoinCmd.Flags().String("address", "", "Address instances on the node are reachable at")
	nodeJoinCmd.Flags().String("cpu", "", "CPU capacity (e.g. 4 or 1500m) (required)")
	nodeJoinCmd.Flags().String("memory", "", "Memory capacity (e.g. 8Gi) (required)")
	nodeJoinCmd.Flags().StringToString("label", nil, "Node labels (key=value)")
	_ = nodeJoinCmd.MarkFlagRequired("cpu")
	_ = nodeJoinCmd.MarkFlagRequired("memory")
}

// parseCapacity reads Kubernetes-style quantities
func parseCapacity(cpu, memory string) (types.Resources, error) {
	c, err := resource.ParseQuantity(strings.TrimSpace(cpu))
	if err != nil {
		return types.Resources{}, fmt.Errorf("invalid cpu %q: %w", cpu, err)
	}
	m, err := resource.ParseQuantity(strings.TrimSpace(memory))
	if err != nil {
		return types.Resources{}, fmt.Errorf("invalid memory %q: %w", memory, err)
	}
	return types.Resources{CPUMillis: c.MilliValue(), MemoryBytes: m.Value()}, nil
}

// formatBytes renders a byte count in binary SI units
func formatBytes(b int64) string {
	return resource.NewQuantity(b, resource.BinarySI).String()
}
