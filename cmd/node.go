package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"catmaid/arbor/internal/db"
	"catmaid/arbor/internal/graph"
	"catmaid/arbor/internal/skeleton"
)

var (
	nodeParent     int64
	nodeX          float64
	nodeY          float64
	nodeZ          float64
	nodeRadius     float64
	nodeConfidence int
	nodeNeuronName string

	connectorID       int64
	connectorRelation string
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Create, delete and tag treenodes",
}

var nodeAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a treenode; without --parent it starts a new skeleton",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		d, svc, err := openService(ctx)
		if err != nil {
			return err
		}
		defer d.Close()

		req := skeleton.CreateTreenodeRequest{
			Location:   graph.Point{X: nodeX, Y: nodeY, Z: nodeZ},
			Confidence: nodeConfidence,
			NeuronName: nodeNeuronName,
		}
		if cmd.Flags().Changed("parent") {
			req.ParentID = &nodeParent
		}
		if cmd.Flags().Changed("radius") {
			req.Radius = &nodeRadius
		}
		res, err := svc.CreateTreenode(ctx, currentActor(), req)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(res)
		}
		fmt.Printf("treenode %d in skeleton %d\n", res.TreenodeID, res.SkeletonID)
		if res.NeuronID != 0 {
			fmt.Printf("new neuron %d\n", res.NeuronID)
		}
		return nil
	},
}

var nodeDeleteCmd = &cobra.Command{
	Use:   "delete <treenode-id>",
	Short: "Delete a treenode, reattaching its children to its parent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		d, svc, err := openService(ctx)
		if err != nil {
			return err
		}
		defer d.Close()

		res, err := svc.DeleteTreenode(ctx, currentActor(), id)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(res)
		}
		fmt.Printf("deleted treenode %d of skeleton %d", id, res.SkeletonID)
		switch {
		case res.NeuronDeleted:
			fmt.Print(" (skeleton and neuron removed)")
		case res.SkeletonDeleted:
			fmt.Print(" (skeleton removed)")
		case res.Reparented > 0:
			fmt.Printf(" (%d children reattached)", res.Reparented)
		}
		fmt.Println()
		return nil
	},
}

var nodeTagCmd = &cobra.Command{
	Use:   "tag <treenode-id> <label>...",
	Short: "Attach labels to a treenode",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		d, svc, err := openService(ctx)
		if err != nil {
			return err
		}
		defer d.Close()

		labels, err := svc.Tag(ctx, currentActor(), id, args[1:])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(map[string]any{"treenode_id": id, "label_ids": labels})
		}
		for i, l := range labels {
			fmt.Printf("  %s (label %d)\n", args[1+i], l)
		}
		return nil
	},
}

var connectorCmd = &cobra.Command{
	Use:   "connector",
	Short: "Manage synaptic connectors",
}

var connectorLinkCmd = &cobra.Command{
	Use:   "link <treenode-id>",
	Short: "Link a treenode to a connector, creating the connector unless --connector is given",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		d, svc, err := openService(ctx)
		if err != nil {
			return err
		}
		defer d.Close()

		res, err := svc.LinkConnector(ctx, currentActor(), skeleton.LinkConnectorRequest{
			TreenodeID:  id,
			ConnectorID: connectorID,
			Relation:    db.Relation(connectorRelation),
			Confidence:  nodeConfidence,
			Location:    graph.Point{X: nodeX, Y: nodeY, Z: nodeZ},
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(res)
		}
		fmt.Printf("treenode %d %s connector %d (link %d)\n", id, connectorRelation, res.ConnectorID, res.LinkID)
		return nil
	},
}

func addLocationFlags(cmd *cobra.Command) {
	cmd.Flags().Float64Var(&nodeX, "x", 0, "X coordinate")
	cmd.Flags().Float64Var(&nodeY, "y", 0, "Y coordinate")
	cmd.Flags().Float64Var(&nodeZ, "z", 0, "Z coordinate")
	cmd.Flags().IntVar(&nodeConfidence, "confidence", 5, "Confidence 1-5")
}

func init() {
	addLocationFlags(nodeAddCmd)
	nodeAddCmd.Flags().Int64Var(&nodeParent, "parent", 0, "Parent treenode id")
	nodeAddCmd.Flags().Float64Var(&nodeRadius, "radius", 0, "Radius")
	nodeAddCmd.Flags().StringVar(&nodeNeuronName, "neuron-name", "", "Name of the new neuron when starting a skeleton")
	nodeCmd.AddCommand(nodeAddCmd, nodeDeleteCmd, nodeTagCmd)

	addLocationFlags(connectorLinkCmd)
	connectorLinkCmd.Flags().Int64Var(&connectorID, "connector", 0, "Existing connector id")
	connectorLinkCmd.Flags().StringVar(&connectorRelation, "relation", string(db.RelPresynapticTo),
		"presynaptic_to, postsynaptic_to or gapjunction_with")
	connectorCmd.AddCommand(connectorLinkCmd)

	rootCmd.AddCommand(nodeCmd, connectorCmd)
}
