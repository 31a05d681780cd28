package cmd

import (
	"fmt"
	"math"
	"strings"

	"github.com/spf13/cobra"

	"catmaid/arbor/internal/graph"
)

var checkTopN int

var checkCmd = &cobra.Command{
	Use:   "check <skeleton-id>...",
	Short: "Validate skeleton trees and summarise their topology",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDs(args)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		d, svc, err := openService(ctx)
		if err != nil {
			return err
		}
		defer d.Close()

		reports := make(map[int64]*graph.Stats, len(ids))
		for _, id := range ids {
			st, err := svc.Check(ctx, currentActor(), id, checkTopN)
			if err != nil {
				return fmt.Errorf("skeleton %d: %w", id, err)
			}
			reports[id] = st
		}

		if jsonOutput {
			return printJSON(reports)
		}
		for _, id := range ids {
			printStats(id, reports[id])
		}
		return nil
	},
}

func init() {
	checkCmd.Flags().IntVar(&checkTopN, "top-n", 5, "Number of deepest nodes to list")
	skeletonCmd.AddCommand(checkCmd)
}

func printStats(skeletonID int64, st *graph.Stats) {
	fmt.Printf("\n  SKELETON %d  root=%d\n", skeletonID, st.Root)
	fmt.Println("  ────────────────────────────────────────")
	fmt.Printf("  Nodes: %d  Branch points: %d  Ends: %d\n", st.TotalNodes, st.BranchPoints, st.EndNodes)
	fmt.Printf("  Max depth: %d  Cable length: %.1f\n", st.MaxDepth, st.CableLength)

	fmt.Println("\n  Degree distribution:")
	for _, b := range st.DegreeHistogram {
		if b.Count > 0 {
			barWidth := int(math.Log2(float64(b.Count))) + 2
			if barWidth < 1 {
				barWidth = 1
			}
			fmt.Printf("    %5s: %4d  %s\n", b.Label, b.Count, strings.Repeat("=", barWidth))
		}
	}

	if len(st.DeepestNodes) > 0 {
		fmt.Println("\n  Deepest nodes:")
		for _, id := range st.DeepestNodes {
			fmt.Printf("    %d\n", id)
		}
	}
	fmt.Println()
}
