package cmd

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"catmaid/arbor/internal/connectivity"
	"catmaid/arbor/internal/db"
)

var (
	upOp       string
	downOp     string
	matrixRows []string
	matrixCols []string
)

var connectivityCmd = &cobra.Command{
	Use:   "connectivity",
	Short: "Synaptic partners of skeletons",
}

var partnersCmd = &cobra.Command{
	Use:   "partners <skeleton-id>...",
	Short: "Upstream and downstream partners with per-confidence synapse counts",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDs(args)
		if err != nil {
			return err
		}
		up, err := parseOp(upOp)
		if err != nil {
			return err
		}
		down, err := parseOp(downOp)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		d, err := OpenDatabase(ctx)
		if err != nil {
			return err
		}
		defer d.Close()

		res, err := connectivity.Connectivity(ctx, d, cfg.Project, ids, up, down)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(res)
		}
		printPartners("UPSTREAM", res.Incoming)
		printPartners("DOWNSTREAM", res.Outgoing)
		return nil
	},
}

func parseOp(s string) (connectivity.Op, error) {
	switch strings.ToUpper(s) {
	case "", "OR":
		return connectivity.Or, nil
	case "AND":
		return connectivity.And, nil
	}
	return connectivity.Or, fmt.Errorf("unknown operator %q (want AND or OR)", s)
}

func printPartners(title string, partners map[int64]*connectivity.Partner) {
	fmt.Printf("\n  %s (%d)\n", title, len(partners))
	fmt.Println("  ────────────────────────────────────────")
	list := make([]*connectivity.Partner, 0, len(partners))
	for _, p := range partners {
		list = append(list, p)
	}
	slices.SortFunc(list, func(a, b *connectivity.Partner) int {
		if d := b.Total.Sum() - a.Total.Sum(); d != 0 {
			return d
		}
		return cmp.Compare(a.SkeletonID, b.SkeletonID)
	})
	for _, p := range list {
		fmt.Printf("  %8d  synapses=%-4d by confidence %v  nodes=%d  reviewers=%v\n",
			p.SkeletonID, p.Total.Sum(), p.Total, p.NumNodes, p.Reviewers)
	}
}

var matrixCmd = &cobra.Command{
	Use:   "matrix",
	Short: "Synapse counts from each row skeleton onto each column skeleton",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rowIDs, err := parseIDs(matrixRows)
		if err != nil {
			return err
		}
		colIDs, err := parseIDs(matrixCols)
		if err != nil {
			return err
		}
		var m map[int64]map[int64]int
		if err := readLookup(cmd.Context(), func(ctx context.Context, lk *db.Lookup) error {
			m, err = connectivity.Matrix(ctx, lk, rowIDs, colIDs)
			return err
		}); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(m)
		}
		fmt.Printf("%10s", "")
		for _, c := range colIDs {
			fmt.Printf(" %8d", c)
		}
		fmt.Println()
		for _, r := range rowIDs {
			fmt.Printf("%10d", r)
			for _, c := range colIDs {
				fmt.Printf(" %8d", m[r][c])
			}
			fmt.Println()
		}
		return nil
	},
}

func init() {
	partnersCmd.Flags().StringVar(&upOp, "up-op", "OR", "Combine upstream partners with AND or OR")
	partnersCmd.Flags().StringVar(&downOp, "down-op", "OR", "Combine downstream partners with AND or OR")
	matrixCmd.Flags().StringSliceVar(&matrixRows, "rows", nil, "Row (source) skeleton ids")
	matrixCmd.Flags().StringSliceVar(&matrixCols, "cols", nil, "Column (target) skeleton ids")
	_ = matrixCmd.MarkFlagRequired("rows")
	_ = matrixCmd.MarkFlagRequired("cols")

	connectivityCmd.AddCommand(partnersCmd, matrixCmd)
	rootCmd.AddCommand(connectivityCmd)
}
