package cmd

import (
	"context"
	"fmt"
	"os"
	"regexp"

	"github.com/spf13/cobra"

	"catmaid/arbor/internal/annotation"
	"catmaid/arbor/internal/db"
	"catmaid/arbor/internal/graph"
	"catmaid/arbor/internal/skeleton"
)

var (
	splitUp    []string
	splitDown  []string
	joinAnns   []string
	leavesEnd  string
	importName string
)

var skeletonCmd = &cobra.Command{
	Use:     "skeleton",
	Aliases: []string{"sk"},
	Short:   "Structural edits and queries on skeletons",
}

var splitCmd = &cobra.Command{
	Use:   "split <treenode-id>",
	Short: "Split a skeleton above a treenode into a new skeleton and neuron",
	Long: "The subtree rooted at the treenode moves to a new skeleton. --up and --down " +
		"(name or name=annotator, repeatable) give the annotations of the two neurons; " +
		"without either, the existing neuron keeps all its annotations and the new one gets none.",
	Args: cobra.ExactArgs(1),
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

		req := skeleton.SplitRequest{TreenodeID: id}
		if len(splitUp) == 0 && len(splitDown) == 0 {
			if req.Upstream, err = currentAnnotations(ctx, d, id); err != nil {
				return err
			}
		} else {
			if req.Upstream, err = parseAnnotationMap(splitUp); err != nil {
				return err
			}
			if req.Downstream, err = parseAnnotationMap(splitDown); err != nil {
				return err
			}
		}

		res, err := svc.Split(ctx, currentActor(), req)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(res)
		}
		fmt.Printf("split skeleton %d at treenode %d: %d treenodes moved to new skeleton %d\n",
			res.ExistingSkeletonID, id, res.Moved, res.NewSkeletonID)
		return nil
	},
}

// currentAnnotations returns the annotation map of the neuron modelled by
// the skeleton containing treenodeID.
func currentAnnotations(ctx context.Context, d *db.DB, treenodeID int64) (map[string]int64, error) {
	var m map[string]int64
	err := d.ExecuteRead(ctx, func(s *db.Session) error {
		tn, err := s.GetTreenode(ctx, cfg.Project, treenodeID)
		if err != nil {
			return err
		}
		_, anns, err := annotation.NeuronAnnotations(ctx, db.NewLookup(s, cfg.Project), tn.SkeletonID)
		m = annotation.NameMap(anns)
		return err
	})
	return m, err
}

var joinCmd = &cobra.Command{
	Use:   "join <from-treenode-id> <to-treenode-id>",
	Short: "Attach the skeleton of the second treenode below the first",
	Long: "Without --annotation the surviving neuron gets the union of both neurons' annotations. " +
		"With --annotation (repeatable) that set replaces them; dropping an annotation you may not edit fails.",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDs(args)
		if err != nil {
			return err
		}
		req := skeleton.JoinRequest{FromTreenodeID: ids[0], ToTreenodeID: ids[1]}
		if cmd.Flags().Changed("annotation") {
			if req.Annotations, err = parseAnnotationMap(joinAnns); err != nil {
				return err
			}
		}
		ctx := cmd.Context()
		d, svc, err := openService(ctx)
		if err != nil {
			return err
		}
		defer d.Close()

		res, err := svc.Join(ctx, currentActor(), req)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(res)
		}
		fmt.Printf("joined skeleton %d into %d (%d treenodes moved)\n", res.DeletedSkeletonID, res.ResultSkeletonID, res.Moved)
		return nil
	},
}

var rerootCmd = &cobra.Command{
	Use:   "reroot <treenode-id>",
	Short: "Make a treenode the root of its skeleton",
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

		res, err := svc.Reroot(ctx, currentActor(), id)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(res)
		}
		if res.AlreadyRoot {
			fmt.Printf("treenode %d is already the root of skeleton %d\n", id, res.SkeletonID)
			return nil
		}
		fmt.Printf("skeleton %d rerooted at %d (%d parent links changed)\n", res.SkeletonID, id, res.Changed)
		return nil
	},
}

var leavesCmd = &cobra.Command{
	Use:   "leaves <treenode-id>",
	Short: "List open leaves of the skeleton, nearest to the treenode first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		var endTags *regexp.Regexp
		if leavesEnd != "" {
			if endTags, err = regexp.Compile(leavesEnd); err != nil {
				return fmt.Errorf("--end-tags: %w", err)
			}
		}
		ctx := cmd.Context()
		d, svc, err := openService(ctx)
		if err != nil {
			return err
		}
		defer d.Close()

		leaves, err := svc.OpenLeaves(ctx, currentActor(), id, endTags)
		if err != nil {
			return err
		}
		return printLeaves(leaves)
	},
}

var labelsCmd = &cobra.Command{
	Use:   "labels <treenode-id> <pattern>",
	Short: "List treenodes whose labels match a regular expression",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		pattern, err := regexp.Compile(args[1])
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		d, svc, err := openService(ctx)
		if err != nil {
			return err
		}
		defer d.Close()

		nodes, err := svc.LabeledNodes(ctx, currentActor(), id, pattern)
		if err != nil {
			return err
		}
		return printLeaves(nodes)
	},
}

func printLeaves(ls []graph.Leaf) error {
	if jsonOutput {
		if ls == nil {
			ls = []graph.Leaf{}
		}
		return printJSON(ls)
	}
	if len(ls) == 0 {
		fmt.Println("  none")
		return nil
	}
	for _, l := range ls {
		fmt.Printf("  %8d  %4d hops  (%.1f, %.1f, %.1f)", l.ID, l.Distance, l.Location.X, l.Location.Y, l.Location.Z)
		if len(l.Tags) > 0 {
			fmt.Printf("  %v", l.Tags)
		}
		fmt.Println()
	}
	return nil
}

var ancestryCmd = &cobra.Command{
	Use:   "ancestry <skeleton-id>",
	Short: "Show the neuron and groups containing a skeleton",
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

		chain, err := svc.Ancestry(ctx, currentActor(), id)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(chain)
		}
		for i, a := range chain {
			rel := ""
			if a.Relation != "" {
				rel = a.Relation + " "
			}
			fmt.Printf("  %*s%s%s %d  %s\n", 2*i, "", rel, a.Class, a.ID, truncName(a.Name, 50))
		}
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import <file.swc>",
	Short: "Import an SWC morphology as a new skeleton",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		ctx := cmd.Context()
		d, svc, err := openService(ctx)
		if err != nil {
			return err
		}
		defer d.Close()

		res, err := svc.ImportSWC(ctx, currentActor(), f, importName)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(res)
		}
		fmt.Printf("imported %d treenodes as skeleton %d (neuron %d)\n", res.Treenodes, res.SkeletonID, res.NeuronID)
		return nil
	},
}

func init() {
	splitCmd.Flags().StringArrayVar(&splitUp, "up", nil, "Annotation of the upstream neuron (name or name=annotator)")
	splitCmd.Flags().StringArrayVar(&splitDown, "down", nil, "Annotation of the downstream neuron (name or name=annotator)")
	joinCmd.Flags().StringArrayVar(&joinAnns, "annotation", nil, "Annotation of the joined neuron (name or name=annotator)")
	leavesCmd.Flags().StringVar(&leavesEnd, "end-tags", "", "Regexp of labels marking a finished end (default "+graph.EndTagPattern.String()+")")
	importCmd.Flags().StringVar(&importName, "name", "", "Neuron name")

	skeletonCmd.AddCommand(splitCmd, joinCmd, rerootCmd, leavesCmd, labelsCmd, ancestryCmd, importCmd)
	rootCmd.AddCommand(skeletonCmd)
}
