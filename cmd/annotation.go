package cmd

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"catmaid/arbor/internal/annotation"
	"catmaid/arbor/internal/db"
)

var (
	annEntities []string
	annWith     []string
	annWithout  []string
	annExpand   []string
	annClasses  []string
	annName     string
	annBy       []string
	annFrom     string
	annTo       string
)

var annotationCmd = &cobra.Command{
	Use:     "annotation",
	Aliases: []string{"ann"},
	Short:   "Annotate entities and query the annotation graph",
}

var annotationAddCmd = &cobra.Command{
	Use:   "add <name[=annotator]>...",
	Short: "Annotate entities; {n} in a name counts up per entity",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entities, err := parseIDs(annEntities)
		if err != nil {
			return err
		}
		names, err := parseAnnotationMap(args)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		d, svc, err := openService(ctx)
		if err != nil {
			return err
		}
		defer d.Close()

		res, err := svc.Annotate(ctx, currentActor(), entities, names)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(res)
		}
		for name, a := range res.Annotations {
			fmt.Printf("  %s (%d) on %v\n", name, a.ID, a.Entities)
		}
		if len(res.New) > 0 {
			fmt.Printf("created: %s\n", strings.Join(res.New, ", "))
		}
		return nil
	},
}

var annotationRemoveCmd = &cobra.Command{
	Use:   "remove <annotation>...",
	Short: "Remove annotations (id or name) from entities",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entities, err := parseIDs(annEntities)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		d, svc, err := openService(ctx)
		if err != nil {
			return err
		}
		defer d.Close()

		var ids []int64
		if err := d.ExecuteRead(ctx, func(s *db.Session) error {
			ids, err = resolveAnnotations(ctx, db.NewLookup(s, cfg.Project), args)
			return err
		}); err != nil {
			return err
		}

		outcomes, removeErr := svc.RemoveAnnotations(ctx, currentActor(), entities, ids)
		if outcomes == nil {
			return removeErr
		}
		if jsonOutput {
			if err := printJSON(outcomes); err != nil {
				return err
			}
			return removeErr
		}
		for _, o := range outcomes {
			fmt.Printf("  annotation %d: removed from %v", o.AnnotationID, o.Removed)
			if len(o.Denied) > 0 {
				fmt.Printf(", denied on %v", o.Denied)
			}
			if o.Deleted {
				fmt.Print(", deleted")
			}
			fmt.Println()
		}
		return removeErr
	},
}

var annotationListCmd = &cobra.Command{
	Use:   "list <entity-id>",
	Short: "List the annotations of an entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		var anns []annotation.Annotation
		if err := readLookup(cmd.Context(), func(ctx context.Context, lk *db.Lookup) error {
			anns, err = annotation.EntityAnnotations(ctx, lk, id)
			return err
		}); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(anns)
		}
		for _, a := range anns {
			fmt.Printf("  %-30s id=%d by user %d\n", truncName(a.Name, 30), a.ID, a.AnnotatorID)
		}
		return nil
	},
}

var annotationSubCmd = &cobra.Command{
	Use:   "sub <annotation>...",
	Short: "List every annotation transitively annotated with the given ones",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var sub []int64
		err := readLookup(cmd.Context(), func(ctx context.Context, lk *db.Lookup) error {
			ids, err := resolveAnnotations(ctx, lk, args)
			if err != nil {
				return err
			}
			sets, err := annotation.SubAnnotationIDs(ctx, lk, [][]int64{ids})
			if err != nil {
				return err
			}
			sub = sets[0]
			return nil
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			if sub == nil {
				sub = []int64{}
			}
			return printJSON(sub)
		}
		for _, id := range sub {
			fmt.Printf("  %d\n", id)
		}
		return nil
	},
}

var annotationQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Find neurons and annotations by their annotations",
	Long: "Each --with must be matched (AND); comma-separated references inside one --with " +
		"are alternatives (OR). --without excludes; --expand makes an annotation also match " +
		"its sub-annotations.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f := annotation.Filter{}
		for _, c := range annClasses {
			f.Classes = append(f.Classes, db.ParseClass(c))
		}
		if annName != "" {
			re, err := regexp.Compile(annName)
			if err != nil {
				return fmt.Errorf("--name: %w", err)
			}
			f.Name = re
		}
		by, err := parseIDs(annBy)
		if err != nil {
			return err
		}
		f.AnnotatedBy = by
		if f.From, err = parseDate(annFrom); err != nil {
			return fmt.Errorf("--from: %w", err)
		}
		if f.To, err = parseDate(annTo); err != nil {
			return fmt.Errorf("--to: %w", err)
		}

		var entities []annotation.Entity
		err = readLookup(cmd.Context(), func(ctx context.Context, lk *db.Lookup) error {
			var err error
			if f.AnnotatedWith, err = resolveSets(ctx, lk, annWith); err != nil {
				return err
			}
			if f.NotAnnotatedWith, err = resolveSets(ctx, lk, annWithout); err != nil {
				return err
			}
			if f.Expand, err = resolveAnnotations(ctx, lk, annExpand); err != nil {
				return err
			}
			entities, err = annotation.Entities(ctx, lk, f)
			return err
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			if entities == nil {
				entities = []annotation.Entity{}
			}
			return printJSON(entities)
		}
		for _, e := range entities {
			fmt.Printf("  %-10s %8d  %s", e.Class, e.ID, truncName(e.Name, 40))
			if len(e.SkeletonIDs) > 0 {
				fmt.Printf("  skeletons %v", e.SkeletonIDs)
			}
			fmt.Println()
		}
		return nil
	},
}

func readLookup(ctx context.Context, fn func(ctx context.Context, lk *db.Lookup) error) error {
	d, err := OpenDatabase(ctx)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.ExecuteRead(ctx, func(s *db.Session) error {
		return fn(ctx, db.NewLookup(s, cfg.Project))
	})
}

func resolveAnnotations(ctx context.Context, lk *db.Lookup, refs []string) ([]int64, error) {
	ids := make([]int64, 0, len(refs))
	for _, r := range refs {
		id, err := ResolveAnnotation(ctx, lk, strings.TrimSpace(r))
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func resolveSets(ctx context.Context, lk *db.Lookup, flags []string) ([][]int64, error) {
	sets := make([][]int64, 0, len(flags))
	for _, f := range flags {
		set, err := resolveAnnotations(ctx, lk, strings.Split(f, ","))
		if err != nil {
			return nil, err
		}
		sets = append(sets, set)
	}
	return sets, nil
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, s)
}

func init() {
	for _, c := range []*cobra.Command{annotationAddCmd, annotationRemoveCmd} {
		c.Flags().StringSliceVarP(&annEntities, "entity", "e", nil, "Entity ids (neurons or annotations)")
		_ = c.MarkFlagRequired("entity")
	}
	qf := annotationQueryCmd.Flags()
	qf.StringArrayVar(&annWith, "with", nil, "Annotations that must be present (comma separated alternatives)")
	qf.StringArrayVar(&annWithout, "without", nil, "Annotations that must be absent")
	qf.StringSliceVar(&annExpand, "expand", nil, "Annotations whose sub-annotations also match")
	qf.StringSliceVar(&annClasses, "class", nil, "Entity classes (default neuron,annotation)")
	qf.StringVar(&annName, "name", "", "Regexp the entity name must match")
	qf.StringSliceVar(&annBy, "by", nil, "Only links made by these user ids")
	qf.StringVar(&annFrom, "from", "", "Only links created at or after this date")
	qf.StringVar(&annTo, "to", "", "Only links created at or before this date")

	annotationCmd.AddCommand(annotationAddCmd, annotationRemoveCmd, annotationListCmd, annotationSubCmd, annotationQueryCmd)
	rootCmd.AddCommand(annotationCmd)
}
