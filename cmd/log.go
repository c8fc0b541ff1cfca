package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/breezy-team/loggerhead-sub000/api"
	"github.com/breezy-team/loggerhead-sub000/internal/mainline"
	"github.com/breezy-team/loggerhead-sub000/internal/querier"
)

var (
	logLimit      int
	logJSON       bool
	logMainline   bool
	logTo         string
	mainlineNth   int
	ancestryCount bool
)

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Print the merge-sorted history of the branch, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = e.Close() }()

		q, err := e.querier(ctx, cfg.Repository.Branch)
		if err != nil {
			return err
		}
		h, err := q.History(ctx)
		if err != nil {
			return err
		}
		revs := h.Revisions
		if logMainline {
			revs = h.Mainline()
		}
		if logTo != "" {
			var stop api.Revno
			if err := stop.UnmarshalText([]byte(logTo)); err != nil {
				return err
			}
			revs = querier.Until(revs, stop)
		}
		if logLimit > 0 && len(revs) > logLimit {
			revs = revs[:logLimit]
		}

		out := cmd.OutOrStdout()
		if logJSON {
			enc := json.NewEncoder(out)
			for _, r := range revs {
				if err := enc.Encode(r); err != nil {
					return err
				}
			}
			return nil
		}
		for _, r := range revs {
			eom := ""
			if r.EndOfMerge {
				eom = " ."
			}
			fmt.Fprintf(out, "%s%-12s %s%s\n", strings.Repeat("  ", r.MergeDepth), r.Revno, r.ID, eom)
		}
		return nil
	},
}

var mainlineCmd = &cobra.Command{
	Use:   "mainline",
	Short: "Build the mainline range cache and print the left-hand history",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = e.Close() }()

		q, err := e.querier(ctx, cfg.Repository.Branch)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if q.Tip() == "" {
			fmt.Fprintln(out, "empty branch")
			return nil
		}
		if mainlineNth >= 0 {
			id, ok, err := q.NthMainlineAncestor(ctx, mainlineNth)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("mainline has fewer than %d ancestors", mainlineNth)
			}
			fmt.Fprintln(out, id)
			return nil
		}
		a := e.store.Reader()
		tip, err := a.RevisionID(ctx, q.Tip())
		if err != nil {
			return err
		}
		created, err := mainline.Build(ctx, e.store, tip)
		if err != nil {
			return err
		}
		chain, err := mainline.Chain(ctx, a, tip)
		if err != nil {
			return err
		}
		ranges, err := a.Ranges(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s mainline revisions, %s ranges stored (%d new)\n",
			humanize.Comma(int64(len(chain))), humanize.Comma(int64(len(ranges))), created)
		if logLimit > 0 && len(chain) > logLimit {
			chain = chain[:logLimit]
		}
		names, err := a.NaturalIDs(ctx, chain)
		if err != nil {
			return err
		}
		for _, id := range chain {
			fmt.Fprintln(out, names[id])
		}
		return nil
	},
}

var ancestryCmd = &cobra.Command{
	Use:   "ancestry",
	Short: "Print every non-ghost ancestor of the branch tip",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = e.Close() }()

		q, err := e.querier(ctx, cfg.Repository.Branch)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if ancestryCount {
			ids, err := q.WalkAncestryDBIDs(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s revisions\n", humanize.Comma(int64(ids.GetCardinality())))
			return nil
		}
		ids, err := q.WalkAncestry(ctx)
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Fprintln(out, id)
		}
		return nil
	},
}

func init() {
	logCmd.Flags().IntVarP(&logLimit, "limit", "n", 0, "Print at most n revisions")
	logCmd.Flags().BoolVar(&logJSON, "json", false, "Print one JSON object per revision")
	logCmd.Flags().BoolVar(&logMainline, "mainline", false, "Only print mainline revisions")
	logCmd.Flags().StringVar(&logTo, "to", "", "Stop after the revision with this dotted revno")
	mainlineCmd.Flags().IntVarP(&logLimit, "limit", "n", 0, "Print at most n revisions")
	mainlineCmd.Flags().IntVar(&mainlineNth, "nth", -1, "Only print the nth mainline ancestor of the tip (0 is the tip)")
	ancestryCmd.Flags().BoolVar(&ancestryCount, "count", false, "Only print how many revisions there are")
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(mainlineCmd)
	rootCmd.AddCommand(ancestryCmd)
}
