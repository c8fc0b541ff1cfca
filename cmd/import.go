package cmd

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/breezy-team/loggerhead-sub000/internal/ingest"
	"github.com/breezy-team/loggerhead-sub000/internal/querier"
)

var (
	importAll  bool
	importJobs int
)

// recordingImporter keeps the result of every import it runs.
type recordingImporter struct {
	next    querier.TipImporter
	mu      sync.Mutex
	results map[string]*ingest.Result
}

func (r *recordingImporter) Import(ctx context.Context, tip string) (*ingest.Result, error) {
	res, err := r.next.Import(ctx, tip)
	if err == nil {
		r.mu.Lock()
		r.results[tip] = res
		r.mu.Unlock()
	}
	return res, err
}

var importCmd = &cobra.Command{
	Use:   "import [branch...]",
	Short: "Import branch tips into the cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = e.Close() }()

		branches := args
		if importAll {
			if branches, err = e.provider.Branches(); err != nil {
				return err
			}
			sort.Strings(branches)
		}
		if len(branches) == 0 {
			branches = []string{cfg.Repository.Branch}
		}

		rec := &recordingImporter{next: e.importer, results: make(map[string]*ingest.Result)}
		tips := make([]string, len(branches))
		eg, ctx := errgroup.WithContext(ctx)
		eg.SetLimit(max(importJobs, 1))
		for i, b := range branches {
			i, b := i, b
			eg.Go(func() error {
				tip, err := e.provider.ResolveBranch(b)
				if err != nil {
					return fmt.Errorf("resolve branch %q: %w", b, err)
				}
				tips[i] = tip
				return querier.New(e.store, rec, e.locks, branchKey(b), tip).EnsureBranchTip(ctx)
			})
		}
		if err := eg.Wait(); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for i, b := range branches {
			res, ok := rec.results[tips[i]]
			switch {
			case tips[i] == "":
				fmt.Fprintf(out, "%s: empty branch\n", branchKey(b))
			case !ok:
				fmt.Fprintf(out, "%s: %s already imported\n", branchKey(b), short(tips[i]))
			default:
				fmt.Fprintf(out, "%s: %s imported %s revisions, %s revnos, %s ghosts in %v\n",
					branchKey(b), short(tips[i]),
					humanize.Comma(int64(res.Revisions)),
					humanize.Comma(int64(res.DottedRevnos)),
					humanize.Comma(int64(res.Ghosts)),
					res.Elapsed.Round(time.Millisecond))
			}
		}
		return nil
	},
}

func short(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func init() {
	importCmd.Flags().BoolVar(&importAll, "all", false, "Import every local branch")
	importCmd.Flags().IntVarP(&importJobs, "jobs", "j", 4, "Branches imported concurrently")
	rootCmd.AddCommand(importCmd)
}
