package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var revnoCmd = &cobra.Command{
	Use:   "revno <revision>...",
	Short: "Print the dotted revno of revisions in the branch",
	Args:  cobra.MinimumNArgs(1),
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
		revnos, err := q.GetDottedRevnos(ctx, args)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, id := range args {
			r, ok := revnos[id]
			if !ok {
				fmt.Fprintf(out, "%s\t-\n", id)
				continue
			}
			fmt.Fprintf(out, "%s\t%s\n", id, r)
		}
		return nil
	},
}

var whereMergedCmd = &cobra.Command{
	Use:   "where-merged <revision>...",
	Short: "Print the mainline revision that merged each revision",
	Args:  cobra.MinimumNArgs(1),
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
		merged, err := q.GetMainlineWhereMerged(ctx, args)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, id := range args {
			m, ok := merged[id]
			if !ok {
				m = "-"
			}
			fmt.Fprintf(out, "%s\t%s\n", id, m)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(revnoCmd)
	rootCmd.AddCommand(whereMergedCmd)
}
