package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/breezy-team/loggerhead-sub000/internal/config"
	"github.com/breezy-team/loggerhead-sub000/internal/graph"
	"github.com/breezy-team/loggerhead-sub000/internal/ingest"
	"github.com/breezy-team/loggerhead-sub000/internal/keylock"
	"github.com/breezy-team/loggerhead-sub000/internal/querier"
	"github.com/breezy-team/loggerhead-sub000/internal/store"
)

var (
	configPath string
	dbDSN      string
	dbDriver   string
	repoPath   string
	branchName string
	bulk       bool
	verbose    bool

	cfg *config.Config
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "Path to revcache.hcl (default ~/.revcache/revcache.hcl)")
	pf.StringVar(&dbDSN, "db", "", "Database DSN (SQLite path for the sqlite driver)")
	pf.StringVar(&dbDriver, "driver", "", "Database driver: sqlite, postgres or mysql")
	pf.StringVarP(&repoPath, "repo", "r", "", "Path to the git repository")
	pf.StringVarP(&branchName, "branch", "b", "", "Branch to use (default HEAD)")
	pf.BoolVar(&bulk, "bulk", false, "Read new ancestry in one repository walk instead of batched lookups")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Log import progress")
}

var rootCmd = &cobra.Command{
	Use:           "revcache",
	Short:         "revcache: an incremental dotted-revno cache for git histories",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logrus.SetOutput(cmd.ErrOrStderr())
		logrus.SetLevel(logrus.WarnLevel)
		if verbose {
			logrus.SetLevel(logrus.DebugLevel)
		}

		loaded, err := config.Load(configPath, cmd.Flags().Changed("config"))
		if err != nil {
			return err
		}
		if dbDriver != "" {
			loaded.Database.Driver = dbDriver
		}
		if dbDSN != "" {
			loaded.Database.DSN = dbDSN
		}
		if repoPath != "" {
			loaded.Repository.Path = repoPath
		}
		if branchName != "" {
			loaded.Repository.Branch = branchName
		}
		if err := loaded.Validate(); err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

// env bundles what every subcommand opens.
type env struct {
	store    *store.Store
	provider *ingest.GitProvider
	importer *ingest.Importer
	locks    *keylock.Manager
	cache    *querier.TipCache
}

func openEnv(ctx context.Context) (*env, error) {
	if cfg.Database.Driver == "sqlite" || cfg.Database.Driver == "sqlite3" {
		if err := ensureParentDir(cfg.Database.DSN); err != nil {
			return nil, err
		}
	}
	s, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	p, err := ingest.OpenGitProvider(cfg.Repository.Path, bulk)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	cache, err := querier.NewTipCache(cfg.Cache.TipEntries)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	// Parent lists are reread when several branches share history.
	parents, err := graph.NewCachingProvider(p, 16*cfg.Cache.BatchSize)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return &env{
		store:    s,
		provider: p,
		importer: ingest.NewImporter(s, parents, ingest.Options{BatchSize: cfg.Cache.BatchSize}),
		locks:    keylock.NewManager(),
		cache:    cache,
	}, nil
}

func (e *env) Close() error { return e.store.Close() }

// querier resolves branch and returns an imported querier for its tip.
func (e *env) querier(ctx context.Context, branch string) (*querier.Querier, error) {
	tip, err := e.provider.ResolveBranch(branch)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %q: %w", branch, err)
	}
	q := querier.New(e.store, e.importer, e.locks, branchKey(branch), tip).WithCache(e.cache)
	if err := q.EnsureBranchTip(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

func branchKey(branch string) string {
	if branch == "" {
		return "HEAD"
	}
	return branch
}

// ensureParentDir creates the directory of an SQLite file DSN.
func ensureParentDir(dsn string) error {
	if dsn == ":memory:" || strings.HasPrefix(dsn, "file:") {
		return nil
	}
	if i := strings.IndexByte(dsn, '?'); i >= 0 {
		dsn = dsn[:i]
	}
	if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	return nil
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
