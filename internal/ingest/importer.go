package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/breezy-team/loggerhead-sub000/internal/graph"
	"github.com/breezy-team/loggerhead-sub000/internal/store"
)

var tracer = otel.Tracer("revcache/ingest")

var (
	importsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "revcache_imports_total",
		Help: "Imports attempted, by outcome",
	}, []string{"outcome"})

	importedRevisionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "revcache_imported_revisions_total",
		Help: "Revision rows created by imports",
	})

	dottedRevnosTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "revcache_dotted_revnos_total",
		Help: "Dotted revno rows created by imports",
	})

	importDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "revcache_import_duration_seconds",
		Help:    "Wall time of one import transaction",
		Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30, 120},
	})
)

// Options tune an Importer.
type Options struct {
	// BatchSize bounds parent lookups per provider call.
	BatchSize int
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{BatchSize: store.MaxBatch}
}

// Result describes one import.
type Result struct {
	Tip          string
	Revisions    int
	Ghosts       int
	Edges        int
	Mainline     int
	DottedRevnos int
	Elapsed      time.Duration
}

// Empty reports an import that wrote nothing.
func (r *Result) Empty() bool {
	return r.Revisions == 0 && r.Ghosts == 0 && r.Edges == 0 && r.DottedRevnos == 0
}

// Importer brings branch tips into the store.
type Importer struct {
	store    *store.Store
	provider graph.Provider
	opts     Options
}

// NewImporter reads ancestry from p and writes to s.
func NewImporter(s *store.Store, p graph.Provider, opts Options) *Importer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = store.MaxBatch
	}
	return &Importer{store: s, provider: p, opts: opts}
}

// Import stores the ancestry of tip and numbers the history it adds, in
// one transaction. An empty tip is an empty branch and imports nothing.
// Importing a tip twice is a no-op.
func (im *Importer) Import(ctx context.Context, tip string) (*Result, error) {
	res := &Result{Tip: tip}
	if tip == "" {
		return res, nil
	}

	ctx, span := tracer.Start(ctx, "ingest.Import", trace.WithAttributes(attribute.String("tip", tip)))
	defer span.End()
	timer := prometheus.NewTimer(importDuration)
	start := time.Now()

	err := im.store.WithTx(ctx, func(a *store.Access) error {
		stats, err := UpdateAncestry(ctx, a, im.provider, tip, im.opts.BatchSize)
		if err != nil {
			return err
		}
		res.Revisions, res.Ghosts, res.Edges = stats.Revisions, stats.Ghosts, stats.Edges

		tipID, err := a.RevisionID(ctx, tip)
		if err != nil {
			return err
		}
		res.DottedRevnos, res.Mainline, err = numberNewHistory(ctx, a, tipID, stats.fresh)
		return err
	})
	timer.ObserveDuration()
	res.Elapsed = time.Since(start)
	if err != nil {
		importsTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("import %s: %w", tip, err)
	}

	if res.Empty() {
		importsTotal.WithLabelValues("noop").Inc()
	} else {
		importsTotal.WithLabelValues("ok").Inc()
	}
	importedRevisionsTotal.Add(float64(res.Revisions))
	dottedRevnosTotal.Add(float64(res.DottedRevnos))
	span.SetAttributes(attribute.Int("dotted_revnos", res.DottedRevnos))

	logrus.WithFields(logrus.Fields{
		"component": "ingest",
		"tip":       tip,
		"revisions": res.Revisions,
		"ghosts":    res.Ghosts,
		"mainline":  res.Mainline,
		"revnos":    res.DottedRevnos,
		"elapsed":   res.Elapsed,
	}).Info("import finished")
	return res, nil
}
