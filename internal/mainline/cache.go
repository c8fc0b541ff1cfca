// Package mainline compresses the left-hand-parent chain of a branch into
// persisted ranges so that walking history backwards costs one query per
// range instead of one per revision.
package mainline

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/breezy-team/loggerhead-sub000/internal/store"
)

const (
	// Once this many revisions are collected, the first rangeKeep of them
	// become a range.
	rangeSplit = 101
	rangeKeep  = 75
)

// LeftParent returns the non-ghost left-hand parent of rev.
func LeftParent(ctx context.Context, a *store.Access, rev int64) (int64, bool, error) {
	rows, err := a.ParentRows(ctx, []int64{rev})
	if err != nil {
		return 0, false, err
	}
	if len(rows) == 0 || rows[0].ParentIdx != 0 || rows[0].Ghost {
		return 0, false, nil
	}
	return rows[0].Parent, true, nil
}

// Build persists ranges covering the mainline of tip, stopping at the first
// revision that already heads a range. Adjacent ranges share one revision.
// It returns the number of ranges created; a tip that already heads a
// range creates none.
func Build(ctx context.Context, s *store.Store, tip int64) (int, error) {
	created := 0
	err := s.WithTx(ctx, func(a *store.Access) error {
		created = 0
		existing, err := a.RangeByHead(ctx, tip)
		if err != nil {
			return err
		}
		if existing != nil {
			return nil
		}

		collected := []int64{tip}
		for cur := tip; ; {
			left, ok, err := LeftParent(ctx, a, cur)
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			collected = append(collected, left)
			head, err := a.RangeByHead(ctx, left)
			if err != nil {
				return err
			}
			if head != nil {
				break
			}
			if len(collected) >= rangeSplit {
				if _, err := a.InsertRange(ctx, collected[:rangeKeep]); err != nil {
					return err
				}
				created++
				collected = append([]int64(nil), collected[rangeKeep-1:]...)
			}
			cur = left
		}

		// A single leftover revision is the tail of the range just written,
		// unless nothing was written at all.
		if len(collected) > 1 || created == 0 {
			if _, err := a.InsertRange(ctx, collected); err != nil {
				return err
			}
			created++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	logrus.WithFields(logrus.Fields{
		"component": "mainline",
		"tip":       tip,
		"ranges":    created,
	}).Debug("mainline cache built")
	return created, nil
}
