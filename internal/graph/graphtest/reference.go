// Package graphtest holds shared ancestry fixtures.
package graphtest

import (
	"strconv"

	"github.com/breezy-team/loggerhead-sub000/api"
	"github.com/breezy-team/loggerhead-sub000/internal/graph"
)

// Order lists the reference revisions oldest first.
var Order = []string{"A", "B", "C", "D", "E", "F", "G", "H", "I", "J", "K", "L", "M", "N", "O"}

// ReferenceParents is a fifteen-revision history with nested merges.
// Mainline is O, N, I, G, D, A.
var ReferenceParents = map[string][]string{
	"A": {},
	"B": {"A"},
	"C": {"B"},
	"D": {"A", "C"},
	"E": {"B"},
	"F": {"E"},
	"G": {"D", "F"},
	"H": {"B"},
	"I": {"G", "H"},
	"J": {"F"},
	"K": {"J"},
	"L": {"J"},
	"M": {"K", "L"},
	"N": {"I", "J"},
	"O": {"N", "M"},
}

// ReferenceGDFO are the expected ranks.
var ReferenceGDFO = map[string]int64{
	"A": 1, "B": 2, "C": 3, "D": 4, "E": 3, "F": 4, "G": 5, "H": 3,
	"I": 6, "J": 5, "K": 6, "L": 6, "M": 7, "N": 7, "O": 8,
}

// ReferenceRevnos are the expected dotted revnos with O as the tip.
var ReferenceRevnos = map[string]string{
	"A": "1", "B": "1.1.1", "C": "1.1.2", "D": "2", "E": "1.2.1",
	"F": "1.2.2", "G": "3", "H": "1.3.1", "I": "4", "J": "1.2.3",
	"K": "1.2.4", "L": "1.4.1", "M": "1.2.5", "N": "5", "O": "6",
}

// ReferenceEndOfMerge are the expected end-of-merge flags with O as the tip.
var ReferenceEndOfMerge = map[string]bool{
	"O": false, "M": false, "L": true, "K": true, "N": false, "J": true,
	"I": false, "H": true, "G": false, "F": false, "E": true, "D": false,
	"C": false, "B": true, "A": true,
}

// ReferenceMergedBy names the mainline revision that introduced each one.
var ReferenceMergedBy = map[string]string{
	"A": "A", "B": "D", "C": "D", "D": "D", "E": "G", "F": "G", "G": "G",
	"H": "I", "I": "I", "J": "N", "N": "N", "K": "O", "L": "O", "M": "O", "O": "O",
}

// Reference builds the reference history.
func Reference() *graph.Graph {
	return graph.FromMap(ReferenceParents, Order...)
}

// Revno parses an expected revno.
func Revno(id string) api.Revno {
	return api.MustParseRevno(ReferenceRevnos[id])
}

// Chain builds a linear history of n revisions named prefix0..prefix(n-1),
// the last being the tip.
func Chain(g *graph.Graph, prefix string, n int, from string) string {
	prev := from
	for i := 0; i < n; i++ {
		id := prefix + strconv.Itoa(i)
		if prev == "" {
			g.Add(id)
		} else {
			g.Add(id, prev)
		}
		prev = id
	}
	return prev
}
