package api

import (
	"fmt"
	"strconv"
	"strings"
)

// Revno is a dotted revision number. A single component denotes a mainline
// revision ("4"); merged revisions carry three components ("1.2.3"): the
// mainline revno they branched from, the branch number and the sequence
// within that branch.
//
// A nil Revno means "not numbered in this branch".
type Revno []int

// ParseRevno parses the dotted string form produced by Revno.String.
func ParseRevno(s string) (Revno, error) {
	if s == "" {
		return nil, fmt.Errorf("parse revno: empty string")
	}
	parts := strings.Split(s, ".")
	out := make(Revno, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("parse revno %q: bad component %q", s, p)
		}
		out[i] = n
	}
	return out, nil
}

// MustParseRevno is ParseRevno for literals in tests and tables.
func MustParseRevno(s string) Revno {
	r, err := ParseRevno(s)
	if err != nil {
		panic(err)
	}
	return r
}

func (r Revno) String() string {
	if len(r) == 0 {
		return ""
	}
	var b strings.Builder
	for i, n := range r {
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(strconv.Itoa(n))
	}
	return b.String()
}

// Base is the first component: the mainline revno a branch hangs off.
func (r Revno) Base() int {
	return r[0]
}

// IsMainline reports whether r names a mainline revision.
func (r Revno) IsMainline() bool {
	return len(r) == 1
}

// Next returns r with its last component incremented, the number given to
// the first child continuing the same line of development.
func (r Revno) Next() Revno {
	out := make(Revno, len(r))
	copy(out, r)
	out[len(out)-1]++
	return out
}

// Branch returns the branch number of a merged revno, 0 for mainline.
func (r Revno) Branch() int {
	if len(r) < 2 {
		return 0
	}
	return r[1]
}

// Equal reports whether r and o have the same components.
func (r Revno) Equal(o Revno) bool {
	if len(r) != len(o) {
		return false
	}
	for i := range r {
		if r[i] != o[i] {
			return false
		}
	}
	return true
}

// MergedRevision is one entry of a merge-sorted schedule.
type MergedRevision struct {
	ID         string `json:"id"`
	Revno      Revno  `json:"revno"`
	MergeDepth int    `json:"merge_depth"`
	EndOfMerge bool   `json:"end_of_merge"`
	// MergedBy is the mainline revision whose merge introduced ID.
	MergedBy string `json:"merged_by"`
}

func (r Revno) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Revno) UnmarshalText(b []byte) error {
	parsed, err := ParseRevno(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
