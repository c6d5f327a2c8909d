package fsm

import (
	"fmt"
	"sort"
)

// ID tags a stage variant.
type ID string

// Table lists, for every stage, the stages it may be entered from. A stage
// missing from the table, or with no predecessors, can only be the initial
// stage. Terminal stages are the ones no entry lists as a predecessor.
type Table map[ID][]ID

// Allows reports whether a machine at from may move to to.
func (t Table) Allows(from, to ID) bool {
	for _, p := range t[to] {
		if p == from {
			return true
		}
	}
	return false
}

// Targets returns the stages reachable from from in one step, sorted.
func (t Table) Targets(from ID) []ID {
	var out []ID
	for to := range t {
		if t.Allows(from, to) {
			out = append(out, to)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Validate checks that every referenced stage is one of known.
func (t Table) Validate(known ...ID) error {
	set := make(map[ID]struct{}, len(known))
	for _, id := range known {
		set[id] = struct{}{}
	}
	for to, froms := range t {
		if _, ok := set[to]; !ok {
			return fmt.Errorf("fsm: unknown stage %q in table", to)
		}
		for _, f := range froms {
			if _, ok := set[f]; !ok {
				return fmt.Errorf("fsm: unknown predecessor %q of %q", f, to)
			}
		}
	}
	return nil
}

// Except returns every id in all except the ones listed.
func Except(all []ID, skip ...ID) []ID {
	out := make([]ID, 0, len(all))
next:
	for _, id := range all {
		for _, s := range skip {
			if id == s {
				continue next
			}
		}
		out = append(out, id)
	}
	return out
}
