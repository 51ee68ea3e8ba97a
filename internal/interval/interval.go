// Package interval implements sets of block numbers represented as sorted, disjoint,
// closed ranges.
package interval

import (
	"fmt"
	"sort"
)

// Interval is a closed block range [From, To].
type Interval struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

func (i Interval) String() string {
	return fmt.Sprintf("[%d,%d]", i.From, i.To)
}

// Set is a minimal list of disjoint, non-adjacent intervals in ascending order.
type Set []Interval

// Merge inserts r into set and coalesces overlapping or adjacent ranges. Merge is
// idempotent and commutative.
func Merge(set Set, r Interval) Set {
	return Union(set, Set{r})
}

// Union returns the minimal set covering every block of a and b.
func Union(a, b Set) Set {
	all := make([]Interval, 0, len(a)+len(b))
	for _, iv := range a {
		if iv.From <= iv.To {
			all = append(all, iv)
		}
	}
	for _, iv := range b {
		if iv.From <= iv.To {
			all = append(all, iv)
		}
	}
	if len(all) == 0 {
		return Set{}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].From != all[j].From {
			return all[i].From < all[j].From
		}
		return all[i].To < all[j].To
	})

	out := Set{all[0]}
	for _, iv := range all[1:] {
		last := &out[len(out)-1]
		if last.To == ^uint64(0) || iv.From <= last.To+1 {
			if iv.To > last.To {
				last.To = iv.To
			}
			continue
		}
		out = append(out, iv)
	}
	return out
}

// Intersection returns the blocks present in both a and b.
func Intersection(a, b Set) Set {
	a, b = Union(a, nil), Union(b, nil)
	out := Set{}
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		from := max(a[i].From, b[j].From)
		to := min(a[i].To, b[j].To)
		if from <= to {
			out = append(out, Interval{From: from, To: to})
		}
		if a[i].To < b[j].To {
			i++
		} else {
			j++
		}
	}
	return out
}

// Difference returns the blocks of a that are not in b.
func Difference(a, b Set) Set {
	a, b = Union(a, nil), Union(b, nil)
	out := Set{}
	for _, iv := range a {
		cur := iv
		empty := false
		for _, cut := range b {
			if cut.To < cur.From || cut.From > cur.To {
				continue
			}
			if cut.From > cur.From {
				out = append(out, Interval{From: cur.From, To: cut.From - 1})
			}
			if cut.To >= cur.To {
				empty = true
				break
			}
			cur.From = cut.To + 1
		}
		if !empty {
			out = append(out, cur)
		}
	}
	return out
}

// Sum returns the number of blocks in set.
func Sum(set Set) uint64 {
	var total uint64
	for _, iv := range Union(set, nil) {
		total += iv.To - iv.From + 1
	}
	return total
}

// ContiguousEnd returns the last block of the unbroken run that starts at from. The
// second result is false when from itself is not covered. Consumers use this instead
// of the maximum covered block so that gaps are never reported as synchronized.
func ContiguousEnd(set Set, from uint64) (uint64, bool) {
	for _, iv := range Union(set, nil) {
		if iv.From <= from && from <= iv.To {
			return iv.To, true
		}
	}
	return 0, false
}

// Chunks splits a range into consecutive pieces of at most size blocks.
func Chunks(r Interval, size uint64) ([]Interval, error) {
	if size == 0 {
		return nil, fmt.Errorf("chunk size must be greater than zero")
	}
	if r.To < r.From {
		return nil, fmt.Errorf("to block must be >= from block")
	}

	out := make([]Interval, 0)
	start := r.From
	for {
		end := r.To
		if r.To-start+1 > size {
			end = start + size - 1
		}
		out = append(out, Interval{From: start, To: end})
		if end == r.To {
			break
		}
		start = end + 1
	}
	return out, nil
}

// Contains reports whether block n is in set. set must be minimal.
func (s Set) Contains(n uint64) bool {
	i := sort.Search(len(s), func(i int) bool { return s[i].To >= n })
	return i < len(s) && s[i].From <= n
}
