package fleet

import "slices"

// Swap replaces Part with Join on one session. Part is only sent once Join succeeded.
type Swap struct {
	Join string
	Part string
}

// Assignment is the work for one session in a reconciliation pass.
type Assignment struct {
	Swaps []Swap
	Joins []string
	// Stale members that no replacement was found for. They stay joined.
	Kept []string
}

// Ops is the number of JOIN and PART commands the assignment issues if everything succeeds.
func (a Assignment) Ops() (joins, parts int) {
	return len(a.Swaps) + len(a.Joins), len(a.Swaps)
}

// Plan computes the join/part work that moves the current memberships toward desired without
// exceeding capacity per session. It is pure; members[i] is session i's acknowledged channel list.
//
// Channels already joined anywhere are left alone. Each stale member is swapped for one channel not
// yet joined, session by session, until that pool is empty; a stale member without a replacement
// is kept, so the fleet never shrinks when discovery under-returns. Whatever remains of the pool
// then tops up sessions with free capacity, in order.
func Plan(members [][]string, desired []string, capacity int) []Assignment {
	want := Cleanup(desired)
	pending := make(map[string]struct{}, len(want))
	for _, l := range want {
		pending[l] = struct{}{}
	}

	out := make([]Assignment, len(members))
	surplus := make([][]string, len(members))
	for i, ms := range members {
		ms = slices.Clone(ms)
		slices.Sort(ms)
		for _, m := range ms {
			if _, ok := pending[m]; ok {
				// First holder keeps it; a second holder sees it as surplus.
				delete(pending, m)
				continue
			}
			surplus[i] = append(surplus[i], m)
		}
	}

	pool := make([]string, 0, len(pending))
	for _, l := range want {
		if _, ok := pending[l]; ok {
			pool = append(pool, l)
		}
	}
	next := func() (string, bool) {
		if len(pool) == 0 {
			return "", false
		}
		l := pool[0]
		pool = pool[1:]
		return l, true
	}

	for i := range members {
		for k, s := range surplus[i] {
			j, ok := next()
			if !ok {
				out[i].Kept = append(out[i].Kept, surplus[i][k:]...)
				break
			}
			out[i].Swaps = append(out[i].Swaps, Swap{Join: j, Part: s})
		}
	}

	for i, ms := range members {
		for free := capacity - len(ms); free > 0; free-- {
			j, ok := next()
			if !ok {
				return out
			}
			out[i].Joins = append(out[i].Joins, j)
		}
	}
	return out
}
