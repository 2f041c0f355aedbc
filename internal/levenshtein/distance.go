// Package levenshtein computes edit distances for domain typo detection.
package levenshtein

// Distance computes the Levenshtein edit distance between two strings.
func Distance(s, t string) int {
	d, _ := Within(s, t, -1)
	return d
}

// Within computes the distance between s and t, giving up as soon as every
// cell of a row exceeds limit. The second return value is false when the
// distance is known to be larger than limit. A negative limit disables the bound.
// Memory is O(min(m,n)).
func Within(s, t string, limit int) (int, bool) {
	sr, tr := []rune(s), []rune(t)
	if len(sr) > len(tr) {
		sr, tr = tr, sr
	}
	if limit >= 0 && len(tr)-len(sr) > limit {
		return len(tr) - len(sr), false
	}
	if len(sr) == 0 {
		return len(tr), limit < 0 || len(tr) <= limit
	}

	prev := make([]int, len(sr)+1)
	curr := make([]int, len(sr)+1)
	for i := range prev {
		prev[i] = i
	}

	for j, tc := range tr {
		curr[0] = j + 1
		rowMin := curr[0]
		for i, sc := range sr {
			cost := 1
			if sc == tc {
				cost = 0
			}
			curr[i+1] = min(curr[i]+1, prev[i+1]+1, prev[i]+cost)
			rowMin = min(rowMin, curr[i+1])
		}
		if limit >= 0 && rowMin > limit {
			return rowMin, false
		}
		prev, curr = curr, prev
	}

	d := prev[len(sr)]
	return d, limit < 0 || d <= limit
}
