package utils

import "strings"

// ComputeDistance computes the Levenshtein distance between two strings.
// It is case-insensitive.
func ComputeDistance(s1, s2 string) int {
	s1 = strings.ToLower(s1)
	s2 = strings.ToLower(s2)

	if len(s1) == 0 {
		return len(s2)
	}
	if len(s2) == 0 {
		return len(s1)
	}

	// Two rolling rows are enough; the full matrix is never needed.
	prev := make([]int, len(s2)+1)
	curr := make([]int, len(s2)+1)
	for j := 0; j <= len(s2); j++ {
		prev[j] = j
	}

	for i := 1; i <= len(s1); i++ {
		curr[0] = i
		for j := 1; j <= len(s2); j++ {
			cost := 1
			if s1[i-1] == s2[j-1] {
				cost = 0
			}
			min := prev[j] + 1                   // deletion
			if ins := curr[j-1] + 1; ins < min { // insertion
				min = ins
			}
			if sub := prev[j-1] + cost; sub < min { // substitution
				min = sub
			}
			curr[j] = min
		}
		prev, curr = curr, prev
	}

	return prev[len(s2)]
}

// SuggestClosest returns the candidate nearest to input by edit distance,
// or "" when no candidate is within maxDistance. Ties keep the earlier
// candidate so callers can order candidates by preference.
func SuggestClosest(input string, candidates []string, maxDistance int) string {
	best := ""
	bestDist := maxDistance + 1
	for _, c := range candidates {
		if d := ComputeDistance(input, c); d < bestDist {
			best = c
			bestDist = d
		}
	}
	return best
}
