package attacker

import "strings"

// RougeL computes the ROUGE-L F1 score between a candidate reconstruction
// and the reference text, over whitespace tokens. Returns 0 when either side
// is empty.
func RougeL(candidate, reference string) float64 {
	cand := strings.Fields(candidate)
	ref := strings.Fields(reference)
	if len(cand) == 0 || len(ref) == 0 {
		return 0
	}
	lcs := lcsLength(cand, ref)
	if lcs == 0 {
		return 0
	}
	precision := float64(lcs) / float64(len(cand))
	recall := float64(lcs) / float64(len(ref))
	return 2 * precision * recall / (precision + recall)
}

// MeanRougeL averages ROUGE-L over paired candidates and references. Extra
// entries on either side score 0.
func MeanRougeL(candidates, references []string) float64 {
	n := len(candidates)
	if len(references) > n {
		n = len(references)
	}
	if n == 0 {
		return 0
	}
	total := 0.0
	for i := 0; i < len(candidates) && i < len(references); i++ {
		total += RougeL(candidates[i], references[i])
	}
	return total / float64(n)
}

// lcsLength computes the longest common subsequence length with a rolling
// single-row table.
func lcsLength(a, b []string) int {
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				curr[j] = prev[j-1] + 1
			} else if prev[j] >= curr[j-1] {
				curr[j] = prev[j]
			} else {
				curr[j] = curr[j-1]
			}
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}
