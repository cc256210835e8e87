package merge

import (
	"sort"
	"strings"
)

// Similar reports whether two indicator values are fuzzy-equivalent: identical,
// identical once trailing slashes are stripped, or with a token sort ratio at
// or above threshold (0-100).
func Similar(a, b string, threshold float64) bool {
	if a == b {
		return true
	}
	if strings.TrimRight(a, "/") == strings.TrimRight(b, "/") {
		return true
	}
	return TokenSortRatio(a, b) >= threshold
}

// TokenSortRatio scores the similarity of a and b on a 0-100 scale after
// sorting their whitespace-separated tokens. The score is the normalized
// indel similarity 200*LCS/(len(a)+len(b)) computed over runes.
func TokenSortRatio(a, b string) float64 {
	ra := []rune(sortTokens(a))
	rb := []rune(sortTokens(b))
	total := len(ra) + len(rb)
	if total == 0 {
		return 100
	}
	return 200 * float64(lcsLength(ra, rb)) / float64(total)
}

func sortTokens(s string) string {
	tokens := strings.Fields(s)
	sort.Strings(tokens)
	return strings.Join(tokens, " ")
}

func lcsLength(a, b []rune) int {
	if len(a) < len(b) {
		a, b = b, a
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			switch {
			case a[i-1] == b[j-1]:
				curr[j] = prev[j-1] + 1
			case prev[j] >= curr[j-1]:
				curr[j] = prev[j]
			default:
				curr[j] = curr[j-1]
			}
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}
