package webhooks

// globMatch reports whether s matches pattern, where '*' matches any run of
// characters (including none). No other metacharacters; no regexp involved.
// Iterative with backtracking over the last star, linear in practice.
func globMatch(pattern, s string) bool {
	var pi, si int
	star, mark := -1, 0

	for si < len(s) {
		switch {
		case pi < len(pattern) && (pattern[pi] == s[si]):
			pi++
			si++
		case pi < len(pattern) && pattern[pi] == '*':
			star = pi
			mark = si
			pi++
		case star >= 0:
			pi = star + 1
			mark++
			si = mark
		default:
			return false
		}
	}
	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}

// matchesAny reports whether s matches any of the patterns.
func matchesAny(patterns []string, s string) bool {
	for _, p := range patterns {
		if globMatch(p, s) {
			return true
		}
	}
	return false
}
