// Package mutation implements the dictionary-mode mutation pipeline
// (spec §4.8.2), a rule-for-rule port of
// _examples/original_source/dist/services/hash_worker/hash_computer_workers.py's
// MutationEngine.apply_mutations.
package mutation

import "strings"

// Apply expands word through rules, left to right. Each rule multiplies
// the current candidate set into a new candidate set (one output per
// input per rule); unknown rules pass the input through unchanged.
//
// Recognized rules: l (lowercase), u (uppercase), c (capitalize), d
// (duplicate: word -> wordword), r (reverse), $X (append literal X), ^X
// (prepend literal X), sAB (replace all A with B).
//
// A malformed substitute rule (not exactly 3 characters, e.g. "s" or
// "sA") silently drops the candidate for that rule rather than passing
// it through — this replicates the original's len(rule)==3 gate exactly;
// it is a deliberately kept quirk of the source, not a bug, since the
// spec is silent on malformed-rule behavior and instructs following the
// original where it is silent.
func Apply(word string, rules []string) []string {
	candidates := []string{word}

	for _, rule := range rules {
		var next []string
		for _, w := range candidates {
			switch {
			case rule == "l":
				next = append(next, strings.ToLower(w))
			case rule == "u":
				next = append(next, strings.ToUpper(w))
			case rule == "c":
				next = append(next, capitalize(w))
			case rule == "d":
				next = append(next, w+w)
			case rule == "r":
				next = append(next, reverse(w))
			case strings.HasPrefix(rule, "$"):
				next = append(next, w+rule[1:])
			case strings.HasPrefix(rule, "^"):
				next = append(next, rule[1:]+w)
			case strings.HasPrefix(rule, "s"):
				if len(rule) == 3 {
					next = append(next, strings.ReplaceAll(w, string(rule[1]), string(rule[2])))
				}
				// malformed substitute rule: candidate dropped, matching
				// the Python original's silent no-op.
			default:
				next = append(next, w)
			}
		}
		candidates = next
	}

	return candidates
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}

func reverse(s string) string {
	r := []rune(s)
	for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
		r[i], r[j] = r[j], r[i]
	}
	return string(r)
}
