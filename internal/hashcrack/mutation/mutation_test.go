package mutation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestApplyS6Scenario reproduces spec §8 S6: mutations=["c","$1"] expand
// "pass" to "Pass1".
func TestApplyS6Scenario(t *testing.T) {
	got := Apply("pass", []string{"c", "$1"})
	assert.Equal(t, []string{"Pass1"}, got)
}

func TestApplyIndividualRules(t *testing.T) {
	cases := []struct {
		name  string
		word  string
		rules []string
		want  []string
	}{
		{"lowercase", "PASS", []string{"l"}, []string{"pass"}},
		{"uppercase", "pass", []string{"u"}, []string{"PASS"}},
		{"capitalize", "pAss", []string{"c"}, []string{"Pass"}},
		{"duplicate", "ab", []string{"d"}, []string{"abab"}},
		{"reverse", "abc", []string{"r"}, []string{"cba"}},
		{"append", "pass", []string{"$1"}, []string{"pass1"}},
		{"prepend", "pass", []string{"^1"}, []string{"1pass"}},
		{"substitute", "pass", []string{"sa@"}, []string{"p@ss"}},
		{"unknown rule passes through", "pass", []string{"z"}, []string{"pass"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Apply(tc.word, tc.rules))
		})
	}
}

func TestApplyMalformedSubstituteDropsCandidate(t *testing.T) {
	// len(rule) != 3: the original silently produces no candidate for
	// this rule application, which empties the set entirely here since
	// there is only one input word.
	got := Apply("pass", []string{"sa"})
	assert.Empty(t, got)
}

func TestApplyNoRulesReturnsOriginal(t *testing.T) {
	assert.Equal(t, []string{"pass"}, Apply("pass", nil))
}

func TestApplyChainsWordThroughEachRule(t *testing.T) {
	// Each rule multiplies the current set: "ab" -> duplicate -> "abab"
	// -> reverse -> "baba".
	got := Apply("ab", []string{"d", "r"})
	assert.Equal(t, []string{"baba"}, got)
}
