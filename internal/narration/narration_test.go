package narration

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ChuLiYu/ocr-gateway/pkg/types"
)

func frag(region string, c types.Category, text string) types.Fragment {
	return types.Fragment{RegionID: region, Category: c, Text: text}
}

func texts(fragments []types.Fragment) []string {
	out := make([]string, len(fragments))
	for i, f := range fragments {
		out[i] = f.Text
	}
	return out
}

// ============================================================================
// 排序測試
// ============================================================================

func TestOrderForNarration(t *testing.T) {
	input := []types.Fragment{
		frag("2", types.CategoryDialogue, "B"),
		frag("1", types.CategoryNarration, "A"),
		frag("1", types.CategoryDialogue, "C"),
	}

	ordered := OrderForNarration(input)

	assert.Equal(t, []string{"A", "C", "B"}, texts(ordered))
	assert.Equal(t, "A\nC\n\nB", ComposeText(ordered))
	// Input is left untouched
	assert.Equal(t, "B", input[0].Text)
}

func TestOrderIsStableForEqualKeys(t *testing.T) {
	input := []types.Fragment{
		frag("1", types.CategoryDialogue, "first"),
		frag("1", types.CategoryBackground, "bg"),
		frag("1", types.CategoryDialogue, "second"),
		frag("1", types.CategoryUnknown, "other"),
		frag("1", types.CategoryDialogue, "third"),
		frag("1", types.CategoryThought, "think"),
		frag("1", types.CategorySoundEffect, "bang"),
	}

	ordered := OrderForNarration(input)
	assert.Equal(t, []string{"first", "second", "third", "think", "bang", "bg", "other"}, texts(ordered))
}

func TestRegionsCompareNumerically(t *testing.T) {
	input := []types.Fragment{
		frag("10", types.CategoryDialogue, "ten"),
		frag("2", types.CategoryDialogue, "two"),
		frag("b", types.CategoryDialogue, "bee"),
		frag("a", types.CategoryDialogue, "ay"),
	}

	ordered := OrderForNarration(input)
	assert.Equal(t, []string{"two", "ten", "ay", "bee"}, texts(ordered))
	assert.Negative(t, CompareRegions("2", "10"))
	assert.Positive(t, CompareRegions("b", "a"))
	assert.Zero(t, CompareRegions("03", "3"))
}

func permutations(ids []string) [][]string {
	if len(ids) <= 1 {
		return [][]string{slices.Clone(ids)}
	}
	var out [][]string
	for i := range ids {
		rest := slices.Concat(ids[:i:i], ids[i+1:])
		for _, p := range permutations(rest) {
			out = append(out, append([]string{ids[i]}, p...))
		}
	}
	return out
}

func TestMixedRegionOrderIsDeterministic(t *testing.T) {
	ids := []string{"2", "10", "1a", "a", " 3"}
	want := []string{"2", " 3", "10", "1a", "a"}

	for _, perm := range permutations(ids) {
		input := make([]types.Fragment, len(perm))
		for i, id := range perm {
			input[i] = frag(id, types.CategoryDialogue, id)
		}
		assert.Equal(t, want, texts(OrderForNarration(input)), "input %q", perm)
	}

	// Ordering must be transitive across integer and non-integer ids
	assert.Negative(t, CompareRegions("2", "10"))
	assert.Negative(t, CompareRegions("10", "1a"))
	assert.Negative(t, CompareRegions("2", "1a"))
	assert.Positive(t, CompareRegions("1a", "2"))
}

// ============================================================================
// 文字組合測試
// ============================================================================

func TestComposeTextSkipsEmptyFragments(t *testing.T) {
	ordered := []types.Fragment{
		frag("1", types.CategoryNarration, "  "),
		frag("1", types.CategoryDialogue, " Hello "),
		frag("2", types.CategoryDialogue, ""),
		frag("3", types.CategoryDialogue, "World"),
	}
	assert.Equal(t, "Hello\n\nWorld", ComposeText(ordered))
	assert.Equal(t, "", ComposeText(nil))
}

func TestComposeTextTreatsPaddedRegionAsSame(t *testing.T) {
	ordered := []types.Fragment{
		frag(" 1", types.CategoryDialogue, "A"),
		frag("1", types.CategoryDialogue, "B"),
		frag("2", types.CategoryDialogue, "C"),
	}
	assert.Equal(t, "A\nB\n\nC", ComposeText(ordered))
}

// ============================================================================
// 有效性過濾測試
// ============================================================================

func TestHasNarratableText(t *testing.T) {
	assert.True(t, HasNarratableText([]types.Fragment{{Text: "..."}, {Text: "Hi"}}))
	assert.False(t, HasNarratableText([]types.Fragment{{Text: "[]"}, {Text: " "}}))
	assert.False(t, HasNarratableText(nil))
}

func TestIsNarratable(t *testing.T) {
	testCases := []struct {
		text string
		want bool
	}{
		{"", false},
		{"   ", false},
		{"[]", false},
		{"{}", false},
		{"null", false},
		{"None", false},
		{"?!...", false},
		{"(-)", false},
		{`"'"`, false},
		{"a", false},
		{"ồ", false},
		{"Hi", true},
		{"ồ!", true},
		{"Ừm", true},
		{" no ", true},
		{"none", true},
	}

	for _, tc := range testCases {
		t.Run(tc.text, func(t *testing.T) {
			assert.Equal(t, tc.want, IsNarratable(tc.text))
		})
	}
}

// ============================================================================
// 類別解析測試
// ============================================================================

func TestParseCategory(t *testing.T) {
	testCases := []struct {
		label string
		want  types.Category
	}{
		{"narration", types.CategoryNarration},
		{"Dialogue", types.CategoryDialogue},
		{" THOUGHT ", types.CategoryThought},
		{"sound_effect", types.CategorySoundEffect},
		{"background", types.CategoryBackground},
		{"", types.CategoryDialogue},
		{"caption", types.CategoryDialogue},
	}

	for _, tc := range testCases {
		t.Run(tc.label, func(t *testing.T) {
			assert.Equal(t, tc.want, ParseCategory(tc.label))
		})
	}
}

func TestPriority(t *testing.T) {
	assert.Less(t, Priority(types.CategoryNarration), Priority(types.CategoryDialogue))
	assert.Less(t, Priority(types.CategoryDialogue), Priority(types.CategoryThought))
	assert.Less(t, Priority(types.CategoryThought), Priority(types.CategorySoundEffect))
	assert.Less(t, Priority(types.CategorySoundEffect), Priority(types.CategoryBackground))
	assert.Less(t, Priority(types.CategoryBackground), Priority(types.CategoryUnknown))
}
