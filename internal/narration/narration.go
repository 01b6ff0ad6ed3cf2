// ============================================================================
// OCR Gateway Narration - fragment ordering and read-aloud text
// ============================================================================
//
// Package: internal/narration
// File: narration.go
// Purpose: Order recognized fragments panel by panel for narration, build the
//          text handed to the synthesizer, and decide whether a page carries
//          any text worth synthesizing.
//
// Ordering key: (region id, category priority), stable for equal keys.
//
//   priority  narration 1 < dialogue 2 < thought 3 < sound effect 4
//             < background 5 < anything else 6
//
//   region    integer ids first, numerically ("2" < "10"), then the
//             rest lexically ("10" < "1a" < "a")
//
// Composition:
//   region 1:  A\nC
//   region 2:  B            =>  "A\nC\n\nB"
//
// ============================================================================

package narration

import (
	"cmp"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/ChuLiYu/ocr-gateway/pkg/types"
)

const (
	lineSeparator   = "\n"
	regionSeparator = "\n\n"

	// minNarratableRunes is the shortest trimmed text that counts as content.
	minNarratableRunes = 2

	// punctuation that alone never makes a fragment narratable
	punctuation = " \n\t\r.,!?;:-()[]{}\"'"
)

var sentinels = map[string]struct{}{
	"[]":   {},
	"{}":   {},
	"null": {},
	"None": {},
}

// Priority returns the read-aloud rank of a category; lower reads first.
func Priority(c types.Category) int {
	switch c {
	case types.CategoryNarration:
		return 1
	case types.CategoryDialogue:
		return 2
	case types.CategoryThought:
		return 3
	case types.CategorySoundEffect:
		return 4
	case types.CategoryBackground:
		return 5
	default:
		return 6
	}
}

// OrderForNarration returns a copy of fragments sorted by region, then
// category priority. Ties keep their input order.
func OrderForNarration(fragments []types.Fragment) []types.Fragment {
	ordered := slices.Clone(fragments)
	slices.SortStableFunc(ordered, func(a, b types.Fragment) int {
		if c := CompareRegions(a.RegionID, b.RegionID); c != 0 {
			return c
		}
		return Priority(a.Category) - Priority(b.Category)
	})
	return ordered
}

// CompareRegions orders region ids. Integer ids come first in numeric order,
// every other id follows in lexical order. Surrounding space is ignored.
func CompareRegions(a, b string) int {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	ai, aerr := strconv.Atoi(a)
	bi, berr := strconv.Atoi(b)
	switch {
	case aerr == nil && berr == nil:
		return cmp.Compare(ai, bi)
	case aerr == nil:
		return -1
	case berr == nil:
		return 1
	default:
		return strings.Compare(a, b)
	}
}

// ComposeText joins already ordered fragments into narration text. Empty
// fragments are skipped and a blank line separates regions.
func ComposeText(ordered []types.Fragment) string {
	var (
		b       strings.Builder
		region  string
		started bool
	)
	for _, f := range ordered {
		text := strings.TrimSpace(f.Text)
		if text == "" {
			continue
		}
		if started {
			if CompareRegions(f.RegionID, region) != 0 {
				b.WriteString(regionSeparator)
			} else {
				b.WriteString(lineSeparator)
			}
		}
		b.WriteString(text)
		region = f.RegionID
		started = true
	}
	return b.String()
}

// HasNarratableText reports whether at least one fragment carries real text.
func HasNarratableText(fragments []types.Fragment) bool {
	for _, f := range fragments {
		if IsNarratable(f.Text) {
			return true
		}
	}
	return false
}

// IsNarratable applies the content check to a single text.
func IsNarratable(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	if _, ok := sentinels[trimmed]; ok {
		return false
	}
	if strings.Trim(trimmed, punctuation) == "" {
		return false
	}
	return utf8.RuneCountInString(trimmed) >= minNarratableRunes
}

// ParseCategory maps a provider label to a category. Matching ignores case
// and surrounding space; unrecognised or empty labels become dialogue.
func ParseCategory(label string) types.Category {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "narration":
		return types.CategoryNarration
	case "dialogue":
		return types.CategoryDialogue
	case "thought":
		return types.CategoryThought
	case "sound_effect", "sound effect", "sfx":
		return types.CategorySoundEffect
	case "background":
		return types.CategoryBackground
	default:
		return types.CategoryDialogue
	}
}
