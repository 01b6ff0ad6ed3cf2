package genai

import (
	"fmt"
	"strings"
)

const groupingPrompt = `Group the OCR word boxes of this comic page into speech bubbles and captions.
Boxes use [min_y, min_x, max_y, max_x] on a 0-1000 grid.
Return JSON: {"groups": [{"box_ids": ["0", "1"], "cleaned_text": "...", "panel_id": "1", "type": "dialogue"}]}
type is one of dialogue, thought, narration, sound_effect, background.
Number panels in reading order. Fix OCR mistakes in cleaned_text and leave out advertisements.

Boxes:
%s`

const narrationPrompt = `Read this Vietnamese comic content with a natural, engaging tone, like a storyteller.

Content to be read (already ordered):
%s

Read only the text content, clearly and with emotion.`

// GroupingPrompt renders the grouping request for the given box list.
func GroupingPrompt(boxesJSON string) string {
	return fmt.Sprintf(groupingPrompt, boxesJSON)
}

// NarrationPrompt wraps ordered narration text for the speech model.
func NarrationPrompt(text string) string {
	return fmt.Sprintf(narrationPrompt, strings.TrimSpace(text))
}
