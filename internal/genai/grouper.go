// ============================================================================
// Gemini Grouper - semantic grouping of raw OCR boxes
// ============================================================================
//
// Package: internal/genai
// File: grouper.go
// Purpose: Turn word/line boxes from a recognizer into bubble-level fragments
//          with cleaned text, a panel id and a category.
//
// Steps:
//   1. assign ids "0".."n-1" and map boxes to a 0-1000 grid
//   2. send page image + box list, asking for JSON groups
//   3. decode {"groups":[{box_ids, cleaned_text, panel_id, type}]}
//      (retry once after quote repair if the raw text is not valid JSON)
//   4. each group becomes one fragment whose box is the union of its
//      members' pixel boxes; groups with no known ids are dropped
//
// An undecodable response is a KindMalformed error and is not retried.
//
// ============================================================================

package genai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/ocr-gateway/internal/imagesrc"
	"github.com/ChuLiYu/ocr-gateway/internal/narration"
	"github.com/ChuLiYu/ocr-gateway/internal/provider"
	"github.com/ChuLiYu/ocr-gateway/pkg/types"
)

// GridSize is the side of the normalized coordinate grid.
const GridSize = 1000

// Grouper asks a Gemini model to group recognized boxes into bubbles.
type Grouper struct {
	client *Client
	model  string
	logger zerolog.Logger
}

// NewGrouper creates a grouper for model. Empty model means DefaultGroupingModel.
func NewGrouper(client *Client, model string, logger zerolog.Logger) *Grouper {
	if model == "" {
		model = DefaultGroupingModel
	}
	return &Grouper{client: client, model: model, logger: logger}
}

// Model returns the grouping model, which is also its rate limiter resource.
func (g *Grouper) Model() string {
	return g.model
}

type gridBox struct {
	ID      string `json:"id"`
	TextBox [4]int `json:"text_box"`
	Text    string `json:"text"`
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

type groupResponse struct {
	Groups []struct {
		BoxIDs      []flexString `json:"box_ids"`
		CleanedText string       `json:"cleaned_text"`
		PanelID     flexString   `json:"panel_id"`
		Type        string       `json:"type"`
	} `json:"groups"`
}

// Group merges fragments into bubble-level fragments.
func (g *Grouper) Group(ctx context.Context, img imagesrc.Image, fragments []types.Fragment) ([]types.Fragment, error) {
	if len(fragments) == 0 {
		return fragments, nil
	}

	boxes := make([]gridBox, len(fragments))
	for i, f := range fragments {
		boxes[i] = gridBox{
			ID:      strconv.Itoa(i),
			TextBox: ToGrid(f.Box, img.Width, img.Height),
			Text:    f.Text,
		}
	}
	boxesJSON, err := json.Marshal(boxes)
	if err != nil {
		return nil, fmt.Errorf("marshal boxes: %w", err)
	}

	parts := make([]geminiPart, 0, 2)
	if jpeg, err := img.JPEG(85); err == nil {
		parts = append(parts, geminiPart{InlineData: &geminiInlineData{
			MimeType: "image/jpeg",
			Data:     base64.StdEncoding.EncodeToString(jpeg),
		}})
	}
	parts = append(parts, geminiPart{Text: GroupingPrompt(string(boxesJSON))})

	temperature := 0.0
	payload := geminiGenerateContentRequest{
		Contents: []geminiContent{{Role: "user", Parts: parts}},
		GenerationConfig: &geminiGenerationConfig{
			ResponseMimeType: "application/json",
			Temperature:      &temperature,
		},
	}

	resp, err := g.client.generateContent(ctx, g.model, payload)
	if err != nil {
		return nil, err
	}

	groups, err := decodeGroups(responseText(resp))
	if err != nil {
		g.logger.Warn().Err(err).Str("model", g.model).Msg("genai: grouping response could not be decoded")
		return nil, provider.New(ProviderName, provider.KindMalformed, err)
	}

	merged := make([]types.Fragment, 0, len(groups.Groups))
	for _, group := range groups.Groups {
		var (
			box   types.BoundingBox
			found bool
		)
		for _, id := range group.BoxIDs {
			idx, err := strconv.Atoi(strings.TrimSpace(string(id)))
			if err != nil || idx < 0 || idx >= len(fragments) {
				continue
			}
			if !found {
				box = fragments[idx].Box
				found = true
				continue
			}
			box = box.Union(fragments[idx].Box)
		}
		if !found {
			continue
		}
		merged = append(merged, types.Fragment{
			Box:      box,
			Text:     group.CleanedText,
			RegionID: string(group.PanelID),
			Category: narration.ParseCategory(group.Type),
		})
	}

	g.logger.Debug().
		Str("model", g.model).
		Int("boxes", len(fragments)).
		Int("groups", len(merged)).
		Msg("genai: grouped fragments")
	return merged, nil
}

// decodeGroups decodes the model output, repairing stray single quotes and
// doubled quotes when the raw text is not valid JSON.
func decodeGroups(text string) (groupResponse, error) {
	text = stripCodeFence(text)
	if strings.TrimSpace(text) == "" {
		return groupResponse{}, fmt.Errorf("empty grouping response")
	}

	var out groupResponse
	firstErr := json.Unmarshal([]byte(text), &out)
	if firstErr == nil {
		return out, nil
	}
	out = groupResponse{}
	if err := json.Unmarshal([]byte(RepairQuotes(text)), &out); err != nil {
		return groupResponse{}, fmt.Errorf("decode groups: %w", firstErr)
	}
	return out, nil
}

// RepairQuotes turns single quotes that open a value (after ": ") or close
// one (before ',', '\n' or '}') into double quotes, then collapses unescaped
// doubled double quotes.
func RepairQuotes(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for i := 0; i < len(text); i++ {
		ch := text[i]
		if ch == '\'' {
			opens := i >= 2 && text[i-2] == ':' && text[i-1] == ' '
			closes := i+1 < len(text) && (text[i+1] == ',' || text[i+1] == '\n' || text[i+1] == '}')
			if opens || closes {
				ch = '"'
			}
		}
		b.WriteByte(ch)
	}

	fixed := b.String()
	b.Reset()
	for i := 0; i < len(fixed); i++ {
		if fixed[i] == '"' && i+1 < len(fixed) && fixed[i+1] == '"' && (i == 0 || fixed[i-1] != '\\') {
			b.WriteByte('"')
			i++
			continue
		}
		b.WriteByte(fixed[i])
	}
	return b.String()
}

func stripCodeFence(text string) string {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(t, "```") {
		return text
	}
	t = strings.TrimPrefix(t, "```json")
	t = strings.TrimPrefix(t, "```")
	t = strings.TrimSuffix(t, "```")
	return strings.TrimSpace(t)
}

// ToGrid maps a pixel box to the 0-1000 grid, truncating like the model expects.
func ToGrid(b types.BoundingBox, width, height int) [4]int {
	if width <= 0 || height <= 0 {
		return [4]int{}
	}
	return [4]int{
		b.MinY * GridSize / height,
		b.MinX * GridSize / width,
		b.MaxY * GridSize / height,
		b.MaxX * GridSize / width,
	}
}
