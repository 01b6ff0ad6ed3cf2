// Package types defines the core domain model shared by the OCR gateway.
package types

import (
	"encoding/json"
	"strings"
)

// Recognition backends chosen by the selector.
const (
	BackendFast     = "tesseract-fast"     // cheapest local backend, default
	BackendAccurate = "tesseract-accurate" // heavyweight local backend, no external quota
	BackendHosted   = "ocrspace"           // hosted low-cost provider
)

// JobOptions controls the optional stages of a job.
type JobOptions struct {
	UseAI         bool `json:"use_ai"`         // run semantic grouping on raw fragments
	SkipNarration bool `json:"skip_narration"` // never call the synthesizer for this job
}

// Job is one image submitted for recognition and optional narration.
// A Job is immutable once created and is owned by the dispatcher task handling it.
type Job struct {
	ID      string     `json:"id"`
	Source  string     `json:"image_url"` // image locator: http(s) URL, file:// URL or local path
	Options JobOptions `json:"-"`
}

type jobWire struct {
	ID            string `json:"id"`
	Source        string `json:"image_url"`
	UseAI         bool   `json:"use_ai,omitempty"`
	SkipNarration bool   `json:"skip_narration,omitempty"`
}

// MarshalJSON flattens options into the request object.
func (j Job) MarshalJSON() ([]byte, error) {
	return json.Marshal(jobWire{
		ID:            j.ID,
		Source:        j.Source,
		UseAI:         j.Options.UseAI,
		SkipNarration: j.Options.SkipNarration,
	})
}

// UnmarshalJSON reads the flat request object.
func (j *Job) UnmarshalJSON(data []byte) error {
	var w jobWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*j = Job{
		ID:      w.ID,
		Source:  w.Source,
		Options: JobOptions{UseAI: w.UseAI, SkipNarration: w.SkipNarration},
	}
	return nil
}

// BoundingBox is a text region in image pixel coordinates.
type BoundingBox struct {
	MinY int `json:"min_y"`
	MinX int `json:"min_x"`
	MaxY int `json:"max_y"`
	MaxX int `json:"max_x"`
}

// Union returns the smallest box covering both b and o.
func (b BoundingBox) Union(o BoundingBox) BoundingBox {
	return BoundingBox{
		MinY: min(b.MinY, o.MinY),
		MinX: min(b.MinX, o.MinX),
		MaxY: max(b.MaxY, o.MaxY),
		MaxX: max(b.MaxX, o.MaxX),
	}
}

// Category tags the role of a text fragment inside a panel.
type Category int

const (
	CategoryDialogue Category = iota
	CategoryThought
	CategoryNarration
	CategorySoundEffect
	CategoryBackground
	CategoryUnknown
)

var categoryNames = map[Category]string{
	CategoryDialogue:    "dialogue",
	CategoryThought:     "thought",
	CategoryNarration:   "narration",
	CategorySoundEffect: "sound_effect",
	CategoryBackground:  "background",
	CategoryUnknown:     "unknown",
}

func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return "unknown"
}

// MarshalJSON encodes the category as its wire string.
func (c Category) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON decodes a wire string; anything unrecognised becomes CategoryUnknown.
func (c *Category) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*c = CategoryUnknown
	for k, v := range categoryNames {
		if v == strings.ToLower(strings.TrimSpace(s)) {
			*c = k
			break
		}
	}
	return nil
}

// Fragment is a single recognized text region. Immutable once produced.
type Fragment struct {
	Box         BoundingBox `json:"-"`
	Text        string      `json:"text"`
	RegionID    string      `json:"panel_id"`
	Category    Category    `json:"type"`
	BackendUsed string      `json:"model_used"`
}

type fragmentWire struct {
	BoundingBox
	Text        string   `json:"text"`
	RegionID    string   `json:"panel_id"`
	Category    Category `json:"type"`
	BackendUsed string   `json:"model_used"`
}

// MarshalJSON inlines the bounding box coordinates.
func (f Fragment) MarshalJSON() ([]byte, error) {
	return json.Marshal(fragmentWire{
		BoundingBox: f.Box,
		Text:        f.Text,
		RegionID:    f.RegionID,
		Category:    f.Category,
		BackendUsed: f.BackendUsed,
	})
}

// UnmarshalJSON reads inlined bounding box coordinates.
func (f *Fragment) UnmarshalJSON(data []byte) error {
	var w fragmentWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*f = Fragment{
		Box:         w.BoundingBox,
		Text:        w.Text,
		RegionID:    w.RegionID,
		Category:    w.Category,
		BackendUsed: w.BackendUsed,
	}
	return nil
}

// JobResult is the outcome of one Job. An empty Fragments slice marks a degraded result.
type JobResult struct {
	ID                  string     `json:"id"`
	Fragments           []Fragment `json:"items"`
	AudioPath           string     `json:"path_audio"`
	HasRecognizedRegion bool       `json:"has_bubble"`
}

// Degraded returns the empty result reported for a job that failed.
func Degraded(id string) JobResult {
	return JobResult{ID: id, Fragments: []Fragment{}}
}

// IsDegraded reports whether the result carries no fragments.
func (r JobResult) IsDegraded() bool {
	return len(r.Fragments) == 0
}
