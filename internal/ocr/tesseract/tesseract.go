// Package tesseract provides the local recognition backends on top of the
// gosseract client. Both modes create one client per call; a client is not
// safe to share between goroutines.
package tesseract

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/otiai10/gosseract/v2"

	"github.com/ChuLiYu/ocr-gateway/internal/imagesrc"
	"github.com/ChuLiYu/ocr-gateway/internal/provider"
	"github.com/ChuLiYu/ocr-gateway/pkg/types"
)

// DefaultLanguages are the traineddata names loaded when none are configured.
var DefaultLanguages = []string{"vie"}

// Mode selects the page segmentation profile.
type Mode int

const (
	// ModeFast looks for scattered text, which suits speech bubbles.
	ModeFast Mode = iota
	// ModeAccurate runs full page layout analysis at a fixed DPI hint.
	ModeAccurate
)

const accurateDPI = 300

// Engine recognizes text lines with Tesseract.
type Engine struct {
	mode          Mode
	languages     []string
	clientFactory func() *gosseract.Client
}

// New creates an engine for mode. Empty languages fall back to DefaultLanguages.
func New(mode Mode, languages []string) *Engine {
	if len(languages) == 0 {
		languages = DefaultLanguages
	}
	return &Engine{
		mode:          mode,
		languages:     append([]string(nil), languages...),
		clientFactory: gosseract.NewClient,
	}
}

// Name returns the backend name of the mode.
func (e *Engine) Name() string {
	if e.mode == ModeAccurate {
		return types.BackendAccurate
	}
	return types.BackendFast
}

// Recognize returns one fragment per recognized text line.
func (e *Engine) Recognize(ctx context.Context, img imagesrc.Image) ([]types.Fragment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := tesseractInput(img)
	if err != nil {
		return nil, provider.New(e.Name(), provider.KindClient, err)
	}

	c := e.clientFactory()
	defer c.Close()

	if err := e.configure(c); err != nil {
		return nil, provider.New(e.Name(), provider.KindConfiguration, err)
	}
	if err := c.SetImageFromBytes(data); err != nil {
		return nil, provider.New(e.Name(), provider.KindClient, fmt.Errorf("set image: %w", err))
	}

	boxes, err := c.GetBoundingBoxes(gosseract.RIL_TEXTLINE)
	if err != nil {
		return nil, provider.New(e.Name(), provider.KindTransport, fmt.Errorf("recognize lines: %w", err))
	}

	fragments := make([]types.Fragment, 0, len(boxes))
	for _, b := range boxes {
		text := strings.TrimSpace(b.Word)
		if text == "" {
			continue
		}
		fragments = append(fragments, types.Fragment{
			Box: types.BoundingBox{
				MinY: b.Box.Min.Y,
				MinX: b.Box.Min.X,
				MaxY: b.Box.Max.Y,
				MaxX: b.Box.Max.X,
			},
			Text:     text,
			Category: types.CategoryDialogue,
		})
	}
	if len(fragments) == 0 {
		return nil, provider.ErrNoText
	}
	return fragments, nil
}

func (e *Engine) configure(c *gosseract.Client) error {
	if err := c.SetLanguage(e.languages...); err != nil {
		return fmt.Errorf("set languages: %w", err)
	}
	switch e.mode {
	case ModeAccurate:
		if err := c.SetPageSegMode(gosseract.PSM_AUTO); err != nil {
			return fmt.Errorf("set page segmentation: %w", err)
		}
		if err := c.SetVariable(gosseract.SettableVariable("user_defined_dpi"), strconv.Itoa(accurateDPI)); err != nil {
			return fmt.Errorf("set dpi: %w", err)
		}
	default:
		if err := c.SetPageSegMode(gosseract.PSM_SPARSE_TEXT); err != nil {
			return fmt.Errorf("set page segmentation: %w", err)
		}
	}
	return nil
}

// tesseractInput returns bytes Leptonica can read, re-encoding formats such
// as webp to PNG.
func tesseractInput(img imagesrc.Image) ([]byte, error) {
	switch img.Format {
	case "JPEG", "PNG", "GIF", "TIFF", "BMP":
		return img.Data, nil
	}
	if img.Decoded == nil {
		return nil, fmt.Errorf("unsupported image format %q", img.Format)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img.Decoded, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}
