// ============================================================================
// OCR.space Client - hosted recognition backend
// ============================================================================
//
// Package: internal/ocr/ocrspace
// File: client.go
// Purpose: Recognize text through the OCR.space parse/image endpoint.
//
// Request (form encoded POST, key in the "apikey" header):
//   base64Image        data:image/jpeg;base64,...
//   language           vnm
//   OCREngine          2
//   scale, detectOrientation, isOverlayRequired = true
//
// Response mapping:
//   ParsedResults[].TextOverlay.Lines[].Words[] -> one Fragment per word
//   box = [Top, Left, Top+Height, Left+Width]
//
// Every attempt first takes a slot from the shared rate limiter, then runs
// through the provider's key rotator.
//
// ============================================================================

package ocrspace

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ChuLiYu/ocr-gateway/internal/imagesrc"
	"github.com/ChuLiYu/ocr-gateway/internal/provider"
	"github.com/ChuLiYu/ocr-gateway/internal/ratelimit"
	"github.com/ChuLiYu/ocr-gateway/internal/rotator"
	"github.com/ChuLiYu/ocr-gateway/pkg/types"
)

// Defaults
const (
	DefaultBaseURL  = "https://api.ocr.space/parse/image"
	DefaultLanguage = "vnm"
	DefaultEngine   = 2
	DefaultTimeout  = 60 * time.Second

	// Resource is the rate limiter resource name for this provider.
	Resource = types.BackendHosted

	jpegQuality = 90
)

// Options configures the client.
type Options struct {
	BaseURL          string
	Language         string
	Engine           int
	MaxRetriesPerKey int
	HTTPClient       *http.Client
}

// Client is the hosted OCR engine.
type Client struct {
	baseURL    string
	language   string
	engine     int
	maxRetries int
	http       *http.Client
	limiter    *ratelimit.Limiter
	rotator    *rotator.Rotator
}

// New creates a client that paces calls with limiter and rotates keys with rot.
func New(limiter *ratelimit.Limiter, rot *rotator.Rotator, opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Language == "" {
		opts.Language = DefaultLanguage
	}
	if opts.Engine == 0 {
		opts.Engine = DefaultEngine
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{
		baseURL:    opts.BaseURL,
		language:   opts.Language,
		engine:     opts.Engine,
		maxRetries: opts.MaxRetriesPerKey,
		http:       opts.HTTPClient,
		limiter:    limiter,
		rotator:    rot,
	}
}

// Name returns the backend name.
func (c *Client) Name() string {
	return types.BackendHosted
}

// Recognize sends img to OCR.space and returns one fragment per word.
func (c *Client) Recognize(ctx context.Context, img imagesrc.Image) ([]types.Fragment, error) {
	data, err := img.JPEG(jpegQuality)
	if err != nil {
		return nil, provider.New(types.BackendHosted, provider.KindClient, err)
	}
	form := url.Values{}
	form.Set("base64Image", "data:image/jpeg;base64,"+base64.StdEncoding.EncodeToString(data))
	form.Set("language", c.language)
	form.Set("OCREngine", strconv.Itoa(c.engine))
	form.Set("scale", "true")
	form.Set("detectOrientation", "true")
	form.Set("isOverlayRequired", "true")
	body := form.Encode()

	var fragments []types.Fragment
	err = c.rotator.Call(ctx, func(ctx context.Context, key string) error {
		if err := c.limiter.Acquire(ctx, Resource); err != nil {
			return err
		}
		result, err := c.parse(ctx, key, body)
		if err != nil {
			return err
		}
		fragments = result
		return nil
	}, c.maxRetries)
	if err != nil {
		return nil, err
	}
	if len(fragments) == 0 {
		return nil, provider.ErrNoText
	}
	return fragments, nil
}

type parseResponse struct {
	ParsedResults []struct {
		TextOverlay *struct {
			Lines []struct {
				Words []struct {
					WordText string  `json:"WordText"`
					Left     float64 `json:"Left"`
					Top      float64 `json:"Top"`
					Width    float64 `json:"Width"`
					Height   float64 `json:"Height"`
				} `json:"Words"`
			} `json:"Lines"`
		} `json:"TextOverlay"`
	} `json:"ParsedResults"`
	OCRExitCode           int             `json:"OCRExitCode"`
	IsErroredOnProcessing bool            `json:"IsErroredOnProcessing"`
	ErrorMessage          json.RawMessage `json:"ErrorMessage"`
}

func (c *Client) parse(ctx context.Context, key, body string) ([]types.Fragment, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, strings.NewReader(body))
	if err != nil {
		return nil, provider.New(types.BackendHosted, provider.KindClient, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("apikey", key)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, provider.ClassifyTransport(types.BackendHosted, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, provider.ClassifyTransport(types.BackendHosted, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, provider.ClassifyHTTP(types.BackendHosted, resp.StatusCode, string(raw))
	}

	var parsed parseResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		// OCR.space answers some quota errors with a bare string body
		return nil, provider.ClassifyHTTP(types.BackendHosted, http.StatusBadRequest, string(raw))
	}
	if parsed.IsErroredOnProcessing {
		msg := errorMessage(parsed.ErrorMessage)
		kind := provider.KindClient
		if strings.Contains(strings.ToLower(msg), "timed out") {
			kind = provider.KindTransport
		}
		return nil, provider.Errorf(types.BackendHosted, kind, "exit code %d: %s", parsed.OCRExitCode, msg)
	}

	var fragments []types.Fragment
	for _, pr := range parsed.ParsedResults {
		if pr.TextOverlay == nil {
			continue
		}
		for _, line := range pr.TextOverlay.Lines {
			for _, w := range line.Words {
				text := strings.TrimSpace(w.WordText)
				if text == "" {
					continue
				}
				fragments = append(fragments, types.Fragment{
					Box: types.BoundingBox{
						MinY: int(w.Top),
						MinX: int(w.Left),
						MaxY: int(w.Top + w.Height),
						MaxX: int(w.Left + w.Width),
					},
					Text:     text,
					Category: types.CategoryDialogue,
				})
			}
		}
	}
	return fragments, nil
}

// errorMessage flattens the ErrorMessage field, which is a string or a list.
func errorMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "unknown error"
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return strings.Join(list, "; ")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
