// ============================================================================
// OCR Gateway Image Source - fetch and probe job images
// ============================================================================
//
// Package: internal/imagesrc
// File: imagesrc.go
// Purpose: Resolve a job's image locator to bytes and measure it for backend
//          selection.
//
// Locators:
//   https://host/page.jpg   HTTP GET, paced by a token bucket
//   file:///data/page.png   local file
//   ./page.webp             local path
//
// Probe decodes with EXIF auto-orientation so the height used for backend
// selection is the height a reader sees.
//
// ============================================================================

package imagesrc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp" // register webp decoder
	"golang.org/x/time/rate"

	"github.com/ChuLiYu/ocr-gateway/internal/provider"
)

const providerName = "fetch"

// Defaults
const (
	DefaultMaxBytes          = 20 << 20
	DefaultTimeout           = 30 * time.Second
	DefaultRequestsPerSecond = 10
	DefaultBurst             = 5
)

var (
	// ErrEmptyLocator 表示任務沒有提供圖片位置
	ErrEmptyLocator = errors.New("empty image locator")
	// ErrTooLarge 表示圖片超過大小上限
	ErrTooLarge = errors.New("image exceeds size limit")
)

// Image is a fetched, decoded job image.
type Image struct {
	Data      []byte      // original encoded bytes
	Decoded   image.Image // oriented pixels
	Format    string      // imaging format name, e.g. "JPEG"
	Width     int
	Height    int
	SizeBytes int64
}

// Options configures a Fetcher.
type Options struct {
	Client            *http.Client
	RequestsPerSecond float64
	Burst             int
	MaxBytes          int64
	UserAgent         string
}

// Fetcher loads images from URLs and local files.
type Fetcher struct {
	client    *http.Client
	limiter   *rate.Limiter
	maxBytes  int64
	userAgent string
}

// NewFetcher creates a fetcher, filling zero options with defaults.
func NewFetcher(opts Options) *Fetcher {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: DefaultTimeout}
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if opts.Burst <= 0 {
		opts.Burst = DefaultBurst
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "ocr-gateway/1.0"
	}
	return &Fetcher{
		client:    opts.Client,
		limiter:   rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst),
		maxBytes:  opts.MaxBytes,
		userAgent: opts.UserAgent,
	}
}

// Fetch loads and probes the image at locator.
func (f *Fetcher) Fetch(ctx context.Context, locator string) (Image, error) {
	data, err := f.load(ctx, strings.TrimSpace(locator))
	if err != nil {
		return Image{}, err
	}
	return Probe(data)
}

func (f *Fetcher) load(ctx context.Context, locator string) ([]byte, error) {
	if locator == "" {
		return nil, provider.New(providerName, provider.KindClient, ErrEmptyLocator)
	}

	u, err := url.Parse(locator)
	if err == nil {
		switch u.Scheme {
		case "http", "https":
			return f.download(ctx, locator)
		case "file":
			return f.readFile(u.Path)
		}
	}
	return f.readFile(locator)
}

func (f *Fetcher) download(ctx context.Context, locator string) ([]byte, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return nil, provider.New(providerName, provider.KindClient, err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, provider.ClassifyTransport(providerName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &provider.Error{
			Provider: providerName,
			Kind:     provider.KindTransport,
			Status:   resp.StatusCode,
			Err:      fmt.Errorf("download %s: %s", locator, strings.TrimSpace(string(body))),
		}
	}

	return f.readLimited(resp.Body)
}

func (f *Fetcher) readFile(path string) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, provider.New(providerName, provider.KindClient, err)
	}
	defer file.Close()
	return f.readLimited(file)
}

func (f *Fetcher) readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, f.maxBytes+1))
	if err != nil {
		return nil, provider.ClassifyTransport(providerName, err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, provider.New(providerName, provider.KindClient, ErrTooLarge)
	}
	return data, nil
}

// Probe decodes data and reports its oriented dimensions and size.
func Probe(data []byte) (Image, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return Image{}, provider.New(providerName, provider.KindClient, fmt.Errorf("decode image: %w", err))
	}
	format := ""
	if _, name, cfgErr := image.DecodeConfig(bytes.NewReader(data)); cfgErr == nil {
		format = strings.ToUpper(name)
	}
	b := img.Bounds()
	return Image{
		Data:      data,
		Decoded:   img,
		Format:    format,
		Width:     b.Dx(),
		Height:    b.Dy(),
		SizeBytes: int64(len(data)),
	}, nil
}

// JPEG returns the image encoded as JPEG, reusing the original bytes when
// they already are.
func (img Image) JPEG(quality int) ([]byte, error) {
	if img.Format == "JPEG" {
		return img.Data, nil
	}
	if img.Decoded == nil {
		return nil, errors.New("image has no decoded pixels")
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img.Decoded, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
