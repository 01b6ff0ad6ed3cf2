package ocrspace

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/ocr-gateway/internal/imagesrc"
	"github.com/ChuLiYu/ocr-gateway/internal/provider"
	"github.com/ChuLiYu/ocr-gateway/internal/ratelimit"
	"github.com/ChuLiYu/ocr-gateway/internal/rotator"
	"github.com/ChuLiYu/ocr-gateway/pkg/types"
)

const overlayResponse = `{
  "ParsedResults": [{
    "TextOverlay": {
      "Lines": [
        {"Words": [
          {"WordText": "Xin", "Left": 10, "Top": 20, "Width": 30, "Height": 12},
          {"WordText": " chào ", "Left": 45, "Top": 21, "Width": 40, "Height": 12}
        ]},
        {"Words": [{"WordText": "  ", "Left": 0, "Top": 0, "Width": 1, "Height": 1}]}
      ]
    }
  }],
  "OCRExitCode": 1,
  "IsErroredOnProcessing": false
}`

func testImage(t *testing.T) imagesrc.Image {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 8, 8))))
	img, err := imagesrc.Probe(buf.Bytes())
	require.NoError(t, err)
	return img
}

func newTestClient(url string, keys ...string) *Client {
	rot := rotator.New(types.BackendHosted, keys, rotator.Options{RetryDelay: -1, Logger: zerolog.Nop()})
	lim := ratelimit.New(map[string]int{Resource: 100})
	return New(lim, rot, Options{BaseURL: url, MaxRetriesPerKey: 1})
}

func TestRecognizeMapsWords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "key-1", r.Header.Get("apikey"))
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "vnm", r.PostForm.Get("language"))
		assert.Equal(t, "2", r.PostForm.Get("OCREngine"))
		assert.Equal(t, "true", r.PostForm.Get("isOverlayRequired"))

		img := r.PostForm.Get("base64Image")
		assert.True(t, strings.HasPrefix(img, "data:image/jpeg;base64,"))
		_, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(img, "data:image/jpeg;base64,"))
		assert.NoError(t, err)

		_, _ = w.Write([]byte(overlayResponse))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, "key-1")
	assert.Equal(t, types.BackendHosted, c.Name())

	fragments, err := c.Recognize(context.Background(), testImage(t))
	require.NoError(t, err)
	require.Len(t, fragments, 2)
	assert.Equal(t, "Xin", fragments[0].Text)
	assert.Equal(t, types.BoundingBox{MinY: 20, MinX: 10, MaxY: 32, MaxX: 40}, fragments[0].Box)
	assert.Equal(t, "chào", fragments[1].Text)
	assert.Equal(t, types.CategoryDialogue, fragments[1].Category)
}

func TestRecognizeRotatesOnQuota(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("apikey")
		mu.Lock()
		seen = append(seen, key)
		mu.Unlock()
		if key == "spent" {
			http.Error(w, "You may only perform this action upto maximum 180 number of times within 3600 seconds", http.StatusForbidden)
			return
		}
		_, _ = w.Write([]byte(overlayResponse))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, "spent", "fresh")
	fragments, err := c.Recognize(context.Background(), testImage(t))
	require.NoError(t, err)
	assert.Len(t, fragments, 2)
	assert.Equal(t, []string{"spent", "fresh"}, seen)
}

func TestRecognizeProcessingErrorExhausts(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_, _ = w.Write([]byte(`{"OCRExitCode": 3, "IsErroredOnProcessing": true, "ErrorMessage": ["Unable to recognize the file type"]}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, "a", "b")
	_, err := c.Recognize(context.Background(), testImage(t))
	assert.ErrorIs(t, err, rotator.ErrExhausted)
	assert.Equal(t, 2, calls)
}

func TestRecognizeNoText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ParsedResults": [{"TextOverlay": {"Lines": []}}], "OCRExitCode": 1}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, "a").Recognize(context.Background(), testImage(t))
	assert.ErrorIs(t, err, provider.ErrNoText)
}

func TestRecognizeWithoutKeys(t *testing.T) {
	_, err := newTestClient("http://127.0.0.1:1").Recognize(context.Background(), testImage(t))
	assert.Equal(t, provider.KindConfiguration, provider.KindOf(err))
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "a; b", errorMessage([]byte(`["a","b"]`)))
	assert.Equal(t, "single", errorMessage([]byte(`"single"`)))
	assert.Equal(t, "unknown error", errorMessage(nil))
}
