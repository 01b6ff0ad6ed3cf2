package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ChuLiYu/ocr-gateway/internal/provider"
	"github.com/ChuLiYu/ocr-gateway/internal/ratelimit"
	"github.com/ChuLiYu/ocr-gateway/internal/rotator"
)

// ProviderName labels Gemini errors, metrics and the key rotator.
const ProviderName = "gemini"

// Defaults
const (
	DefaultBaseURL       = "https://generativelanguage.googleapis.com/v1beta"
	DefaultGroupingModel = "gemini-2.0-flash"
	DefaultSpeechModel   = "gemini-2.5-flash-preview-tts"
	DefaultVoice         = "Kore"
	DefaultTimeout       = 120 * time.Second
)

// Options controls how the Gemini client is configured.
type Options struct {
	BaseURL          string
	HTTPClient       *http.Client
	MaxRetriesPerKey int
}

// Client calls Gemini generateContent. Each attempt takes a rate limiter
// slot named after the model, and failed attempts rotate to the next key.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	rotator    *rotator.Rotator
	maxRetries int
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts,omitempty"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

type geminiPrebuiltVoice struct {
	VoiceName string `json:"voiceName"`
}

type geminiVoiceConfig struct {
	PrebuiltVoiceConfig geminiPrebuiltVoice `json:"prebuiltVoiceConfig"`
}

type geminiSpeechConfig struct {
	VoiceConfig geminiVoiceConfig `json:"voiceConfig"`
}

type geminiGenerationConfig struct {
	ResponseMimeType   string              `json:"responseMimeType,omitempty"`
	ResponseModalities []string            `json:"responseModalities,omitempty"`
	Temperature        *float64            `json:"temperature,omitempty"`
	SpeechConfig       *geminiSpeechConfig `json:"speechConfig,omitempty"`
}

type geminiGenerateContentRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}

type geminiGenerateContentResponse struct {
	Candidates []geminiCandidate `json:"candidates"`
}

type geminiErrorResponse struct {
	Error struct {
		Code    int    `json:"code,omitempty"`
		Message string `json:"message,omitempty"`
		Status  string `json:"status,omitempty"`
	} `json:"error"`
}

// NewClient constructs a Gemini client. A nil HTTP client gets a default
// one with a generous timeout, since speech generation is slow.
func NewClient(limiter *ratelimit.Limiter, rot *rotator.Rotator, opts Options) *Client {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: client,
		limiter:    limiter,
		rotator:    rot,
		maxRetries: opts.MaxRetriesPerKey,
	}
}

// generateContent runs one generateContent request through the limiter and rotator.
func (c *Client) generateContent(ctx context.Context, model string, payload geminiGenerateContentRequest) (geminiGenerateContentResponse, error) {
	var response geminiGenerateContentResponse
	path := fmt.Sprintf("/models/%s:generateContent", url.PathEscape(model))
	err := c.rotator.Call(ctx, func(ctx context.Context, key string) error {
		if err := c.limiter.Acquire(ctx, model); err != nil {
			return err
		}
		response = geminiGenerateContentResponse{}
		return c.invokeGemini(ctx, key, path, payload, &response)
	}, c.maxRetries)
	return response, err
}

func (c *Client) invokeGemini(ctx context.Context, key, path string, payload any, out any) error {
	endpoint := c.baseURL + path
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return provider.New(ProviderName, provider.KindClient, fmt.Errorf("create request: %w", err))
	}
	q := req.URL.Query()
	q.Set("key", key)
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return provider.ClassifyTransport(ProviderName, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return provider.ClassifyTransport(ProviderName, err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		message := strings.TrimSpace(string(data))
		var apiErr geminiErrorResponse
		if err := json.Unmarshal(data, &apiErr); err == nil && apiErr.Error.Message != "" {
			message = apiErr.Error.Message
			if apiErr.Error.Status == "RESOURCE_EXHAUSTED" {
				return &provider.Error{Provider: ProviderName, Kind: provider.KindQuota, Status: resp.StatusCode, Err: errors.New(message)}
			}
		}
		return provider.ClassifyHTTP(ProviderName, resp.StatusCode, message)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return provider.New(ProviderName, provider.KindMalformed, fmt.Errorf("decode gemini response: %w", err))
	}
	return nil
}

// responseText concatenates the text parts of the first candidate.
func responseText(resp geminiGenerateContentResponse) string {
	if len(resp.Candidates) == 0 {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		b.WriteString(part.Text)
	}
	return b.String()
}

// responseInline returns the first inline data part of any candidate.
func responseInline(resp geminiGenerateContentResponse) *geminiInlineData {
	for _, candidate := range resp.Candidates {
		for _, part := range candidate.Content.Parts {
			if part.InlineData != nil && part.InlineData.Data != "" {
				return part.InlineData
			}
		}
	}
	return nil
}
