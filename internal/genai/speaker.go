package genai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/ocr-gateway/internal/provider"
)

// DefaultAudioDir is where narration files are written.
const DefaultAudioDir = "public/tts"

// Gemini speech output is 16-bit mono PCM at 24 kHz unless the mime type says otherwise.
const (
	defaultSampleRate = 24000
	pcmChannels       = 1
	pcmBitsPerSample  = 16
	wavFormatPCM      = 1
)

var errNoAudio = errors.New("response contained no audio")

// SpeakerOptions configures a Speaker.
type SpeakerOptions struct {
	Model  string
	Voice  string
	Dir    string
	Logger zerolog.Logger
}

// Speaker synthesizes narration audio with a Gemini speech model.
type Speaker struct {
	client *Client
	model  string
	voice  string
	dir    string
	logger zerolog.Logger
}

// NewSpeaker creates a speaker, filling empty options with defaults.
func NewSpeaker(client *Client, opts SpeakerOptions) *Speaker {
	if opts.Model == "" {
		opts.Model = DefaultSpeechModel
	}
	if opts.Voice == "" {
		opts.Voice = DefaultVoice
	}
	if opts.Dir == "" {
		opts.Dir = DefaultAudioDir
	}
	return &Speaker{
		client: client,
		model:  opts.Model,
		voice:  opts.Voice,
		dir:    opts.Dir,
		logger: opts.Logger,
	}
}

// Model returns the speech model, which is also its rate limiter resource.
func (s *Speaker) Model() string {
	return s.model
}

// Synthesize narrates text and writes <dir>/<jobID>.wav, returning the path.
// Every failure is reported as a KindSynthesis error.
func (s *Speaker) Synthesize(ctx context.Context, jobID, text string) (string, error) {
	payload := geminiGenerateContentRequest{
		Contents: []geminiContent{{
			Role:  "user",
			Parts: []geminiPart{{Text: NarrationPrompt(text)}},
		}},
		GenerationConfig: &geminiGenerationConfig{
			ResponseModalities: []string{"AUDIO"},
			SpeechConfig: &geminiSpeechConfig{
				VoiceConfig: geminiVoiceConfig{
					PrebuiltVoiceConfig: geminiPrebuiltVoice{VoiceName: s.voice},
				},
			},
		},
	}

	resp, err := s.client.generateContent(ctx, s.model, payload)
	if err != nil {
		return "", s.fail(err)
	}
	inline := responseInline(resp)
	if inline == nil {
		return "", s.fail(errNoAudio)
	}
	pcm, err := base64.StdEncoding.DecodeString(inline.Data)
	if err != nil {
		return "", s.fail(fmt.Errorf("decode audio: %w", err))
	}

	path := filepath.Join(s.dir, safeFileName(jobID)+".wav")
	if err := writeWAVFile(path, pcm, sampleRate(inline.MimeType)); err != nil {
		return "", s.fail(err)
	}

	s.logger.Debug().
		Str("job_id", jobID).
		Str("path", path).
		Int("pcm_bytes", len(pcm)).
		Msg("genai: narration written")
	return path, nil
}

func (s *Speaker) fail(err error) error {
	return provider.New(s.model, provider.KindSynthesis, err)
}

func writeWAVFile(path string, pcm []byte, rate int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create audio dir: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create audio file: %w", err)
	}
	if err := WriteWAV(f, pcm, rate); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close audio file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename audio file: %w", err)
	}
	return nil
}

// sampleRate reads "rate=" from a mime type such as audio/L16;codec=pcm;rate=24000.
func sampleRate(mimeType string) int {
	for _, param := range strings.Split(mimeType, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || !strings.EqualFold(key, "rate") {
			continue
		}
		if rate, err := strconv.Atoi(value); err == nil && rate > 0 {
			return rate
		}
	}
	return defaultSampleRate
}

// safeFileName keeps letters, digits, '.', '-' and '_' from a job id.
func safeFileName(id string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, id)
	name = strings.Trim(name, ".")
	if name == "" {
		return "audio"
	}
	return name
}
