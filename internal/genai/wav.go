package genai

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WriteWAV encodes little-endian 16-bit mono pcm as a RIFF/WAVE stream. The
// encoder seeks back on close to fill in the chunk sizes, so w must be seekable.
// A trailing odd byte is dropped.
func WriteWAV(w io.WriteSeeker, pcm []byte, sampleRate int) error {
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
	}

	enc := wav.NewEncoder(w, sampleRate, pcmBitsPerSample, pcmChannels, wavFormatPCM)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: pcmChannels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: pcmBitsPerSample,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("write wav data: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finish wav header: %w", err)
	}
	return nil
}
