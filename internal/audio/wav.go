package audio

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"

	gaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WriteWAV encodes the clip as 16-bit PCM WAV. The encoder patches chunk
// sizes on close, so the destination must seek; callers hand in a file.
func WriteWAV(file *os.File, clip Clip) error {
	if len(clip.PCM)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &gaudio.IntBuffer{Format: &gaudio.Format{NumChannels: clip.Channels, SampleRate: clip.SampleRate}}
	samples := make([]int, len(clip.PCM)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = int(int16(binary.LittleEndian.Uint16(clip.PCM[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(file, clip.SampleRate, 16, clip.Channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// TempWAV writes the clip to a temporary WAV file and returns its path plus
// a cleanup func that removes it.
func TempWAV(dir string, clip Clip) (string, func(), error) {
	if dir == "" {
		dir = os.TempDir()
	}
	file, err := os.CreateTemp(dir, "voxpad_clip_*.wav")
	if err != nil {
		return "", nil, fmt.Errorf("temp file: %w", err)
	}
	if err := WriteWAV(file, clip); err != nil {
		file.Close()
		os.Remove(file.Name())
		return "", nil, err
	}
	if err := file.Close(); err != nil {
		os.Remove(file.Name())
		return "", nil, fmt.Errorf("close temp wav: %w", err)
	}
	cleanup := func() { os.Remove(file.Name()) }
	return file.Name(), cleanup, nil
}

// Silence returns d worth of silent samples in the given format, aligned to
// whole frames.
func Silence(sampleRate, channels int, d time.Duration) []byte {
	if d <= 0 {
		return nil
	}
	n := int(int64(sampleRate*channels*2) * int64(d) / int64(time.Second))
	align := channels * 2
	if align > 0 {
		n -= n % align
	}
	if n <= 0 {
		return nil
	}
	return make([]byte, n)
}
