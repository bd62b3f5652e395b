// Package audio owns the captured PCM for one recording session: an
// append-only buffer that freezes into an immutable clip, plus WAV encoding
// helpers for handing clips to remote services.
package audio

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrFrozen is returned by Append once the buffer has been frozen.
	ErrFrozen = errors.New("audio buffer is frozen")
	// ErrNotFrozen is returned when reading a buffer that is still writable.
	ErrNotFrozen = errors.New("audio buffer is not frozen")
)

// Clip is a frozen sequence of interleaved s16le samples with its format.
type Clip struct {
	PCM        []byte
	SampleRate int
	Channels   int
}

func (c Clip) Empty() bool { return len(c.PCM) == 0 }

// Duration reports the play time of the clip.
func (c Clip) Duration() time.Duration {
	bps := c.SampleRate * c.Channels * 2
	if bps == 0 {
		return 0
	}
	return time.Duration(len(c.PCM)) * time.Second / time.Duration(bps)
}

// Chunks splits the clip into consecutive clips of at most d play time each,
// aligned to whole sample frames. A zero or negative d yields the clip whole.
func (c Clip) Chunks(d time.Duration) []Clip {
	bps := c.SampleRate * c.Channels * 2
	if d <= 0 || bps == 0 {
		return []Clip{c}
	}
	step := int(int64(bps) * int64(d) / int64(time.Second))
	align := c.Channels * 2
	step -= step % align
	if step <= 0 || step >= len(c.PCM) {
		return []Clip{c}
	}
	var out []Clip
	for off := 0; off < len(c.PCM); off += step {
		end := off + step
		if end > len(c.PCM) {
			end = len(c.PCM)
		}
		out = append(out, Clip{PCM: c.PCM[off:end], SampleRate: c.SampleRate, Channels: c.Channels})
	}
	return out
}

// Buffer accumulates PCM frames for one recording session. A single writer
// appends while recording; Freeze makes the contents immutable and readable
// by any number of goroutines.
type Buffer struct {
	mu       sync.Mutex
	pcm      []byte
	frames   int
	frozen   bool
	rate     int
	channels int
}

func NewBuffer(sampleRate, channels int) *Buffer {
	return &Buffer{rate: sampleRate, channels: channels}
}

// Append copies one captured frame into the buffer. Fails with ErrFrozen
// after Freeze.
func (b *Buffer) Append(frame []byte) error {
	if len(frame) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.frozen {
		return ErrFrozen
	}
	b.pcm = append(b.pcm, frame...)
	b.frames++
	return nil
}

// Freeze ends the writable phase and returns the full clip. Freeze is
// idempotent; later calls return the same clip.
func (b *Buffer) Freeze() Clip {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frozen = true
	return Clip{PCM: b.pcm, SampleRate: b.rate, Channels: b.channels}
}

// Clip returns the frozen contents. Fails with ErrNotFrozen while the buffer
// is still writable, preventing reads racing the capture stream.
func (b *Buffer) Clip() (Clip, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.frozen {
		return Clip{}, ErrNotFrozen
	}
	return Clip{PCM: b.pcm, SampleRate: b.rate, Channels: b.channels}, nil
}

// Reset discards all data and returns the buffer to empty and writable.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pcm = nil
	b.frames = 0
	b.frozen = false
}

// Frames reports how many frames have been appended since the last Reset.
func (b *Buffer) Frames() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frames
}

// Size reports the buffered byte count.
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pcm)
}

// Duration reports the play time buffered so far.
func (b *Buffer) Duration() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Clip{PCM: b.pcm, SampleRate: b.rate, Channels: b.channels}.Duration()
}
