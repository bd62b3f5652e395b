// Package capture drives microphone input through a narrow device
// capability. Backends deliver raw s16le frames over a bounded channel; the
// Controller owns the lifecycle state machine and writes frames into the
// session's audio buffer.
package capture

import "context"

// Device describes one audio input offered by a backend.
type Device struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	SampleRate float64 `json:"sample_rate"`
	Channels   int     `json:"channels"`
	Default    bool    `json:"default"`
}

// StreamConfig selects the device and frame format for one capture stream.
type StreamConfig struct {
	Device      string
	SampleRate  int
	Channels    int
	FrameBytes  int
	QueueFrames int
}

// Stream is a live capture session. Frames closes when the stream ends;
// after that, Err reports the device fault that ended it, if any. Delivered
// slices are owned by the receiver.
type Stream interface {
	Frames() <-chan []byte
	Err() error
	Close() error
}

// Backend abstracts the microphone capability.
type Backend interface {
	Devices(ctx context.Context) ([]Device, error)
	Open(ctx context.Context, cfg StreamConfig) (Stream, error)
}

// FrameBytes computes the byte size of one frame of the given play time in
// milliseconds.
func FrameBytes(sampleRate, channels, frameMS int) int {
	n := sampleRate * channels * 2 * frameMS / 1000
	align := channels * 2
	if align > 0 {
		n -= n % align
	}
	if n <= 0 {
		n = channels * 2
	}
	return n
}
