package capture

import (
	"context"
	"sync"
	"time"
)

// MockBackend synthesizes deterministic frames on a ticker. Used in dev mode
// and wherever a real microphone is unavailable.
type MockBackend struct {
	// Interval between frames. Zero means 20ms.
	Interval time.Duration
}

func NewMockBackend() *MockBackend {
	return &MockBackend{}
}

func (b *MockBackend) Devices(_ context.Context) ([]Device, error) {
	return []Device{{ID: "mock-0", Name: "Mock Microphone", SampleRate: 16000, Channels: 1, Default: true}}, nil
}

func (b *MockBackend) Open(_ context.Context, cfg StreamConfig) (Stream, error) {
	interval := b.Interval
	if interval <= 0 {
		interval = 20 * time.Millisecond
	}
	if cfg.FrameBytes <= 0 {
		cfg.FrameBytes = 640
	}
	if cfg.QueueFrames <= 0 {
		cfg.QueueFrames = 8
	}

	s := &mockStream{
		frames: make(chan []byte, cfg.QueueFrames),
		done:   make(chan struct{}),
	}
	go s.run(interval, cfg.FrameBytes)
	return s, nil
}

type mockStream struct {
	frames chan []byte
	done   chan struct{}
	once   sync.Once
}

func (s *mockStream) run(interval time.Duration, frameBytes int) {
	defer close(s.frames)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	seq := byte(0)
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			frame := make([]byte, frameBytes)
			for i := range frame {
				frame[i] = seq
			}
			seq++
			select {
			case s.frames <- frame:
			case <-s.done:
				return
			default:
				// queue full, drop the frame
			}
		}
	}
}

func (s *mockStream) Frames() <-chan []byte { return s.frames }

func (s *mockStream) Err() error { return nil }

func (s *mockStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}
