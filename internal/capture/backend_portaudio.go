package capture

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// PortAudioBackend captures from a real microphone through PortAudio.
type PortAudioBackend struct {
	mu sync.Mutex
}

func NewPortAudioBackend() *PortAudioBackend {
	return &PortAudioBackend{}
}

func (b *PortAudioBackend) Devices(_ context.Context) ([]Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio init: %w", err)
	}
	defer portaudio.Terminate()

	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}
	def, _ := portaudio.DefaultInputDevice()

	var out []Device
	for _, info := range infos {
		if info.MaxInputChannels <= 0 {
			continue
		}
		out = append(out, Device{
			ID:         info.Name,
			Name:       info.Name,
			SampleRate: info.DefaultSampleRate,
			Channels:   info.MaxInputChannels,
			Default:    def != nil && info.Name == def.Name,
		})
	}
	return out, nil
}

func (b *PortAudioBackend) Open(_ context.Context, cfg StreamConfig) (Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio init: %w", err)
	}

	frameBytes := cfg.FrameBytes
	if frameBytes <= 0 {
		frameBytes = FrameBytes(cfg.SampleRate, cfg.Channels, 100)
	}
	in := make([]int16, frameBytes/2)
	framesPerBuffer := len(in) / cfg.Channels

	var (
		stream *portaudio.Stream
		err    error
	)
	if cfg.Device == "" {
		stream, err = portaudio.OpenDefaultStream(cfg.Channels, 0, float64(cfg.SampleRate), framesPerBuffer, in)
	} else {
		var dev *portaudio.DeviceInfo
		dev, err = b.findDevice(cfg.Device)
		if err == nil {
			params := portaudio.HighLatencyParameters(dev, nil)
			params.Input.Channels = cfg.Channels
			params.SampleRate = float64(cfg.SampleRate)
			params.FramesPerBuffer = framesPerBuffer
			stream, err = portaudio.OpenStream(params, in)
		}
	}
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("start input stream: %w", err)
	}

	queue := cfg.QueueFrames
	if queue <= 0 {
		queue = 16
	}
	s := &paStream{
		frames: make(chan []byte, queue),
		done:   make(chan struct{}),
		stream: stream,
		in:     in,
	}
	go s.run()
	return s, nil
}

func (b *PortAudioBackend) findDevice(id string) (*portaudio.DeviceInfo, error) {
	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}
	for _, info := range infos {
		if info.MaxInputChannels > 0 && info.Name == id {
			return info, nil
		}
	}
	return nil, fmt.Errorf("input device %q not found", id)
}

type paStream struct {
	frames chan []byte
	done   chan struct{}
	stream *portaudio.Stream
	in     []int16

	mu    sync.Mutex
	fault error

	closeOnce sync.Once
}

func (s *paStream) run() {
	defer close(s.frames)
	for {
		select {
		case <-s.done:
			return
		default:
		}
		if err := s.stream.Read(); err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if err == portaudio.InputOverflowed {
				continue
			}
			s.mu.Lock()
			s.fault = fmt.Errorf("read input stream: %w", err)
			s.mu.Unlock()
			return
		}
		frame := make([]byte, len(s.in)*2)
		for i, v := range s.in {
			binary.LittleEndian.PutUint16(frame[i*2:], uint16(v))
		}
		select {
		case s.frames <- frame:
		case <-s.done:
			return
		}
	}
}

func (s *paStream) Frames() <-chan []byte { return s.frames }

func (s *paStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fault
}

func (s *paStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.stream.Abort()
		s.stream.Close()
		portaudio.Terminate()
	})
	return nil
}
