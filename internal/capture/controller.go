package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/voxpadlabs/voxpad-core/internal/audio"
	"github.com/voxpadlabs/voxpad-core/internal/fault"
)

// State is the capture lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
	StatePaused    State = "paused"
	StateStopped   State = "stopped"
)

// Controller drives one capture stream for one recording session. Frames are
// appended to the bound buffer in arrival order while recording and discarded
// while paused. A hard device fault stops the controller, freezes whatever
// audio was already buffered, and reports the fault through onFault.
type Controller struct {
	backend Backend
	cfg     StreamConfig
	log     *slog.Logger
	onFault func(error)

	mu       sync.Mutex
	state    State
	buf      *audio.Buffer
	stream   Stream
	pumpDone chan struct{}
	devErr   error
}

// New builds an idle controller. onFault may be nil; it is invoked from the
// capture goroutine when the device dies mid-session.
func New(backend Backend, cfg StreamConfig, log *slog.Logger, onFault func(error)) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{backend: backend, cfg: cfg, log: log, onFault: onFault, state: StateIdle}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// DeviceErr reports the device fault that forced a salvage stop, if any.
func (c *Controller) DeviceErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.devErr
}

// Start opens the capture stream on the given device (empty means the
// backend's default) and begins appending frames into buf. Returns once
// capture is confirmed active.
func (c *Controller) Start(ctx context.Context, buf *audio.Buffer, device string) error {
	c.mu.Lock()
	if c.state != StateIdle {
		st := c.state
		c.mu.Unlock()
		return fault.Errorf(fault.KindInvalidTransition, "start capture: state %s", st)
	}
	c.mu.Unlock()

	cfg := c.cfg
	if device != "" {
		cfg.Device = device
	}
	stream, err := c.backend.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open capture stream: %w", err)
	}

	c.mu.Lock()
	c.state = StateRecording
	c.buf = buf
	c.stream = stream
	c.pumpDone = make(chan struct{})
	c.devErr = nil
	done := c.pumpDone
	c.mu.Unlock()

	go c.pump(stream, buf, done)
	return nil
}

func (c *Controller) pump(stream Stream, buf *audio.Buffer, done chan struct{}) {
	defer close(done)
	for frame := range stream.Frames() {
		c.mu.Lock()
		st := c.state
		c.mu.Unlock()
		if st != StateRecording {
			continue
		}
		if err := buf.Append(frame); err != nil {
			c.log.Warn("dropping frame", "err", err)
		}
	}

	// Channel closed. A close while still recording or paused means the
	// device died under us: salvage what is buffered.
	c.mu.Lock()
	if c.state != StateRecording && c.state != StatePaused {
		c.mu.Unlock()
		return
	}
	c.state = StateStopped
	c.devErr = stream.Err()
	if c.devErr == nil {
		c.devErr = fmt.Errorf("capture stream ended unexpectedly")
	}
	err := c.devErr
	c.mu.Unlock()

	buf.Freeze()
	c.log.Warn("capture stream failed, salvaged partial audio", "err", err, "bytes", buf.Size())
	if c.onFault != nil {
		c.onFault(err)
	}
}

// Pause keeps the stream open but discards delivered frames.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRecording {
		return fault.Errorf(fault.KindInvalidTransition, "pause capture: state %s", c.state)
	}
	c.state = StatePaused
	return nil
}

// Resume reverses Pause.
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StatePaused {
		return fault.Errorf(fault.KindInvalidTransition, "resume capture: state %s", c.state)
	}
	c.state = StateRecording
	return nil
}

// Stop closes the stream, waits for the capture goroutine to drain, and
// freezes the buffer. Returns the frozen clip.
func (c *Controller) Stop() (audio.Clip, error) {
	c.mu.Lock()
	if c.state != StateRecording && c.state != StatePaused {
		st := c.state
		c.mu.Unlock()
		return audio.Clip{}, fault.Errorf(fault.KindInvalidTransition, "stop capture: state %s", st)
	}
	c.state = StateStopped
	stream := c.stream
	done := c.pumpDone
	buf := c.buf
	c.mu.Unlock()

	if stream != nil {
		if err := stream.Close(); err != nil {
			c.log.Warn("close capture stream", "err", err)
		}
	}
	if done != nil {
		<-done
	}
	return buf.Freeze(), nil
}

// Reset force-closes any live stream and returns the controller to Idle.
// Valid from any state.
func (c *Controller) Reset() {
	c.mu.Lock()
	stream := c.stream
	done := c.pumpDone
	c.state = StateStopped // keeps the pump from treating the close as a fault
	c.mu.Unlock()

	if stream != nil {
		stream.Close()
	}
	if done != nil {
		<-done
	}

	c.mu.Lock()
	c.state = StateIdle
	c.buf = nil
	c.stream = nil
	c.pumpDone = nil
	c.devErr = nil
	c.mu.Unlock()
}
