package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

// ExecBackend captures audio by running an external command (ffmpeg,
// arecord, parec) that writes raw s16le PCM to stdout. The command template
// may reference {device}, {rate}, and {channels}.
type ExecBackend struct {
	command string
}

func NewExecBackend(command string) (*ExecBackend, error) {
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("capture command is empty")
	}
	return &ExecBackend{command: command}, nil
}

// Devices reports a single pseudo-device; an external command cannot be
// enumerated.
func (b *ExecBackend) Devices(_ context.Context) ([]Device, error) {
	return []Device{{ID: "default", Name: "exec capture", Default: true}}, nil
}

func (b *ExecBackend) Open(ctx context.Context, cfg StreamConfig) (Stream, error) {
	device := cfg.Device
	if device == "" {
		device = "default"
	}
	rendered := strings.NewReplacer(
		"{device}", device,
		"{rate}", strconv.Itoa(cfg.SampleRate),
		"{channels}", strconv.Itoa(cfg.Channels),
	).Replace(b.command)

	args, err := shellwords.NewParser().Parse(rendered)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("capture command is empty")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("capture stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start capture command: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	// Give the command a moment to fail fast on a bad device or format.
	select {
	case err := <-waitErr:
		stdout.Close()
		if err != nil {
			return nil, fmt.Errorf("capture command exited early: %w: %s", err, strings.TrimSpace(stderr.String()))
		}
		return nil, errors.New("capture command exited before producing audio")
	case <-time.After(250 * time.Millisecond):
	}

	frameBytes := cfg.FrameBytes
	if frameBytes <= 0 {
		frameBytes = FrameBytes(cfg.SampleRate, cfg.Channels, 100)
	}
	queue := cfg.QueueFrames
	if queue <= 0 {
		queue = 16
	}

	s := &execStream{
		frames:  make(chan []byte, queue),
		done:    make(chan struct{}),
		stdout:  stdout,
		stderr:  &stderr,
		process: cmd.Process,
		waitErr: waitErr,
	}
	go s.read(frameBytes)
	return s, nil
}

type execStream struct {
	frames chan []byte
	done   chan struct{}

	stdout  io.ReadCloser
	stderr  *bytes.Buffer
	process *os.Process
	waitErr <-chan error

	mu    sync.Mutex
	fault error

	stopOnce sync.Once
}

func (s *execStream) read(frameBytes int) {
	defer close(s.frames)
	for {
		frame := make([]byte, frameBytes)
		n, err := io.ReadFull(s.stdout, frame)
		if n > 0 {
			select {
			case s.frames <- frame[:n]:
			case <-s.done:
				return
			}
		}
		if err != nil {
			select {
			case <-s.done:
				// closed by the caller, not a device fault
			default:
				if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
					s.setFault(fmt.Errorf("read capture stream: %w", err))
				} else {
					s.setFault(s.exitFault())
				}
			}
			return
		}
	}
}

func (s *execStream) exitFault() error {
	err, ok := <-s.waitErr
	if !ok || err == nil {
		return fmt.Errorf("capture command exited")
	}
	tail := strings.TrimSpace(s.stderr.String())
	if tail != "" {
		return fmt.Errorf("capture command exited: %w: %s", err, tail)
	}
	return fmt.Errorf("capture command exited: %w", err)
}

func (s *execStream) setFault(err error) {
	s.mu.Lock()
	if s.fault == nil {
		s.fault = err
	}
	s.mu.Unlock()
}

func (s *execStream) Frames() <-chan []byte { return s.frames }

func (s *execStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fault
}

func (s *execStream) Close() error {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.process != nil {
			s.process.Signal(os.Interrupt)
		}
		select {
		case <-s.waitErr:
		case <-time.After(1200 * time.Millisecond):
			if s.process != nil {
				s.process.Kill()
			}
			<-s.waitErr
		}
		s.stdout.Close()
	})
	return nil
}
