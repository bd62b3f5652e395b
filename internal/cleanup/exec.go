package cleanup

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"
	"github.com/voxpadlabs/voxpad-core/internal/fault"
)

// Exec filters transcripts through an external command: the instruction is
// passed as the final argument, the transcript on stdin, and stdout is the
// cleaned text.
type Exec struct {
	cmd []string
	mu  sync.Mutex
}

func NewExec(command string) (*Exec, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse cleanup command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("cleanup command is empty")
	}
	return &Exec{cmd: args}, nil
}

func (e *Exec) Clean(ctx context.Context, transcript, instruction string) (string, error) {
	if strings.TrimSpace(transcript) == "" {
		return transcript, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	args := append([]string{}, e.cmd[1:]...)
	if instruction != "" {
		args = append(args, instruction)
	}
	cmd := exec.CommandContext(ctx, e.cmd[0], args...)
	cmd.Stdin = strings.NewReader(transcript)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", fault.Errorf(fault.KindCanceled, "cleanup command aborted: %w", ctx.Err())
		}
		return "", fault.Errorf(fault.KindTransient, "cleanup command failed: %w: %s", err, fault.Snippet(stderr.Bytes()))
	}
	cleaned := strings.TrimSpace(stdout.String())
	if cleaned == "" {
		return "", fault.Errorf(fault.KindInvalidResponse, "cleanup command produced no output")
	}
	return cleaned, nil
}
