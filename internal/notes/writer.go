// Package notes persists finished transcripts as plain text files, one
// per session, named after the moment the session completed.
package notes

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/voxpadlabs/voxpad-core/internal/bus"
	"github.com/voxpadlabs/voxpad-core/internal/config"
	"github.com/voxpadlabs/voxpad-core/internal/protocol"
)

// Writer subscribes to session results and writes the final text of
// successful sessions into the notes directory. Cleaned text wins when
// present; failed sessions are skipped.
type Writer struct {
	cfg config.NotesConfig
	bus *bus.Client
	log *slog.Logger

	sub *nats.Subscription
	wg  sync.WaitGroup

	clock func() time.Time
}

func NewWriter(cfg config.NotesConfig, busClient *bus.Client, log *slog.Logger) *Writer {
	return &Writer{
		cfg:   cfg,
		bus:   busClient,
		log:   log.With(slog.String("component", "notes")),
		clock: time.Now,
	}
}

func (w *Writer) Start() error {
	if !w.cfg.Enabled {
		return nil
	}
	if err := os.MkdirAll(w.cfg.Directory, 0o755); err != nil {
		return fmt.Errorf("create notes directory: %w", err)
	}
	sub, err := w.bus.Conn().Subscribe(protocol.SubjectSessionResult, w.handleResult)
	if err != nil {
		return fmt.Errorf("subscribe session results: %w", err)
	}
	w.sub = sub
	return nil
}

func (w *Writer) Close() {
	if w.sub != nil {
		_ = w.sub.Drain()
	}
	w.wg.Wait()
}

func (w *Writer) Healthy() bool {
	return !w.cfg.Enabled || w.sub != nil
}

func (w *Writer) handleResult(msg *nats.Msg) {
	var res protocol.SessionResult
	if err := json.Unmarshal(msg.Data, &res); err != nil {
		w.log.Warn("failed to decode session result", slog.String("error", err.Error()))
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		path, err := w.write(res)
		if err != nil {
			w.log.Warn("failed to write note",
				slog.String("session_id", res.SessionID),
				slog.String("error", err.Error()))
			return
		}
		if path != "" {
			w.log.Info("note written",
				slog.String("session_id", res.SessionID),
				slog.String("path", path))
		}
	}()
}

// write persists the session's final text and returns the note path.
// An empty path with nil error means the result produced no note.
func (w *Writer) write(res protocol.SessionResult) (string, error) {
	if res.State != "done" {
		return "", nil
	}
	text := res.CleanedTranscript
	if text == "" {
		text = res.RawTranscript
	}
	if text == "" {
		return "", nil
	}

	path := w.notePath()
	if err := os.WriteFile(path, []byte(text+"\n"), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// notePath picks an unused voice_note_<timestamp>.txt name. Two
// sessions finishing in the same second get numeric suffixes.
func (w *Writer) notePath() string {
	stamp := w.clock().Format("20060102_150405")
	path := filepath.Join(w.cfg.Directory, fmt.Sprintf("voice_note_%s.txt", stamp))
	for n := 2; ; n++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path
		}
		path = filepath.Join(w.cfg.Directory, fmt.Sprintf("voice_note_%s_%d.txt", stamp, n))
	}
}
