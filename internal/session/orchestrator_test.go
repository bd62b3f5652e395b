package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/voxpadlabs/voxpad-core/internal/audio"
	"github.com/voxpadlabs/voxpad-core/internal/capture"
	"github.com/voxpadlabs/voxpad-core/internal/config"
	"github.com/voxpadlabs/voxpad-core/internal/fault"
	"github.com/voxpadlabs/voxpad-core/internal/prompts"
	"github.com/voxpadlabs/voxpad-core/internal/protocol"
	"github.com/voxpadlabs/voxpad-core/internal/sessionstore"
	"github.com/voxpadlabs/voxpad-core/internal/transcribe"
)

type testStream struct {
	frames chan []byte

	mu  sync.Mutex
	err error

	closeOnce sync.Once
}

func newTestStream() *testStream {
	return &testStream{frames: make(chan []byte, 64)}
}

func (s *testStream) push(b []byte) { s.frames <- b }

func (s *testStream) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.frames) })
}

func (s *testStream) Frames() <-chan []byte { return s.frames }

func (s *testStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *testStream) Close() error {
	s.closeOnce.Do(func() { close(s.frames) })
	return nil
}

type testBackend struct {
	mu      sync.Mutex
	streams []*testStream
}

func (b *testBackend) Devices(context.Context) ([]capture.Device, error) {
	return []capture.Device{{ID: "test-0", Name: "Test Mic", Default: true}}, nil
}

func (b *testBackend) Open(context.Context, capture.StreamConfig) (capture.Stream, error) {
	s := newTestStream()
	b.mu.Lock()
	b.streams = append(b.streams, s)
	b.mu.Unlock()
	return s, nil
}

func (b *testBackend) last() *testStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streams[len(b.streams)-1]
}

// scriptedTranscriber returns the scripted error for each attempt in
// order; attempts past the script succeed with the fixed text.
type scriptedTranscriber struct {
	text   string
	script []error

	mu       sync.Mutex
	attempts int
}

func (f *scriptedTranscriber) Transcribe(_ context.Context, clip audio.Clip) (transcribe.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.attempts
	f.attempts++
	if i < len(f.script) && f.script[i] != nil {
		return transcribe.Result{}, f.script[i]
	}
	return transcribe.Result{Text: f.text, Chunks: 1}, nil
}

func (f *scriptedTranscriber) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

// blockingTranscriber parks until the call is canceled.
type blockingTranscriber struct {
	started chan struct{}
}

func (b *blockingTranscriber) Transcribe(ctx context.Context, _ audio.Clip) (transcribe.Result, error) {
	select {
	case b.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return transcribe.Result{}, ctx.Err()
}

type scriptedCleaner struct {
	out    string
	script []error

	mu       sync.Mutex
	attempts int
}

func (f *scriptedCleaner) Clean(_ context.Context, transcript, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.attempts
	f.attempts++
	if i < len(f.script) && f.script[i] != nil {
		return "", f.script[i]
	}
	if f.out != "" {
		return f.out, nil
	}
	return transcript, nil
}

func (f *scriptedCleaner) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

// recordingSink captures every transition and terminal payload.
type recordingSink struct {
	mu      sync.Mutex
	states  []State
	results chan protocol.SessionResult
}

func newRecordingSink() *recordingSink {
	return &recordingSink{results: make(chan protocol.SessionResult, 4)}
}

func (s *recordingSink) StateChanged(_ string, state State, _ time.Time) {
	s.mu.Lock()
	s.states = append(s.states, state)
	s.mu.Unlock()
}

func (s *recordingSink) Completed(result protocol.SessionResult) {
	s.results <- result
}

func (s *recordingSink) sequence() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]State(nil), s.states...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestOrchestrator(t *testing.T, backend capture.Backend, tr transcribe.Client, cl *scriptedCleaner, sink EventSink) *Orchestrator {
	t.Helper()
	log := testLogger()
	store, err := sessionstore.Open(context.Background(), config.StoreConfig{RetentionMode: "ephemeral"}, log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	catalog := prompts.NewCatalog(config.PromptsConfig{}, log)
	if err := catalog.Load(); err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	cfg := config.SessionConfig{Retry: config.RetryConfig{
		MaxAttempts:      3,
		InitialBackoffMS: 1,
		MaxBackoffMS:     4,
		Multiplier:       2,
	}}
	audioCfg := config.AudioConfig{SampleRate: 16000, Channels: 1, FrameDurationMS: 20, QueueFrames: 16}
	if cl == nil {
		cl = &scriptedCleaner{}
	}
	o := NewOrchestrator(context.Background(), cfg, audioCfg, Deps{
		Backend:     backend,
		Transcriber: tr,
		Cleaner:     cl,
		Catalog:     catalog,
		Store:       store,
		Sink:        sink,
	}, log)
	t.Cleanup(func() {
		o.Close()
		store.Close()
	})
	return o
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func awaitResult(t *testing.T, sink *recordingSink) protocol.SessionResult {
	t.Helper()
	select {
	case res := <-sink.results:
		return res
	case <-time.After(2 * time.Second):
		t.Fatalf("no terminal result")
		return protocol.SessionResult{}
	}
}

func boolPtr(b bool) *bool { return &b }

// frame of 10 ms at 16 kHz mono s16le.
func tenMS() []byte { return make([]byte, 320) }

func record(t *testing.T, o *Orchestrator, backend *testBackend, frames int) protocol.SessionSnapshot {
	t.Helper()
	snap, err := o.Begin(context.Background(), "")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	stream := backend.last()
	for i := 0; i < frames; i++ {
		stream.push(tenMS())
	}
	if frames > 0 {
		waitFor(t, "audio buffered", func() bool {
			s, err := o.Status(context.Background(), "")
			return err == nil && s.AudioMS >= int64(frames*10)
		})
	}
	return snap
}

func TestHappyPathWithoutCleanup(t *testing.T) {
	t.Parallel()

	backend := &testBackend{}
	tr := &scriptedTranscriber{text: "hello world"}
	sink := newRecordingSink()
	o := newTestOrchestrator(t, backend, tr, nil, sink)

	record(t, o, backend, 20)
	if _, err := o.Stop(boolPtr(false), ""); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := o.Transcribe(); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	res := awaitResult(t, sink)
	if res.State != string(StateDone) {
		t.Fatalf("state = %s, want done", res.State)
	}
	if res.RawTranscript != "hello world" {
		t.Fatalf("raw transcript = %q, want hello world", res.RawTranscript)
	}
	if res.CleanedTranscript != "" {
		t.Fatalf("cleaned transcript = %q, want absent", res.CleanedTranscript)
	}
	if res.Warning != "" {
		t.Fatalf("unexpected warning %q", res.Warning)
	}
	if tr.calls() != 1 {
		t.Fatalf("transcriber calls = %d, want 1", tr.calls())
	}
}

func TestPipelineStateSequenceWithCleanup(t *testing.T) {
	t.Parallel()

	backend := &testBackend{}
	tr := &scriptedTranscriber{text: "raw text"}
	cl := &scriptedCleaner{out: "clean text"}
	sink := newRecordingSink()
	o := newTestOrchestrator(t, backend, tr, cl, sink)

	record(t, o, backend, 10)
	if _, err := o.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if _, err := o.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if _, err := o.Stop(boolPtr(true), ""); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := o.Transcribe(); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	res := awaitResult(t, sink)
	if res.State != string(StateDone) {
		t.Fatalf("state = %s, want done", res.State)
	}
	if res.RawTranscript != "raw text" || res.CleanedTranscript != "clean text" {
		t.Fatalf("transcripts = %q / %q", res.RawTranscript, res.CleanedTranscript)
	}

	want := []State{StateRecording, StatePaused, StateRecording, StateStopped, StateTranscribing, StateCleaning, StateDone}
	got := sink.sequence()
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transition %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestTransientTranscriptionFaultsAreRetried(t *testing.T) {
	t.Parallel()

	backend := &testBackend{}
	tr := &scriptedTranscriber{
		text: "third time lucky",
		script: []error{
			fault.Errorf(fault.KindTransient, "gateway timeout"),
			fault.Errorf(fault.KindTransient, "connection reset"),
		},
	}
	sink := newRecordingSink()
	o := newTestOrchestrator(t, backend, tr, nil, sink)

	record(t, o, backend, 5)
	if _, err := o.Stop(boolPtr(false), ""); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := o.Transcribe(); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	res := awaitResult(t, sink)
	if res.State != string(StateDone) {
		t.Fatalf("state = %s, want done (error: %+v)", res.State, res.Error)
	}
	if res.RawTranscript != "third time lucky" {
		t.Fatalf("raw transcript = %q", res.RawTranscript)
	}
	if tr.calls() != 3 {
		t.Fatalf("transcriber calls = %d, want exactly 3", tr.calls())
	}
}

func TestTranscriptionRetryExhaustionFailsSession(t *testing.T) {
	t.Parallel()

	transient := fault.Errorf(fault.KindTransient, "still down")
	backend := &testBackend{}
	tr := &scriptedTranscriber{script: []error{transient, transient, transient}}
	sink := newRecordingSink()
	o := newTestOrchestrator(t, backend, tr, nil, sink)

	record(t, o, backend, 5)
	if _, err := o.Stop(boolPtr(false), ""); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := o.Transcribe(); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	res := awaitResult(t, sink)
	if res.State != string(StateFailed) {
		t.Fatalf("state = %s, want failed", res.State)
	}
	if res.Error == nil || res.Error.Kind != string(fault.KindTransient) {
		t.Fatalf("error = %+v, want transient", res.Error)
	}
	if tr.calls() != 3 {
		t.Fatalf("transcriber calls = %d, want 3", tr.calls())
	}
}

func TestAuthFaultIsNotRetried(t *testing.T) {
	t.Parallel()

	backend := &testBackend{}
	tr := &scriptedTranscriber{script: []error{fault.Errorf(fault.KindAuth, "bad api key")}}
	sink := newRecordingSink()
	o := newTestOrchestrator(t, backend, tr, nil, sink)

	record(t, o, backend, 5)
	if _, err := o.Stop(boolPtr(false), ""); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := o.Transcribe(); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	res := awaitResult(t, sink)
	if res.State != string(StateFailed) {
		t.Fatalf("state = %s, want failed", res.State)
	}
	if res.Error == nil || res.Error.Kind != string(fault.KindAuth) {
		t.Fatalf("error = %+v, want auth", res.Error)
	}
	if tr.calls() != 1 {
		t.Fatalf("transcriber calls = %d, want 1 (no retry)", tr.calls())
	}
}

func TestCleanupExhaustionDegradesToDone(t *testing.T) {
	t.Parallel()

	transient := fault.Errorf(fault.KindTransient, "model overloaded")
	backend := &testBackend{}
	tr := &scriptedTranscriber{text: "raw stays"}
	cl := &scriptedCleaner{script: []error{transient, transient, transient}}
	sink := newRecordingSink()
	o := newTestOrchestrator(t, backend, tr, cl, sink)

	record(t, o, backend, 5)
	if _, err := o.Stop(boolPtr(true), ""); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := o.Transcribe(); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	res := awaitResult(t, sink)
	if res.State != string(StateDone) {
		t.Fatalf("state = %s, want done despite cleanup failure", res.State)
	}
	if res.RawTranscript != "raw stays" {
		t.Fatalf("raw transcript = %q, want preserved", res.RawTranscript)
	}
	if res.CleanedTranscript != "" {
		t.Fatalf("cleaned transcript = %q, want absent", res.CleanedTranscript)
	}
	if res.Warning == "" {
		t.Fatalf("warning is empty, want an explanation")
	}
	if cl.calls() != 3 {
		t.Fatalf("cleaner calls = %d, want 3", cl.calls())
	}
}

func TestBeginWhileRecordingFailsWithSessionInUse(t *testing.T) {
	t.Parallel()

	backend := &testBackend{}
	tr := &scriptedTranscriber{text: "x"}
	sink := newRecordingSink()
	o := newTestOrchestrator(t, backend, tr, nil, sink)

	first := record(t, o, backend, 3)

	_, err := o.Begin(context.Background(), "")
	if !fault.Is(err, fault.KindSessionInUse) {
		t.Fatalf("second Begin = %v, want session in use", err)
	}

	snap, err := o.Status(context.Background(), "")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if snap.SessionID != first.SessionID || snap.State != string(StateRecording) {
		t.Fatalf("in-flight session altered: %+v", snap)
	}
}

func TestEmptyRecordingIsRejectedBeforeAnyCall(t *testing.T) {
	t.Parallel()

	backend := &testBackend{}
	tr := &scriptedTranscriber{text: "never"}
	sink := newRecordingSink()
	o := newTestOrchestrator(t, backend, tr, nil, sink)

	record(t, o, backend, 0)
	if _, err := o.Stop(boolPtr(false), ""); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	_, err := o.Transcribe()
	if !fault.Is(err, fault.KindEmptyInput) {
		t.Fatalf("Transcribe on empty clip = %v, want empty input", err)
	}
	if tr.calls() != 0 {
		t.Fatalf("transcriber calls = %d, want 0", tr.calls())
	}

	snap, err := o.Status(context.Background(), "")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if snap.State != string(StateStopped) {
		t.Fatalf("state = %s, want stopped after rejection", snap.State)
	}

	// Reset frees the slot so a fresh recording can start.
	if _, err := o.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if _, err := o.Begin(context.Background(), ""); err != nil {
		t.Fatalf("Begin after reset: %v", err)
	}
}

func TestStopTwiceIsRejectedSecondTime(t *testing.T) {
	t.Parallel()

	backend := &testBackend{}
	tr := &scriptedTranscriber{text: "x"}
	sink := newRecordingSink()
	o := newTestOrchestrator(t, backend, tr, nil, sink)

	record(t, o, backend, 3)
	if _, err := o.Stop(boolPtr(false), ""); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	_, err := o.Stop(boolPtr(false), "")
	if !fault.Is(err, fault.KindInvalidTransition) {
		t.Fatalf("second Stop = %v, want invalid transition", err)
	}
	snap, err := o.Status(context.Background(), "")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if snap.State != string(StateStopped) {
		t.Fatalf("state changed by rejected stop: %s", snap.State)
	}
}

func TestCancelMidTranscriptionFailsWithCanceled(t *testing.T) {
	t.Parallel()

	backend := &testBackend{}
	tr := &blockingTranscriber{started: make(chan struct{}, 1)}
	sink := newRecordingSink()
	o := newTestOrchestrator(t, backend, tr, nil, sink)

	record(t, o, backend, 5)
	if _, err := o.Stop(boolPtr(false), ""); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := o.Transcribe(); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	select {
	case <-tr.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("transcription never started")
	}
	if _, err := o.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	res := awaitResult(t, sink)
	if res.State != string(StateFailed) {
		t.Fatalf("state = %s, want failed (never done)", res.State)
	}
	if res.Error == nil || res.Error.Kind != string(fault.KindCanceled) {
		t.Fatalf("error = %+v, want canceled", res.Error)
	}
}

func TestCancelOutsidePipelineIsInvalid(t *testing.T) {
	t.Parallel()

	backend := &testBackend{}
	tr := &scriptedTranscriber{text: "x"}
	sink := newRecordingSink()
	o := newTestOrchestrator(t, backend, tr, nil, sink)

	if _, err := o.Cancel(); !fault.Is(err, fault.KindInvalidTransition) {
		t.Fatalf("Cancel with no session = %v, want invalid transition", err)
	}

	record(t, o, backend, 3)
	if _, err := o.Cancel(); !fault.Is(err, fault.KindInvalidTransition) {
		t.Fatalf("Cancel while recording = %v, want invalid transition", err)
	}
}

func TestResubmitReusesAudioAfterFailure(t *testing.T) {
	t.Parallel()

	backend := &testBackend{}
	tr := &scriptedTranscriber{
		text:   "second chance",
		script: []error{fault.Errorf(fault.KindAuth, "expired key")},
	}
	sink := newRecordingSink()
	o := newTestOrchestrator(t, backend, tr, nil, sink)

	first := record(t, o, backend, 8)
	if _, err := o.Stop(boolPtr(false), ""); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := o.Transcribe(); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	res := awaitResult(t, sink)
	if res.State != string(StateFailed) {
		t.Fatalf("state = %s, want failed", res.State)
	}

	snap, err := o.Resubmit(first.SessionID)
	if err != nil {
		t.Fatalf("Resubmit: %v", err)
	}
	if snap.State != string(StateStopped) {
		t.Fatalf("resubmitted state = %s, want stopped", snap.State)
	}
	if snap.SessionID == first.SessionID {
		t.Fatalf("resubmit reused the terminal session id")
	}
	if snap.AudioMS == 0 {
		t.Fatalf("resubmitted session carries no audio")
	}

	if _, err := o.Transcribe(); err != nil {
		t.Fatalf("Transcribe after resubmit: %v", err)
	}
	res = awaitResult(t, sink)
	if res.State != string(StateDone) || res.RawTranscript != "second chance" {
		t.Fatalf("result = %+v, want done with transcript", res)
	}
}

func TestDeviceFaultSalvagesSessionToStopped(t *testing.T) {
	t.Parallel()

	backend := &testBackend{}
	tr := &scriptedTranscriber{text: "salvaged"}
	sink := newRecordingSink()
	o := newTestOrchestrator(t, backend, tr, nil, sink)

	record(t, o, backend, 6)
	backend.last().fail(errors.New("device unplugged"))

	waitFor(t, "salvage stop", func() bool {
		snap, err := o.Status(context.Background(), "")
		return err == nil && snap.State == string(StateStopped)
	})

	// The partial clip is still transcribable.
	if _, err := o.Transcribe(); err != nil {
		t.Fatalf("Transcribe after salvage: %v", err)
	}
	res := awaitResult(t, sink)
	if res.State != string(StateDone) {
		t.Fatalf("state = %s, want done", res.State)
	}
	if res.Warning == "" {
		t.Fatalf("salvaged session carries no warning")
	}
}

func TestTerminalSessionIsImmutable(t *testing.T) {
	t.Parallel()

	backend := &testBackend{}
	tr := &scriptedTranscriber{text: "final"}
	sink := newRecordingSink()
	o := newTestOrchestrator(t, backend, tr, nil, sink)

	record(t, o, backend, 4)
	if _, err := o.Stop(boolPtr(false), ""); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := o.Transcribe(); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	res := awaitResult(t, sink)
	if res.State != string(StateDone) {
		t.Fatalf("state = %s, want done", res.State)
	}

	if _, err := o.Pause(); !fault.Is(err, fault.KindInvalidTransition) {
		t.Fatalf("Pause after done = %v, want invalid transition", err)
	}
	if _, err := o.Stop(boolPtr(false), ""); !fault.Is(err, fault.KindInvalidTransition) {
		t.Fatalf("Stop after done = %v, want invalid transition", err)
	}
	if _, err := o.Transcribe(); !fault.Is(err, fault.KindInvalidTransition) {
		t.Fatalf("Transcribe after done = %v, want invalid transition", err)
	}

	// The terminal result stays retrievable, and the slot is free.
	if got, ok := o.Result(res.SessionID); !ok || got.RawTranscript != "final" {
		t.Fatalf("terminal result lost: ok=%v got=%+v", ok, got)
	}
	if _, err := o.Begin(context.Background(), ""); err != nil {
		t.Fatalf("Begin after terminal session: %v", err)
	}
}
