package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/voxpadlabs/voxpad-core/internal/audio"
	"github.com/voxpadlabs/voxpad-core/internal/config"
	"github.com/voxpadlabs/voxpad-core/internal/fault"
)

// OpenAI uploads WAV-encoded clips to an OpenAI-compatible
// /audio/transcriptions endpoint.
type OpenAI struct {
	cfg    config.TranscriberConfig
	creds  config.CredentialsConfig
	log    *slog.Logger
	client *http.Client
}

func NewOpenAI(cfg config.TranscriberConfig, creds config.CredentialsConfig, log *slog.Logger) *OpenAI {
	if log == nil {
		log = slog.Default()
	}
	return &OpenAI{
		cfg:   cfg,
		creds: creds,
		log:   log,
		client: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
	}
}

func (o *OpenAI) Transcribe(ctx context.Context, clip audio.Clip) (Result, error) {
	if clip.Empty() {
		return Result{}, fault.Errorf(fault.KindEmptyInput, "no audio to transcribe")
	}
	key := o.creds.Key()
	if key == "" {
		return Result{}, fault.Errorf(fault.KindAuth, "missing api key")
	}

	clip = o.padToMinimum(clip)

	// Stay under the service upload cap by splitting long clips and
	// joining the per-chunk transcripts.
	chunks := []audio.Clip{clip}
	if o.cfg.MaxUploadBytes > 0 && len(clip.PCM) > o.cfg.MaxUploadBytes {
		chunks = clip.Chunks(time.Duration(o.cfg.ChunkSeconds) * time.Second)
		o.log.Info("splitting clip for upload",
			slog.Int("chunks", len(chunks)),
			slog.Int("bytes", len(clip.PCM)))
	}

	var texts []string
	for i, chunk := range chunks {
		text, err := o.upload(ctx, chunk, key)
		if err != nil {
			return Result{}, fmt.Errorf("chunk %d/%d: %w", i+1, len(chunks), err)
		}
		if text != "" {
			texts = append(texts, text)
		}
	}
	joined := strings.TrimSpace(strings.Join(texts, " "))
	if joined == "" {
		return Result{}, fault.Errorf(fault.KindInvalidResponse, "service returned no text")
	}
	return Result{Text: joined, Chunks: len(chunks)}, nil
}

// padToMinimum appends silence so very short clips stay above the service's
// minimum accepted duration.
func (o *OpenAI) padToMinimum(clip audio.Clip) audio.Clip {
	min := time.Duration(o.cfg.MinClipMS) * time.Millisecond
	if min <= 0 || clip.Duration() >= min {
		return clip
	}
	pad := audio.Silence(clip.SampleRate, clip.Channels, min-clip.Duration())
	padded := make([]byte, 0, len(clip.PCM)+len(pad))
	padded = append(padded, clip.PCM...)
	padded = append(padded, pad...)
	return audio.Clip{PCM: padded, SampleRate: clip.SampleRate, Channels: clip.Channels}
}

func (o *OpenAI) upload(ctx context.Context, clip audio.Clip, key string) (string, error) {
	path, cleanup, err := audio.TempWAV("", clip)
	if err != nil {
		return "", fmt.Errorf("encode clip: %w", err)
	}
	defer cleanup()

	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open clip: %w", err)
	}
	defer file.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", fmt.Errorf("build form: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return "", fmt.Errorf("copy clip into form: %w", err)
	}
	if err := writer.WriteField("model", o.cfg.Model); err != nil {
		return "", fmt.Errorf("build form: %w", err)
	}
	if o.cfg.Language != "" {
		if err := writer.WriteField("language", o.cfg.Language); err != nil {
			return "", fmt.Errorf("build form: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("finish form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.BaseURL+"/audio/transcriptions", &body)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := o.client.Do(req)
	if err != nil {
		return "", fault.FromTransport(err)
	}
	defer resp.Body.Close()

	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err := fault.FromStatus(resp.StatusCode, payload); err != nil {
		return "", err
	}

	var decoded struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return "", fault.Errorf(fault.KindInvalidResponse, "decode transcription: %w", err)
	}
	return strings.TrimSpace(decoded.Text), nil
}
