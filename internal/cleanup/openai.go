package cleanup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/voxpadlabs/voxpad-core/internal/config"
	"github.com/voxpadlabs/voxpad-core/internal/fault"
)

// OpenAI rewrites transcripts through an OpenAI-compatible /chat/completions
// endpoint. The instruction becomes the system message, the transcript the
// user message.
type OpenAI struct {
	cfg    config.CleanerConfig
	creds  config.CredentialsConfig
	log    *slog.Logger
	client *http.Client
}

func NewOpenAI(cfg config.CleanerConfig, creds config.CredentialsConfig, log *slog.Logger) *OpenAI {
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

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (o *OpenAI) Clean(ctx context.Context, transcript, instruction string) (string, error) {
	if strings.TrimSpace(transcript) == "" {
		return transcript, nil
	}
	key := o.creds.Key()
	if key == "" {
		return "", fault.Errorf(fault.KindAuth, "missing api key")
	}

	payload := chatRequest{
		Model: o.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: instruction},
			{Role: "user", Content: transcript},
		},
		Temperature: o.cfg.Temperature,
		MaxTokens:   o.cfg.MaxTokens,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", fault.FromTransport(err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err := fault.FromStatus(resp.StatusCode, raw); err != nil {
		return "", err
	}

	var decoded chatResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fault.Errorf(fault.KindInvalidResponse, "decode completion: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", fault.Errorf(fault.KindInvalidResponse, "completion has no choices")
	}
	cleaned := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if cleaned == "" {
		return "", fault.Errorf(fault.KindInvalidResponse, "completion is blank")
	}
	return cleaned, nil
}
