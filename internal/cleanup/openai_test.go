package cleanup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/voxpadlabs/voxpad-core/internal/config"
	"github.com/voxpadlabs/voxpad-core/internal/fault"
)

func testCleanerConfig(baseURL string) config.CleanerConfig {
	return config.CleanerConfig{
		Mode:           "openai",
		BaseURL:        baseURL,
		Model:          "gpt-3.5-turbo",
		Temperature:    0.3,
		TimeoutSeconds: 5,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCleanSendsInstructionAndTranscript(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("auth header = %q", got)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != "gpt-3.5-turbo" {
			t.Errorf("model = %q", req.Model)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" || req.Messages[1].Role != "user" {
			t.Errorf("messages = %+v", req.Messages)
		}
		if req.Messages[0].Content != "fix the text" {
			t.Errorf("system message = %q", req.Messages[0].Content)
		}
		if req.Messages[1].Content != "helo wrld" {
			t.Errorf("user message = %q", req.Messages[1].Content)
		}
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"  Hello world.\n"}}]}`)
	}))
	defer srv.Close()

	client := NewOpenAI(testCleanerConfig(srv.URL), config.CredentialsConfig{APIKey: "sk-test"}, discardLogger())
	got, err := client.Clean(context.Background(), "helo wrld", "fix the text")
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if got != "Hello world." {
		t.Fatalf("cleaned = %q, want %q", got, "Hello world.")
	}
}

func TestEmptyTranscriptIsNoOpWithoutCall(t *testing.T) {
	t.Parallel()

	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()

	client := NewOpenAI(testCleanerConfig(srv.URL), config.CredentialsConfig{APIKey: "sk-test"}, discardLogger())
	for _, input := range []string{"", "   \n"} {
		got, err := client.Clean(context.Background(), input, "fix")
		if err != nil {
			t.Fatalf("Clean(%q): %v", input, err)
		}
		if got != input {
			t.Fatalf("Clean(%q) = %q, want input unchanged", input, got)
		}
	}
	if calls != 0 {
		t.Fatalf("network call made for empty transcript")
	}
}

func TestMissingKeyIsAuthFault(t *testing.T) {
	t.Parallel()

	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()

	client := NewOpenAI(testCleanerConfig(srv.URL), config.CredentialsConfig{APIKeyEnv: "VOXPAD_TEST_UNSET_KEY"}, discardLogger())
	_, err := client.Clean(context.Background(), "some text", "fix")
	if !fault.Is(err, fault.KindAuth) {
		t.Fatalf("err = %v, want auth fault", err)
	}
	if calls != 0 {
		t.Fatalf("network call made without credentials")
	}
}

func TestCleanFaultClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		status int
		body   string
		want   fault.Kind
	}{
		{"rate limited", http.StatusTooManyRequests, `{"error":"slow down"}`, fault.KindTransient},
		{"server error", http.StatusServiceUnavailable, "", fault.KindTransient},
		{"unauthorized", http.StatusUnauthorized, `{"error":"bad key"}`, fault.KindAuth},
		{"no choices", http.StatusOK, `{"choices":[]}`, fault.KindInvalidResponse},
		{"blank content", http.StatusOK, `{"choices":[{"message":{"content":"  "}}]}`, fault.KindInvalidResponse},
		{"malformed body", http.StatusOK, `{`, fault.KindInvalidResponse},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				io.WriteString(w, tc.body)
			}))
			defer srv.Close()

			client := NewOpenAI(testCleanerConfig(srv.URL), config.CredentialsConfig{APIKey: "sk-test"}, discardLogger())
			_, err := client.Clean(context.Background(), "some text", "fix")
			if got := fault.KindOf(err); got != tc.want {
				t.Fatalf("kind = %q (%v), want %q", got, err, tc.want)
			}
		})
	}
}
