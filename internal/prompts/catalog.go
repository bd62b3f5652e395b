// Package prompts loads cleanup instructions from a directory of
// markdown files. Each file carries a title heading, an optional
// description section, and the instruction itself inside a fenced
// block under a "## Prompt" heading. Files in subdirectories belong
// to the subdirectory's category. A built-in default instruction is
// always available even when no directory is configured.
package prompts

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/voxpadlabs/voxpad-core/internal/config"
)

// DefaultName is the catalog entry that backs cleanup requests which
// do not name an instruction.
const DefaultName = "default"

// defaultInstruction is used when the configured directory has no
// default.md of its own.
const defaultInstruction = `You are a transcription processing assistant. Your task is to transform raw dictation into a readable and presentable format by:

1. Adjusting spacing and paragraph structure for better readability
2. Fixing grammar, spelling, and punctuation errors
3. Ensuring proper capitalization and sentence structure
4. Removing filler words, verbal tics, and repetitions
5. Maintaining the original meaning and all crucial information
6. Organizing ideas into logical paragraphs
7. Making light edits for clarity where appropriate

The text is from a voice recording that was transcribed automatically. Focus on improving readability while preserving all meaningful content. Do not add new information or change the meaning of the original text.`

// Prompt is one named cleanup instruction.
type Prompt struct {
	Name        string `json:"name"`
	Title       string `json:"title"`
	Category    string `json:"category,omitempty"`
	Description string `json:"description,omitempty"`
	Instruction string `json:"instruction"`
	Path        string `json:"-"`
}

// Catalog holds the discovered prompts keyed by name.
type Catalog struct {
	cfg config.PromptsConfig
	log *slog.Logger

	mu      sync.RWMutex
	prompts map[string]Prompt
}

// NewCatalog builds an empty catalog. Call Load before use.
func NewCatalog(cfg config.PromptsConfig, log *slog.Logger) *Catalog {
	if log == nil {
		log = slog.Default()
	}
	return &Catalog{
		cfg:     cfg,
		log:     log.With(slog.String("component", "prompts")),
		prompts: make(map[string]Prompt),
	}
}

// Load discovers prompt files under the configured directory. Files
// that fail to parse are logged and skipped. The built-in default is
// installed unless the directory supplies its own default.md.
func (c *Catalog) Load() error {
	found := make(map[string]Prompt)

	root := c.cfg.Directory
	if root != "" {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.EqualFold(filepath.Ext(d.Name()), ".md") {
				return nil
			}
			p, perr := parsePromptFile(root, path)
			if perr != nil {
				c.log.Warn("skipping prompt file",
					slog.String("path", path),
					slog.String("error", perr.Error()))
				return nil
			}
			if _, exists := found[p.Name]; exists {
				c.log.Warn("duplicate prompt name", slog.String("name", p.Name), slog.String("path", path))
				return nil
			}
			found[p.Name] = p
			return nil
		})
		if err != nil {
			return fmt.Errorf("scan prompts directory: %w", err)
		}
	}

	if _, ok := found[DefaultName]; !ok {
		found[DefaultName] = Prompt{
			Name:        DefaultName,
			Title:       "Default Cleanup",
			Description: "Built-in transcript cleanup instruction.",
			Instruction: defaultInstruction,
		}
	}

	c.mu.Lock()
	c.prompts = found
	c.mu.Unlock()

	c.log.Info("prompts loaded", slog.Int("count", len(found)), slog.String("directory", root))
	return nil
}

// Get resolves an instruction by name. An empty name resolves to the
// configured default, falling back to the built-in default.
func (c *Catalog) Get(name string) (Prompt, error) {
	if name == "" {
		name = c.cfg.Default
	}
	if name == "" {
		name = DefaultName
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.prompts[name]
	if !ok {
		return Prompt{}, fmt.Errorf("unknown prompt %q", name)
	}
	return p, nil
}

// Default returns the prompt that unnamed cleanup requests resolve to.
func (c *Catalog) Default() Prompt {
	p, err := c.Get("")
	if err != nil {
		// The built-in entry is installed by Load, so this only
		// happens when the configured default names a missing file.
		return Prompt{Name: DefaultName, Title: "Default Cleanup", Instruction: defaultInstruction}
	}
	return p
}

// List returns all prompts ordered by category then name.
func (c *Catalog) List() []Prompt {
	c.mu.RLock()
	out := make([]Prompt, 0, len(c.prompts))
	for _, p := range c.prompts {
		out = append(out, p)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func parsePromptFile(root, path string) (Prompt, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Prompt{}, err
	}
	content := string(data)

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	p := Prompt{
		Name:     name,
		Title:    name,
		Category: promptCategory(root, path),
		Path:     path,
	}

	if strings.HasPrefix(content, "# ") {
		line := content
		if i := strings.IndexByte(line, '\n'); i >= 0 {
			line = line[:i]
		}
		p.Title = strings.TrimSpace(strings.TrimPrefix(line, "# "))
	}

	if i := strings.Index(content, "## Description"); i >= 0 {
		body := content[i+len("## Description"):]
		end := len(body)
		if j := strings.Index(body, "##"); j >= 0 {
			end = j
		} else if j := strings.Index(body, "```"); j >= 0 {
			end = j
		}
		p.Description = strings.TrimSpace(body[:end])
	}

	heading := strings.Index(content, "## Prompt")
	if heading < 0 {
		return Prompt{}, fmt.Errorf("missing \"## Prompt\" heading")
	}
	body := content[heading:]
	open := strings.Index(body, "```")
	if open < 0 {
		return Prompt{}, fmt.Errorf("missing fenced prompt block")
	}
	body = body[open+3:]
	end := strings.Index(body, "```")
	if end < 0 {
		return Prompt{}, fmt.Errorf("unterminated prompt block")
	}
	p.Instruction = strings.TrimSpace(body[:end])
	if p.Instruction == "" {
		return Prompt{}, fmt.Errorf("empty prompt block")
	}
	return p, nil
}

// promptCategory is the first path element under the catalog root, or
// empty for files at the root itself.
func promptCategory(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return ""
	}
	dir := filepath.Dir(rel)
	if dir == "." {
		return ""
	}
	parts := strings.Split(filepath.ToSlash(dir), "/")
	return parts[0]
}
