package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// maxReadBytes bounds file content returned to the model.
const maxReadBytes = 256 * 1024

// maxMatches bounds glob and grep result counts.
const maxMatches = 200

// resolve joins a caller-supplied path onto the root and rejects escapes.
func resolve(root, p string) (string, error) {
	if p == "" {
		return "", errors.New("path is required")
	}
	joined := filepath.Join(root, p)
	rel, err := filepath.Rel(root, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", p)
	}
	return joined, nil
}

type readHandler struct {
	root string
}

type readInput struct {
	FilePath string `json:"file_path"`
}

func (h *readHandler) Kind() Kind { return KindRead }

func (h *readHandler) Definition() Definition {
	return Definition{
		Name:        NameRead,
		Description: "Read the contents of a file at a workspace-relative path.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"file_path": map[string]any{"type": "string", "description": "Workspace-relative file path"},
			},
			"required": []string{"file_path"},
		},
	}
}

func (h *readHandler) Run(ctx context.Context, input json.RawMessage) (string, error) {
	var in readInput
	if err := json.Unmarshal(input, &in); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}
	path, err := resolve(h.root, in.FilePath)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", in.FilePath, err)
	}
	if len(data) > maxReadBytes {
		return string(data[:maxReadBytes]) + "\n... [truncated]", nil
	}
	return string(data), nil
}

type globHandler struct {
	root string
}

type globInput struct {
	Pattern string `json:"pattern"`
}

func (h *globHandler) Kind() Kind { return KindGlob }

func (h *globHandler) Definition() Definition {
	return Definition{
		Name:        NameGlob,
		Description: "List workspace files matching a glob pattern.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"pattern": map[string]any{"type": "string", "description": "Glob pattern, e.g. internal/*.go"},
			},
			"required": []string{"pattern"},
		},
	}
}

func (h *globHandler) Run(ctx context.Context, input json.RawMessage) (string, error) {
	var in globInput
	if err := json.Unmarshal(input, &in); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}
	if in.Pattern == "" {
		return "", errors.New("pattern is required")
	}

	matches, err := filepath.Glob(filepath.Join(h.root, in.Pattern))
	if err != nil {
		return "", fmt.Errorf("bad pattern %q: %w", in.Pattern, err)
	}

	var b strings.Builder
	count := 0
	for _, m := range matches {
		if count >= maxMatches {
			b.WriteString("... [more matches omitted]\n")
			break
		}
		rel, err := filepath.Rel(h.root, m)
		if err != nil {
			continue
		}
		b.WriteString(rel)
		b.WriteString("\n")
		count++
	}
	if count == 0 {
		return "no matches", nil
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

type grepHandler struct {
	root string
}

type grepInput struct {
	Pattern string `json:"pattern"`
	Path    string `json:"path,omitempty"`
}

func (h *grepHandler) Kind() Kind { return KindGrep }

func (h *grepHandler) Definition() Definition {
	return Definition{
		Name:        NameGrep,
		Description: "Search workspace files for lines matching a regular expression.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"pattern": map[string]any{"type": "string", "description": "Go regular expression"},
				"path":    map[string]any{"type": "string", "description": "Subdirectory to search, defaults to the workspace root"},
			},
			"required": []string{"pattern"},
		},
	}
}

func (h *grepHandler) Run(ctx context.Context, input json.RawMessage) (string, error) {
	var in grepInput
	if err := json.Unmarshal(input, &in); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}
	re, err := regexp.Compile(in.Pattern)
	if err != nil {
		return "", fmt.Errorf("bad pattern %q: %w", in.Pattern, err)
	}

	start := h.root
	if in.Path != "" {
		start, err = resolve(h.root, in.Path)
		if err != nil {
			return "", err
		}
	}

	var b strings.Builder
	count := 0
	walkErr := filepath.WalkDir(start, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if d.Name() == ".git" || d.Name() == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}
		if count >= maxMatches {
			return filepath.SkipAll
		}

		f, err := os.Open(path)
		if err != nil {
			return nil
		}
		defer f.Close()

		rel, err := filepath.Rel(h.root, path)
		if err != nil {
			rel = path
		}

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			if re.MatchString(scanner.Text()) {
				fmt.Fprintf(&b, "%s:%d:%s\n", rel, lineNo, scanner.Text())
				count++
				if count >= maxMatches {
					break
				}
			}
		}
		return nil
	})
	if walkErr != nil && !errors.Is(walkErr, filepath.SkipAll) {
		return "", walkErr
	}

	if count == 0 {
		return "no matches", nil
	}
	out := strings.TrimRight(b.String(), "\n")
	if count >= maxMatches {
		out += "\n... [more matches omitted]"
	}
	return out, nil
}
