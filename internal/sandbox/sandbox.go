// ABOUTME: Confined executor for agent tool calls: shell, file read/write, glob search
// ABOUTME: All failures come back as result strings because the consumer is the model

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Tool is a closed set of sandbox operations. Each implementation carries
// its own typed arguments; dispatch in Execute is exhaustive.
type Tool interface {
	toolName() string
}

// Bash runs a shell command under the agent's working directory.
type Bash struct {
	Command string
}

// ReadFile reads a file relative to the working directory.
type ReadFile struct {
	Path string
}

// WriteFile creates or overwrites a file relative to the working directory,
// creating parent directories as needed.
type WriteFile struct {
	Path    string
	Content string
}

// SearchFiles glob-matches files under workdir/subpath.
type SearchFiles struct {
	Pattern string
	Subpath string
}

func (Bash) toolName() string        { return "bash" }
func (ReadFile) toolName() string    { return "read_file" }
func (WriteFile) toolName() string   { return "write_file" }
func (SearchFiles) toolName() string { return "search_files" }

// ParseTool converts a model-supplied tool name and argument map into a
// typed Tool. Unknown names or missing arguments return an error the caller
// feeds back to the model as text.
func ParseTool(name string, args map[string]any) (Tool, error) {
	str := func(key string) string {
		s, _ := args[key].(string)
		return s
	}

	switch name {
	case "bash":
		if str("command") == "" {
			return nil, fmt.Errorf("bash requires a command argument")
		}
		return Bash{Command: str("command")}, nil
	case "read_file":
		if str("path") == "" {
			return nil, fmt.Errorf("read_file requires a path argument")
		}
		return ReadFile{Path: str("path")}, nil
	case "write_file":
		if str("path") == "" {
			return nil, fmt.Errorf("write_file requires a path argument")
		}
		return WriteFile{Path: str("path"), Content: str("content")}, nil
	case "search_files":
		if str("pattern") == "" {
			return nil, fmt.Errorf("search_files requires a pattern argument")
		}
		return SearchFiles{Pattern: str("pattern"), Subpath: str("subpath")}, nil
	default:
		return nil, fmt.Errorf("unknown tool %q", name)
	}
}

// Name returns the wire name of a tool.
func Name(tool Tool) string {
	return tool.toolName()
}

// Sandbox executes tools confined to a working directory.
type Sandbox struct {
	bashTimeout time.Duration
	logger      *slog.Logger
}

// New creates a Sandbox with the given shell timeout.
func New(bashTimeout time.Duration) *Sandbox {
	return &Sandbox{
		bashTimeout: bashTimeout,
		logger:      slog.Default().With("component", "sandbox"),
	}
}

// Execute runs a tool under workdir and returns its result as text. Errors
// are folded into the result string; Execute only returns a Go error when
// the tool value itself is of an unknown type.
func (s *Sandbox) Execute(ctx context.Context, tool Tool, workdir string) (string, error) {
	s.logger.Debug("executing tool", "tool", tool.toolName(), "workdir", workdir)

	switch t := tool.(type) {
	case Bash:
		return s.runBash(ctx, t, workdir), nil
	case ReadFile:
		return s.readFile(t, workdir), nil
	case WriteFile:
		return s.writeFile(t, workdir), nil
	case SearchFiles:
		return s.searchFiles(t, workdir), nil
	default:
		return "", fmt.Errorf("unhandled tool type %T", tool)
	}
}

func (s *Sandbox) runBash(ctx context.Context, t Bash, workdir string) string {
	cmdCtx, cancel := context.WithTimeout(ctx, s.bashTimeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", t.Command)
	cmd.Dir = workdir

	output, err := cmd.CombinedOutput()
	if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) {
		s.logger.Warn("command timed out", "command", t.Command, "timeout", s.bashTimeout)
		return fmt.Sprintf("Command timed out after %s", s.bashTimeout)
	}
	if err != nil {
		// Exit failures still carry the output the model needs to recover.
		return fmt.Sprintf("Command failed: %v\n%s", err, output)
	}
	return string(output)
}

func (s *Sandbox) readFile(t ReadFile, workdir string) string {
	path, err := s.confine(t.Path, workdir)
	if err != nil {
		return err.Error()
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return fmt.Sprintf("File not found: %s", t.Path)
	}
	if err != nil {
		return fmt.Sprintf("Error reading file: %v", err)
	}
	return string(data)
}

func (s *Sandbox) writeFile(t WriteFile, workdir string) string {
	path, err := s.confine(t.Path, workdir)
	if err != nil {
		return err.Error()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Sprintf("Error creating directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(t.Content), 0644); err != nil {
		return fmt.Sprintf("Error writing file: %v", err)
	}
	return fmt.Sprintf("File written successfully: %s", t.Path)
}

func (s *Sandbox) searchFiles(t SearchFiles, workdir string) string {
	root, err := s.confine(t.Subpath, workdir)
	if err != nil {
		return err.Error()
	}

	matches, err := filepath.Glob(filepath.Join(root, t.Pattern))
	if err != nil {
		return fmt.Sprintf("Invalid pattern: %v", err)
	}
	if len(matches) == 0 {
		return "No files found"
	}

	// Report paths relative to the working directory.
	rel := make([]string, 0, len(matches))
	for _, match := range matches {
		r, err := filepath.Rel(workdir, match)
		if err != nil {
			r = match
		}
		rel = append(rel, r)
	}
	sort.Strings(rel)
	return strings.Join(rel, "\n")
}

// confine resolves path under workdir and rejects escapes. Absolute paths
// are allowed as long as they stay inside the working directory.
func (s *Sandbox) confine(path, workdir string) (string, error) {
	resolved := path
	if !filepath.IsAbs(path) {
		resolved = filepath.Join(workdir, path)
	}
	absWorkdir, err := filepath.Abs(workdir)
	if err != nil {
		return "", fmt.Errorf("Error resolving path: %v", err)
	}
	absResolved, err := filepath.Abs(resolved)
	if err != nil {
		return "", fmt.Errorf("Error resolving path: %v", err)
	}
	if absResolved != absWorkdir && !strings.HasPrefix(absResolved, absWorkdir+string(filepath.Separator)) {
		return "", fmt.Errorf("Path escapes working directory: %s", path)
	}
	return absResolved, nil
}
