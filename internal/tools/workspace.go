package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Workspace confines filesystem operations to a root directory. All
// tool paths resolve against the root and are rejected if they escape
// it. Not a sandbox — a deliberate guardrail, nothing more.
type Workspace struct {
	root string
}

// NewWorkspace creates a workspace rooted at the given directory.
func NewWorkspace(root string) *Workspace {
	return &Workspace{root: root}
}

// Root returns the workspace root directory.
func (w *Workspace) Root() string {
	return w.root
}

// Resolve converts a tool-supplied path to an absolute path inside the
// workspace, or errors when the path would escape it.
func (w *Workspace) Resolve(path string) (string, error) {
	if w.root == "" {
		return "", fmt.Errorf("workspace not configured")
	}

	rootAbs, err := filepath.Abs(w.root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace: %w", err)
	}

	var abs string
	if filepath.IsAbs(path) {
		abs = filepath.Clean(path)
	} else {
		abs = filepath.Clean(filepath.Join(rootAbs, path))
	}

	rel, err := filepath.Rel(rootAbs, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}

	return abs, nil
}

// readCap bounds file reads returned to the model.
const readCap = 50 * 1024

// RegisterFilesystem adds the filesystem tool operating within the
// workspace.
func (r *Registry) RegisterFilesystem(w *Workspace) {
	r.Register(&Tool{
		Name:        "filesystem",
		Description: "Work with files in the workspace. Operations: read, write, list, mkdir, delete. Paths are relative to the workspace root.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"operation": map[string]any{
					"type":        "string",
					"description": "One of: read, write, list, mkdir, delete",
					"enum":        []string{"read", "write", "list", "mkdir", "delete"},
				},
				"path": map[string]any{
					"type":        "string",
					"description": "File or directory path, relative to the workspace root",
				},
				"content": map[string]any{
					"type":        "string",
					"description": "Content to write (write operation only)",
				},
			},
			"required": []string{"operation", "path"},
		},
		Backgroundable: true,
		Handler:        w.handle,
	})
}

func (w *Workspace) handle(ctx context.Context, args map[string]any) (string, error) {
	op, _ := args["operation"].(string)
	path, _ := args["path"].(string)
	if op == "" || path == "" {
		return "", fmt.Errorf("operation and path are required")
	}

	abs, err := w.Resolve(path)
	if err != nil {
		return "", err
	}

	switch op {
	case "read":
		return w.read(abs, path)
	case "write":
		content, _ := args["content"].(string)
		return w.write(abs, path, content)
	case "list":
		return w.list(abs, path)
	case "mkdir":
		if err := os.MkdirAll(abs, 0755); err != nil {
			return "", fmt.Errorf("mkdir %s: %w", path, err)
		}
		return fmt.Sprintf("Created directory %s", path), nil
	case "delete":
		if err := os.Remove(abs); err != nil {
			if os.IsNotExist(err) {
				return "", fmt.Errorf("not found: %s", path)
			}
			return "", fmt.Errorf("delete %s: %w", path, err)
		}
		return fmt.Sprintf("Deleted %s", path), nil
	default:
		return "", fmt.Errorf("unknown operation: %s", op)
	}
}

func (w *Workspace) read(abs, path string) (string, error) {
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("file not found: %s", path)
		}
		return "", fmt.Errorf("read %s: %w", path, err)
	}

	content := string(data)
	if len(content) > readCap {
		content = content[:readCap] + "\n\n[... truncated ...]"
	}
	return content, nil
}

func (w *Workspace) write(abs, path, content string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return "", fmt.Errorf("create parent directory: %w", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return fmt.Sprintf("Wrote %d bytes to %s", len(content), path), nil
}

func (w *Workspace) list(abs, path string) (string, error) {
	entries, err := os.ReadDir(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("directory not found: %s", path)
		}
		return "", fmt.Errorf("list %s: %w", path, err)
	}

	if len(entries) == 0 {
		return fmt.Sprintf("%s is empty", path), nil
	}

	var sb strings.Builder
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		sb.WriteString(name)
		sb.WriteByte('\n')
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}
