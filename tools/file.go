/*
This file implements the FileTool, which gives the backend read and write
access to the local file system on behalf of the user.

Supported operations:
- read: return the content of a file (capped at maxReadBytes)
- write: create or replace a file, creating parent directories
- list: list the entries of a directory
- exists: report whether a path exists and what kind of entry it is

Relative paths are resolved against the tool's working directory. Failures are
returned as errors so the caller can report them as error tool results.
*/
package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
)

// fileLogger provides structured logging for all file operations
// with a consistent tool identifier for easy filtering.
var fileLogger = logrus.WithField("tool", "file")

// maxReadBytes bounds how much of a single file is returned to the backend.
const maxReadBytes = 512 * 1024

// FileTool provides file system operations rooted at a working directory.
type FileTool struct {
	workingDir string // Directory relative paths are resolved against
}

// FileEntry describes one directory entry in a list result.
type FileEntry struct {
	Name  string `json:"name"`
	Dir   bool   `json:"dir"`
	Size  int64  `json:"size"`
	Mode  string `json:"mode"`
}

// FileResult is the value produced by the file tool. Fields are populated
// according to the operation performed.
type FileResult struct {
	Op        string      `json:"op"`
	Path      string      `json:"path"`
	Content   *string     `json:"content,omitempty"`
	Truncated bool        `json:"truncated,omitempty"`
	Bytes     int         `json:"bytes,omitempty"`
	Entries   []FileEntry `json:"entries,omitempty"`
	Exists    *bool       `json:"exists,omitempty"`
	Dir       bool        `json:"dir,omitempty"`
}

// NewFileTool creates a new instance of the file operations tool.
//
// Parameters:
//   - workingDir: Directory used to resolve relative paths
//
// Returns:
//   - *FileTool: Configured file tool ready for use
func NewFileTool(workingDir string) *FileTool {
	fileLogger.WithField("workingDir", workingDir).Debug("Initializing file tool")
	return &FileTool{workingDir: workingDir}
}

// Name returns the identifier for this tool.
func (f *FileTool) Name() string {
	return "file"
}

// Description returns a description of the file tool's capabilities.
func (f *FileTool) Description() string {
	return "File operations. Arguments: op (read, write, list or exists), path (string), content (string, required for write)."
}

// Schema returns the JSON schema of the argument object.
func (f *FileTool) Schema() []byte {
	return []byte(`{
  "type": "object",
  "properties": {
    "op": {"type": "string", "enum": ["read", "write", "list", "exists"]},
    "path": {"type": "string", "minLength": 1},
    "content": {"type": "string"}
  },
  "required": ["op", "path"]
}`)
}

// Invoke executes a file operation.
//
// Parameters:
//   - ctx: Context for cancellation
//   - args: Decoded arguments matching Schema
//
// Returns:
//   - any: FileResult describing the outcome
//   - error: Non-nil when the operation failed
func (f *FileTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	op, _ := stringArg(args, "op")
	path, _ := stringArg(args, "path")
	toolLogger := fileLogger.WithFields(logrus.Fields{"op": op, "path": path})
	toolLogger.Info("File tool called")
	startTime := time.Now()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	targetPath := f.resolve(path)

	var (
		result FileResult
		err    error
	)
	switch op {
	case "read":
		result, err = f.read(targetPath)
	case "write":
		content, ok := stringArg(args, "content")
		if !ok {
			return nil, fmt.Errorf("content is required for write")
		}
		result, err = f.write(targetPath, content)
	case "list":
		result, err = f.list(targetPath)
	case "exists":
		result, err = f.exists(targetPath)
	default:
		return nil, fmt.Errorf("unsupported file operation %q", op)
	}

	if err != nil {
		toolLogger.WithError(err).Warn("File operation failed")
		return nil, err
	}

	result.Op = op
	result.Path = targetPath
	toolLogger.WithField("executionTime", time.Since(startTime)).Info("File operation completed")
	return result, nil
}

// resolve joins relative paths onto the working directory.
func (f *FileTool) resolve(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(f.workingDir, path)
}

func (f *FileTool) read(path string) (FileResult, error) {
	file, err := os.Open(path)
	if err != nil {
		return FileResult{}, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return FileResult{}, fmt.Errorf("failed to stat file: %w", err)
	}
	if info.IsDir() {
		return FileResult{}, fmt.Errorf("%s is a directory", path)
	}

	data, err := io.ReadAll(io.LimitReader(file, maxReadBytes+1))
	if err != nil {
		return FileResult{}, fmt.Errorf("failed to read file: %w", err)
	}

	truncated := len(data) > maxReadBytes
	if truncated {
		data = data[:maxReadBytes]
	}
	content := string(data)
	return FileResult{Content: &content, Truncated: truncated, Bytes: len(data)}, nil
}

func (f *FileTool) write(path, content string) (FileResult, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return FileResult{}, fmt.Errorf("failed to create parent directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return FileResult{}, fmt.Errorf("failed to write file: %w", err)
	}
	return FileResult{Bytes: len(content)}, nil
}

func (f *FileTool) list(path string) (FileResult, error) {
	dirEntries, err := os.ReadDir(path)
	if err != nil {
		return FileResult{}, fmt.Errorf("failed to list directory: %w", err)
	}

	entries := make([]FileEntry, 0, len(dirEntries))
	for _, de := range dirEntries {
		info, err := de.Info()
		if err != nil {
			continue
		}
		entries = append(entries, FileEntry{
			Name: de.Name(),
			Dir:  de.IsDir(),
			Size: info.Size(),
			Mode: info.Mode().String(),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return FileResult{Entries: entries, Dir: true}, nil
}

func (f *FileTool) exists(path string) (FileResult, error) {
	info, err := os.Stat(path)
	found := err == nil
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return FileResult{}, fmt.Errorf("failed to stat path: %w", err)
	}
	result := FileResult{Exists: &found}
	if found {
		result.Dir = info.IsDir()
	}
	return result, nil
}

var _ Tool = (*FileTool)(nil)
