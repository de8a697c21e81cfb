/*
This file implements the GrepTool, which searches file contents under the
working directory with a regular expression.

Behavior:
- A file target is searched directly; a directory target is walked recursively
- Binary files and paths matched by the root's .gitignore are skipped
- Hidden directories (.git, .cache, ...) are not descended into
- Results stop at a configurable match limit and report truncation
*/
package tools

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	ignore "github.com/sabhiram/go-gitignore"
	"github.com/sirupsen/logrus"
)

// grepLogger provides structured logging for all grep operations
// with a consistent tool identifier for easy filtering and monitoring
var grepLogger = logrus.WithField("tool", "grep")

const (
	defaultGrepLimit = 100
	maxGrepLimit     = 1000
	maxGrepLineBytes = 1 << 20
)

// GrepMatch is one matching line.
type GrepMatch struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

// GrepResult is the value produced by the grep tool.
type GrepResult struct {
	Pattern   string      `json:"pattern"`
	Matches   []GrepMatch `json:"matches"`
	Files     int         `json:"filesSearched"`
	Truncated bool        `json:"truncated,omitempty"`
}

// GrepTool searches text files below a working directory.
type GrepTool struct {
	workingDir string // Base directory for relative path resolution
}

// NewGrepTool creates a new instance of the text search tool.
//
// Parameters:
//   - workingDir: Base directory for relative path resolution
//
// Returns:
//   - *GrepTool: Configured grep tool ready for use
func NewGrepTool(workingDir string) *GrepTool {
	grepLogger.WithField("workingDir", workingDir).Debug("Initializing grep tool")
	return &GrepTool{workingDir: workingDir}
}

// Name returns the identifier for this tool.
func (g *GrepTool) Name() string {
	return "grep"
}

// Description returns a description of the grep tool's capabilities.
func (g *GrepTool) Description() string {
	return "Search file contents with a regular expression. Arguments: pattern (RE2 syntax), path (file or directory, optional, default working directory), ignoreCase (bool, optional), limit (max matches, optional, default 100)."
}

// Schema returns the JSON schema of the argument object.
func (g *GrepTool) Schema() []byte {
	return []byte(`{
  "type": "object",
  "properties": {
    "pattern": {"type": "string", "minLength": 1},
    "path": {"type": "string"},
    "ignoreCase": {"type": "boolean"},
    "limit": {"type": "integer", "minimum": 1, "maximum": 1000}
  },
  "required": ["pattern"]
}`)
}

// Invoke runs a search.
//
// Parameters:
//   - ctx: Context for cancellation; checked between files
//   - args: Decoded arguments matching Schema
//
// Returns:
//   - any: GrepResult with the matching lines
//   - error: Non-nil for an invalid pattern, a missing target or cancellation
func (g *GrepTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	pattern, _ := stringArg(args, "pattern")
	path, _ := stringArg(args, "path")
	toolLogger := grepLogger.WithFields(logrus.Fields{
		"pattern":    pattern,
		"path":       path,
		"workingDir": g.workingDir,
	})
	toolLogger.Info("Grep tool called")
	startTime := time.Now()

	expr := pattern
	if ignoreCase, _ := args["ignoreCase"].(bool); ignoreCase {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		toolLogger.WithError(err).Warn("Invalid search pattern")
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}

	limit := defaultGrepLimit
	if n, err := numberArg(args, "limit"); err == nil && n >= 1 {
		limit = min(int(n), maxGrepLimit)
	}

	target := g.workingDir
	if path != "" {
		target = path
		if !filepath.IsAbs(target) {
			target = filepath.Join(g.workingDir, target)
		}
	}
	info, err := os.Stat(target)
	if err != nil {
		toolLogger.WithError(err).Warn("Search target not found")
		return nil, fmt.Errorf("failed to stat %s: %w", target, err)
	}

	result := GrepResult{Pattern: pattern, Matches: []GrepMatch{}}
	if !info.IsDir() {
		result.Files = 1
		result.Truncated, err = g.searchFile(target, g.workingDir, re, limit, &result)
	} else {
		err = g.searchDir(ctx, target, re, limit, &result)
	}
	if err != nil {
		toolLogger.WithError(err).Error("Search failed")
		return nil, err
	}

	toolLogger.WithFields(logrus.Fields{
		"matches":       len(result.Matches),
		"filesSearched": result.Files,
		"truncated":     result.Truncated,
		"executionTime": time.Since(startTime),
	}).Info("Grep completed")
	return result, nil
}

func (g *GrepTool) searchDir(ctx context.Context, root string, re *regexp.Regexp, limit int, result *GrepResult) error {
	var gitignore *ignore.GitIgnore
	if gi, err := ignore.CompileIgnoreFile(filepath.Join(root, ".gitignore")); err == nil {
		gitignore = gi
	}

	errLimit := fmt.Errorf("limit reached")
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable entries are skipped rather than failing the search.
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		rel, _ := filepath.Rel(root, path)
		if d.IsDir() {
			if path != root && (strings.HasPrefix(d.Name(), ".") || (gitignore != nil && gitignore.MatchesPath(rel+"/"))) {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || (gitignore != nil && gitignore.MatchesPath(rel)) {
			return nil
		}

		result.Files++
		truncated, err := g.searchFile(path, root, re, limit, result)
		if err != nil {
			grepLogger.WithError(err).WithField("path", path).Debug("Skipping unreadable file")
			return nil
		}
		if truncated {
			result.Truncated = true
			return errLimit
		}
		return nil
	})
	if err == errLimit {
		return nil
	}
	return err
}

// searchFile appends matches from path. It reports true when the limit was
// reached before the end of the file.
func (g *GrepTool) searchFile(path, base string, re *regexp.Regexp, limit int, result *GrepResult) (bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	head, _ := reader.Peek(512)
	if bytes.IndexByte(head, 0) >= 0 {
		return false, nil
	}

	display := path
	if rel, err := filepath.Rel(base, path); err == nil && !strings.HasPrefix(rel, "..") {
		display = rel
	}

	scanner := bufio.NewScanner(io.LimitReader(reader, maxReadBytes*8))
	scanner.Buffer(make([]byte, 0, 64*1024), maxGrepLineBytes)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if !re.MatchString(text) {
			continue
		}
		if len(result.Matches) >= limit {
			return true, nil
		}
		result.Matches = append(result.Matches, GrepMatch{Path: display, Line: line, Text: text})
	}
	return false, scanner.Err()
}

var _ Tool = (*GrepTool)(nil)
