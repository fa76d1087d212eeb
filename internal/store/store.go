// Package store persists review-task records and dry-run payloads as
// markdown documents with YAML frontmatter: structured fields live in
// the frontmatter, the rendered review body in the markdown. Writes are
// atomic (temp file + rename) and callers serialize concurrent access
// with the flock helpers.
package store

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/frontmatter"
	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"
)

// Document represents a markdown file with YAML frontmatter.
type Document struct {
	Frontmatter map[string]any
	Body        string
}

// ReadDocument reads a markdown file with YAML frontmatter.
func ReadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading document %s: %w", path, err)
	}

	var matter map[string]any
	body, err := frontmatter.Parse(strings.NewReader(string(data)), &matter)
	if err != nil {
		// If no frontmatter, entire content is the body.
		// Log at debug level since this is common for plain markdown files.
		slog.Debug("no frontmatter found in document", "path", path, "error", err)
		return &Document{
			Frontmatter: make(map[string]any),
			Body:        string(data),
		}, nil
	}

	return &Document{
		Frontmatter: matter,
		Body:        string(body),
	}, nil
}

// WriteDocument writes a markdown file with YAML frontmatter.
func WriteDocument(path string, doc *Document) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", path, err)
	}

	var buf bytes.Buffer

	// Write frontmatter if non-empty
	if len(doc.Frontmatter) > 0 {
		buf.WriteString("---\n")
		fm, err := yaml.Marshal(doc.Frontmatter)
		if err != nil {
			return fmt.Errorf("marshaling frontmatter: %w", err)
		}
		buf.Write(fm)
		buf.WriteString("---\n\n")
	}

	buf.WriteString(doc.Body)

	return atomicWriteFile(path, buf.Bytes(), 0644)
}

// ReadBody reads just the body of a markdown file (ignoring frontmatter).
func ReadBody(path string) (string, error) {
	doc, err := ReadDocument(path)
	if err != nil {
		return "", err
	}
	return doc.Body, nil
}

// WriteBody writes just a markdown body to a file (no frontmatter).
func WriteBody(path string, body string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", path, err)
	}
	return atomicWriteFile(path, []byte(body), 0644)
}

// atomicWriteFile writes data to a temp file then renames it into place,
// preventing partial writes on crash or disk-full.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Exists checks if a file exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ListDocuments returns the paths of all .md documents directly under
// dir, sorted by name. A missing directory yields an empty list.
func ListDocuments(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing documents in %s: %w", dir, err)
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		paths = append(paths, filepath.Join(dir, entry.Name()))
	}
	return paths, nil
}

// DefaultLockTimeout is how long lock acquisition waits before giving up.
const DefaultLockTimeout = 5 * time.Second

// WithLock runs fn holding an exclusive lock on path.lock. Task and
// dry-run documents are shared between the daemon and CLI processes, so
// every mutation goes through here.
func WithLock(path string, timeout time.Duration, fn func() error) error {
	return withLock(path, timeout, false, fn)
}

// WithReadLock runs fn holding a shared lock on path.lock.
func WithReadLock(path string, timeout time.Duration, fn func() error) error {
	return withLock(path, timeout, true, fn)
}

func withLock(path string, timeout time.Duration, shared bool, fn func() error) error {
	lockPath := path + ".lock"
	fl := flock.New(lockPath)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	try := fl.TryLockContext
	if shared {
		try = fl.TryRLockContext
	}
	locked, err := try(ctx, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("locking %s: %w", lockPath, err)
	}
	if !locked {
		return fmt.Errorf("timed out locking %s", lockPath)
	}
	defer fl.Unlock()

	return fn()
}

// Frontmatter values arrive as whatever the YAML decoder produced; the
// typed getters below absorb the loose typing so callers read fields
// without repeating assertions. Missing or mistyped keys read as zero.

// GetString reads a string field from frontmatter.
func GetString(fm map[string]any, key string) string {
	s, _ := fm[key].(string)
	return s
}

// GetInt reads an integer field, accepting the numeric types YAML and
// JSON round-trips produce.
func GetInt(fm map[string]any, key string) int {
	switch n := fm[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

// GetBool reads a boolean field from frontmatter.
func GetBool(fm map[string]any, key string) bool {
	b, _ := fm[key].(bool)
	return b
}

// GetStringSlice reads a string list, skipping non-string elements.
func GetStringSlice(fm map[string]any, key string) []string {
	arr, ok := fm[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// GetTime reads a timestamp stored either natively or as RFC 3339 text.
func GetTime(fm map[string]any, key string) time.Time {
	switch v := fm[key].(type) {
	case time.Time:
		return v
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t
		}
	}
	return time.Time{}
}

// SetField stores a key-value pair, allocating the map when nil.
func SetField(fm map[string]any, key string, value any) map[string]any {
	if fm == nil {
		fm = make(map[string]any)
	}
	fm[key] = value
	return fm
}

// FormatTime renders a timestamp the way GetTime reads it back.
func FormatTime(t time.Time) string {
	return t.Format(time.RFC3339)
}

// Now returns the current time in frontmatter format.
func Now() string {
	return FormatTime(time.Now())
}
