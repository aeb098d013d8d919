package batch

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileWorkList is a work list kept as a text file with one source reference per line. Blank lines and
// lines starting with # are ignored on load and preserved on rewrite.
type FileWorkList struct {
	path string
	mu   sync.Mutex
}

// NewFileWorkList returns the work list stored at path.
func NewFileWorkList(path string) *FileWorkList {
	return &FileWorkList{path: path}
}

// Path returns the file backing the list.
func (l *FileWorkList) Path() string {
	return l.path
}

// Load returns the references in file order.
func (l *FileWorkList) Load() ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read work list: %w", err)
	}

	var refs []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if ref, ok := entry(sc.Text()); ok {
			refs = append(refs, ref)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan work list: %w", err)
	}
	return refs, nil
}

// Remove drops every line naming ref and atomically rewrites the file. Removing a reference that is not
// listed is not an error.
func (l *FileWorkList) Remove(ref string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.path)
	if err != nil {
		return fmt.Errorf("failed to read work list: %w", err)
	}

	var out bytes.Buffer
	removed := false
	for _, line := range strings.SplitAfter(string(data), "\n") {
		if line == "" {
			continue
		}
		if got, ok := entry(line); ok && got == ref {
			removed = true
			continue
		}
		out.WriteString(line)
	}
	if !removed {
		return nil
	}

	return writeAtomic(l.path, out.Bytes())
}

func entry(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", false
	}
	return line, true
}

// writeAtomic replaces path with data through a temp file in the same directory, keeping the file mode
// of an existing file.
func writeAtomic(path string, data []byte) error {
	mode := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	cleanup = false

	return nil
}
