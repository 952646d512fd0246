package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LocalProvider serves files from a root directory. Refs are interpreted
// relative to the root; paths escaping the root are rejected.
type LocalProvider struct {
	root string
}

// NewLocalProvider creates a provider rooted at dir.
func NewLocalProvider(dir string) *LocalProvider {
	return &LocalProvider{root: dir}
}

func (p *LocalProvider) resolve(ref string) (string, error) {
	if p.root == "" {
		return ref, nil
	}
	path := filepath.Join(p.root, filepath.Clean("/"+ref))
	rel, err := filepath.Rel(p.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%w: ref %q escapes source root", ErrNotFound, ref)
	}
	return path, nil
}

func (p *LocalProvider) Open(_ context.Context, ref string) (io.ReadCloser, error) {
	path, err := p.resolve(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, fmt.Errorf("%w: open %s: %v", ErrUnavailable, ref, err)
	}
	return f, nil
}

// CountLines counts data lines (lines after the header) in the file. Local
// files are cheap to scan once, so sizing is always available.
func (p *LocalProvider) CountLines(_ context.Context, ref string) (int64, bool, error) {
	path, err := p.resolve(ref)
	if err != nil {
		return 0, false, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, false, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return 0, false, fmt.Errorf("%w: open %s: %v", ErrUnavailable, ref, err)
	}
	defer f.Close()

	n, err := countDataLines(f)
	if err != nil {
		return 0, false, fmt.Errorf("count lines in %s: %w", ref, err)
	}
	return n, true, nil
}

// countDataLines counts non-empty lines after the first (header) line.
func countDataLines(r io.Reader) (int64, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	var n int64
	first := true
	for sc.Scan() {
		if first {
			first = false
			continue
		}
		if len(strings.TrimSpace(sc.Text())) > 0 {
			n++
		}
	}
	return n, sc.Err()
}
