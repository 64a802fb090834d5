// Package idlist reads property identifiers, one per line.
package idlist

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Options filter the identifiers read.
type Options struct {
	// Prefix keeps only identifiers starting with it. Empty accepts all.
	Prefix string
}

// ReadFile reads identifiers from path.
func ReadFile(path string, opts Options) ([]string, error) {
	f, err := os.Open(path) // #nosec G304 -- operator supplied input path.
	if err != nil {
		return nil, fmt.Errorf("open identifier list: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only

	ids, err := Read(f, opts)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return ids, nil
}

// Read returns trimmed identifiers from r, dropping duplicates while keeping
// first-seen order. Text after '#' is a comment; blank lines are skipped.
func Read(r io.Reader, opts Options) ([]string, error) {
	seen := make(map[string]struct{})
	var ids []string

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimPrefix(scanner.Text(), "\ufeff")
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if opts.Prefix != "" && !strings.HasPrefix(line, opts.Prefix) {
			continue
		}
		if _, dup := seen[line]; dup {
			continue
		}
		seen[line] = struct{}{}
		ids = append(ids, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan identifiers: %w", err)
	}
	return ids, nil
}

// Dedupe removes repeated identifiers, keeping first-seen order.
func Dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
