// Package labels maps predicted class indices to human-readable labels.
package labels

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Format selects how a label line is read.
type Format string

const (
	// FormatPlain uses the whole trimmed line as the label.
	FormatPlain Format = "plain"
	// FormatSynset drops the leading identifier token, as in "n01440764 tench".
	FormatSynset Format = "synset"
)

// ParseFormat validates a configured format name; empty means FormatPlain.
func ParseFormat(name string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(name))) {
	case "", FormatPlain:
		return FormatPlain, nil
	case FormatSynset:
		return FormatSynset, nil
	}
	return "", fmt.Errorf("unknown label format %q", name)
}

// ErrLabelLookup matches every LabelLookupError with errors.Is.
var ErrLabelLookup = errors.New("label lookup failed")

// LabelLookupError reports a predicted index with no label behind it.
type LabelLookupError struct {
	Index int
	Size  int
}

func (e *LabelLookupError) Error() string {
	return fmt.Sprintf("predicted class %d has no label (valid range 1..%d)", e.Index, e.Size-1)
}

// Is reports whether target is ErrLabelLookup.
func (e *LabelLookupError) Is(target error) bool { return target == ErrLabelLookup }

// Table is an immutable index to label mapping. Index 0 is a reserved
// placeholder and never a valid prediction. It is safe for concurrent reads.
type Table struct {
	entries []string
}

// New builds a table whose index k (k >= 1) is names[k-1].
func New(names ...string) *Table {
	entries := make([]string, 0, len(names)+1)
	entries = append(entries, "")
	entries = append(entries, names...)
	return &Table{entries: entries}
}

// Load reads a label file.
func Load(path string, format Format) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open label file: %w", err)
	}
	defer f.Close()

	table, err := Parse(f, format)
	if err != nil {
		return nil, fmt.Errorf("read label file %s: %w", path, err)
	}
	return table, nil
}

// Parse reads one label per non-blank line; blank lines are skipped so the
// k-th label line becomes index k.
func Parse(r io.Reader, format Format) (*Table, error) {
	var names []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if format == FormatSynset {
			if _, rest, ok := strings.Cut(line, " "); ok {
				line = strings.TrimSpace(rest)
			} else if _, rest, ok := strings.Cut(line, "\t"); ok {
				line = strings.TrimSpace(rest)
			}
		}
		names = append(names, line)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, errors.New("no labels found")
	}
	return New(names...), nil
}

// Len counts entries including the placeholder at index 0.
func (t *Table) Len() int {
	return len(t.entries)
}

// Lookup returns the label for a predicted index.
func (t *Table) Lookup(index int) (string, error) {
	if index <= 0 || index >= len(t.entries) {
		return "", &LabelLookupError{Index: index, Size: len(t.entries)}
	}
	return t.entries[index], nil
}

// Labels returns a copy of the labels for indices 1..Len()-1.
func (t *Table) Labels() []string {
	return append([]string(nil), t.entries[1:]...)
}
