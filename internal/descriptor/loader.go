package descriptor

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Batch is the outcome of loading one discovery directory. Parse failures are
// isolated per document: a malformed file never aborts the batch.
type Batch struct {
	Descriptors []*Descriptor
	Failures    []*ParseError
}

// Names returns the names of successfully parsed descriptors, sorted.
func (b *Batch) Names() []string {
	names := make([]string, 0, len(b.Descriptors))
	for _, d := range b.Descriptors {
		names = append(names, d.Name)
	}
	sort.Strings(names)
	return names
}

// LoadDir loads every definition document in dir (non-recursive). Documents
// are visited in lexical order so duplicate-name resolution is deterministic:
// the first document claiming a name wins, later claimants fail.
func LoadDir(dir string) (*Batch, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading agents directory: %w", err)
	}

	batch := &Batch{}
	seen := make(map[string]string) // name -> source path

	for _, entry := range entries {
		if entry.IsDir() || !isDefinitionFile(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())

		content, err := os.ReadFile(path)
		if err != nil {
			batch.Failures = append(batch.Failures, &ParseError{Path: path, Reason: err.Error()})
			continue
		}

		d, err := ParseFile(path, content)
		if err != nil {
			if pe, ok := err.(*ParseError); ok {
				batch.Failures = append(batch.Failures, pe)
			} else {
				batch.Failures = append(batch.Failures, &ParseError{Path: path, Reason: err.Error()})
			}
			continue
		}

		if prior, dup := seen[d.Name]; dup {
			batch.Failures = append(batch.Failures, &ParseError{
				Path:   path,
				Reason: fmt.Sprintf("duplicate name %q (first defined in %s)", d.Name, prior),
			})
			continue
		}
		seen[d.Name] = path
		batch.Descriptors = append(batch.Descriptors, d)
	}

	return batch, nil
}

// isDefinitionFile reports whether a file name looks like a worker definition
// document. Hidden files and non-markdown files are skipped.
func isDefinitionFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".md" || ext == ".agent"
}
