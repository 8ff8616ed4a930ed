package descriptor

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseError describes a failure to parse a single definition document.
// A ParseError is isolated to its document; batch loading continues past it.
type ParseError struct {
	Path   string
	Reason string
}

func (e *ParseError) Error() string {
	if e.Path == "" {
		return "parse failure: " + e.Reason
	}
	return fmt.Sprintf("parse failure in %s: %s", e.Path, e.Reason)
}

// header is the machine-parsable block at the top of a definition document.
// The capabilities and collaborators fields accept both YAML lists and
// comma-separated strings.
type header struct {
	Name          string    `yaml:"name"`
	Description   string    `yaml:"description"`
	Model         string    `yaml:"model"`
	Color         string    `yaml:"color"`
	Role          string    `yaml:"role"`
	Capabilities  stringSet `yaml:"capabilities"`
	Collaborators stringSet `yaml:"collaborators"`
}

// stringSet decodes either a YAML sequence or a comma-separated scalar.
type stringSet []string

func (s *stringSet) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		*s = items
		return nil
	case yaml.ScalarNode:
		var raw string
		if err := node.Decode(&raw); err != nil {
			return err
		}
		*s = strings.Split(raw, ",")
		return nil
	default:
		return fmt.Errorf("line %d: expected list or comma-separated string", node.Line)
	}
}

const headerDelimiter = "---"

// Parse extracts a Descriptor from a definition document. The document must
// begin with a ----delimited header block; everything after the closing
// delimiter is prose and is ignored.
func Parse(input string) (*Descriptor, error) {
	block, err := extractHeader(input)
	if err != nil {
		return nil, err
	}

	var h header
	if err := yaml.Unmarshal([]byte(block), &h); err != nil {
		return nil, &ParseError{Reason: fmt.Sprintf("malformed header block: %v", err)}
	}

	if strings.TrimSpace(h.Name) == "" {
		return nil, &ParseError{Reason: "missing required field: name"}
	}
	if strings.TrimSpace(h.Description) == "" {
		return nil, &ParseError{Reason: "missing required field: description"}
	}

	d := &Descriptor{
		Name:          strings.TrimSpace(h.Name),
		Description:   strings.TrimSpace(h.Description),
		Model:         strings.TrimSpace(h.Model),
		Color:         strings.TrimSpace(h.Color),
		Role:          ParseRole(h.Role),
		Capabilities:  normalizeSet(h.Capabilities),
		Collaborators: normalizeSet(h.Collaborators),
	}
	return d, nil
}

// ParseFile parses the document at path, recording the source path on the
// descriptor and on any parse error.
func ParseFile(path string, content []byte) (*Descriptor, error) {
	d, err := Parse(string(content))
	if err != nil {
		if pe, ok := err.(*ParseError); ok {
			pe.Path = path
		}
		return nil, err
	}
	d.SourcePath = path
	return d, nil
}

// extractHeader returns the text between the opening and closing delimiters.
func extractHeader(input string) (string, error) {
	trimmed := strings.TrimLeft(input, " \t\r\n")
	if !strings.HasPrefix(trimmed, headerDelimiter) {
		return "", &ParseError{Reason: "missing header block delimiter"}
	}

	rest := trimmed[len(headerDelimiter):]
	// The opening delimiter must be alone on its line.
	nl := strings.IndexByte(rest, '\n')
	if nl < 0 || strings.TrimSpace(rest[:nl]) != "" {
		return "", &ParseError{Reason: "malformed header block delimiter"}
	}
	rest = rest[nl+1:]

	for _, candidate := range []string{"\n" + headerDelimiter + "\n", "\n" + headerDelimiter + "\r\n"} {
		if idx := strings.Index(rest, candidate); idx >= 0 {
			return rest[:idx], nil
		}
	}
	// Closing delimiter at end of input without trailing newline.
	if strings.HasSuffix(rest, "\n"+headerDelimiter) {
		return strings.TrimSuffix(rest, "\n"+headerDelimiter), nil
	}
	if idx := strings.Index(rest, headerDelimiter); idx == 0 {
		// Empty header block.
		return "", &ParseError{Reason: "empty header block"}
	}
	return "", &ParseError{Reason: "unterminated header block"}
}
