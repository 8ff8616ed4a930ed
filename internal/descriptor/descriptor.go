// Package descriptor parses worker definition documents into agent descriptors.
package descriptor

import (
	"encoding/json"
	"sort"
	"strings"
)

// Role classifies where an agent sits in the call hierarchy.
type Role int

const (
	// RoleSpecialist is a leaf worker. It may be invoked but never invokes
	// coordinators or the root.
	RoleSpecialist Role = iota
	// RoleCoordinator manages a group of specialists on behalf of the root.
	RoleCoordinator
	// RoleRoot is the unique top-level invoker of a workflow run.
	RoleRoot
)

// String returns a human-readable representation.
func (r Role) String() string {
	switch r {
	case RoleCoordinator:
		return "coordinator"
	case RoleRoot:
		return "root"
	default:
		return "specialist"
	}
}

// MarshalJSON encodes the role by name so persisted snapshots stay readable.
func (r Role) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// UnmarshalJSON decodes a role name.
func (r *Role) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*r = ParseRole(s)
	return nil
}

// ParseRole maps a header value to a Role. Unknown and empty values
// default to specialist.
func ParseRole(s string) Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "coordinator":
		return RoleCoordinator
	case "root":
		return RoleRoot
	default:
		return RoleSpecialist
	}
}

// Descriptor is the parsed metadata of one worker definition document.
// It is immutable once parsed; a changed document produces a new Descriptor.
type Descriptor struct {
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	Model         string   `json:"model,omitempty"`
	Color         string   `json:"color,omitempty"`
	Capabilities  []string `json:"capabilities,omitempty"`
	Role          Role     `json:"role"`
	Collaborators []string `json:"collaborators,omitempty"`

	// SourcePath is the document the descriptor was parsed from.
	SourcePath string `json:"source_path,omitempty"`
}

// HasCapability reports whether the capability set contains c.
func (d *Descriptor) HasCapability(c string) bool {
	for _, have := range d.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Intersects reports whether the capability set shares any element with set.
func (d *Descriptor) Intersects(set ...string) bool {
	for _, c := range set {
		if d.HasCapability(c) {
			return true
		}
	}
	return false
}

// Equal reports whether two descriptors carry identical metadata.
// SourcePath is excluded: the same worker may be re-discovered from a moved file.
func (d *Descriptor) Equal(other *Descriptor) bool {
	if d == nil || other == nil {
		return d == other
	}
	if d.Name != other.Name ||
		d.Description != other.Description ||
		d.Model != other.Model ||
		d.Color != other.Color ||
		d.Role != other.Role {
		return false
	}
	return equalSets(d.Capabilities, other.Capabilities) &&
		equalSets(d.Collaborators, other.Collaborators)
}

// equalSets compares two string slices as sets.
func equalSets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

// normalizeSet trims, lowercases, de-duplicates, and sorts a capability list.
func normalizeSet(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, v := range in {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
