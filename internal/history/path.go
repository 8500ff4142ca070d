package history

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultMaxDepth is the default limit on ID path length, project included.
const DefaultMaxDepth = 64

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9._~-]+$`)

// ValidateKey checks that key is usable as a URL path segment.
func ValidateKey(key string) error {
	if key == "." || key == ".." || !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// Path is an ID path: a project name followed by child keys.
type Path []string

// ParsePath parses a slash separated ID path. Leading and trailing slashes
// are ignored.
func ParsePath(s string) (Path, error) {
	s = strings.Trim(s, "/")
	if s == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidKey)
	}
	p := Path(strings.Split(s, "/"))
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks every segment.
func (p Path) Validate() error {
	if len(p) == 0 {
		return fmt.Errorf("%w: empty path", ErrInvalidKey)
	}
	for _, key := range p {
		if err := ValidateKey(key); err != nil {
			return err
		}
	}
	return nil
}

// String returns the slash separated form.
func (p Path) String() string {
	return strings.Join(p, "/")
}

// Project returns the project name.
func (p Path) Project() string {
	if len(p) == 0 {
		return ""
	}
	return p[0]
}

// Parent returns the path without its last segment.
func (p Path) Parent() Path {
	if len(p) == 0 {
		return nil
	}
	return p[: len(p)-1 : len(p)-1]
}

// Child returns a new path extended by key.
func (p Path) Child(key string) Path {
	out := make(Path, len(p)+1)
	copy(out, p)
	out[len(p)] = key
	return out
}

// Equal reports whether both paths have the same segments.
func (p Path) Equal(other Path) bool {
	if len(p) != len(other) {
		return false
	}
	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}
	return true
}

// HasPrefix reports whether prefix is p or one of its ancestors.
func (p Path) HasPrefix(prefix Path) bool {
	return len(prefix) <= len(p) && p[:len(prefix)].Equal(prefix)
}
