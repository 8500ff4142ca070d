package source

import (
	"regexp"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var filenamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,40}$`)

// TestPropertyFilenameIsShortAndSafe verifies every stamp filename is a short
// filename-safe string, whatever the version looks like.
func TestPropertyFilenameIsShortAndSafe(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("filename is short and filename-safe", prop.ForAll(
		func(repo, version string) bool {
			name := NewRevision(repo, version).Filename()
			return filenamePattern.MatchString(name) && name != "." && name != ".."
		},
		gen.AnyString(),
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

// TestPropertyDistinctVersionsHaveDistinctFilenames verifies distinct versions
// of one repository never share a filename.
func TestPropertyDistinctVersionsHaveDistinctFilenames(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("distinct versions map to distinct filenames", prop.ForAll(
		func(a, b string) bool {
			if a == b {
				return true
			}
			return NewRevision("repo", a).Filename() != NewRevision("repo", b).Filename()
		},
		gen.OneGenOf(gen.AlphaString(), gen.AnyString()),
		gen.OneGenOf(gen.AlphaString(), gen.AnyString()),
	))

	properties.TestingRun(t)
}

// TestPropertyEqualIgnoresDetail verifies equality depends on repository and
// version only.
func TestPropertyEqualIgnoresDetail(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("equal iff same repository and version", prop.ForAll(
		func(repo, v1, v2, detail string) bool {
			a := NewRevision(repo, v1)
			b := Revision{Repository: repo, Version: v2, Detail: detail}
			return a.Equal(b) == (v1 == v2) && a.Equal(&b) == (v1 == v2)
		},
		gen.AlphaString(),
		gen.OneConstOf("a", "b"),
		gen.OneConstOf("a", "b"),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func TestFilenameUsesNaturalVersion(t *testing.T) {
	sha := "3f786850e387550fdab836ed7e6dc881de23001b"
	if got := NewRevision("app", sha).Filename(); got != sha {
		t.Errorf("Filename() = %q, want %q", got, sha)
	}

	long := strings.Repeat("a", 41)
	if got := NewRevision("app", long).Filename(); got == long || len(got) != 40 {
		t.Errorf("Filename() for long version = %q, want 40 hex chars", got)
	}

	if got := NewRevision("app", "..").Filename(); got == ".." {
		t.Error("Filename() must not return a path traversal segment")
	}
}

func TestDescription(t *testing.T) {
	tests := []struct {
		rev  Revision
		want string
	}{
		{Revision{Version: "42"}, "42"},
		{Revision{Repository: "app", Version: "42"}, "app@42"},
		{Revision{Repository: "app", Version: "42", Detail: "tag v1"}, "app@42 (tag v1)"},
	}
	for _, tt := range tests {
		if got := tt.rev.Description(); got != tt.want {
			t.Errorf("Description() = %q, want %q", got, tt.want)
		}
	}
}

type otherStamp struct{}

func (otherStamp) Description() string { return "other" }
func (otherStamp) Filename() string    { return "other" }
func (otherStamp) Equal(Stamp) bool    { return false }

func TestEqualRejectsForeignStamps(t *testing.T) {
	if NewRevision("", "other").Equal(otherStamp{}) {
		t.Error("Revision must not equal a foreign stamp type")
	}
	var nilRev *Revision
	if NewRevision("", "").Equal(nilRev) {
		t.Error("Revision must not equal a nil *Revision")
	}
}
