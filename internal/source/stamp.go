package source

import (
	"encoding/hex"
	"regexp"

	"golang.org/x/crypto/blake2b"
)

// maxNaturalFilename is the longest version string used verbatim as a filename.
const maxNaturalFilename = 40

// filenameSafe matches version strings that can be used verbatim as filenames.
var filenameSafe = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Revision is the Stamp produced by the bundled backends: a repository label
// and the backend's natural version string.
type Revision struct {
	Repository string
	Version    string
	// Detail is optional free text appended to the description.
	Detail string
}

// NewRevision returns a Revision stamp.
func NewRevision(repository, version string) Revision {
	return Revision{Repository: repository, Version: version}
}

// Description implements Stamp.
func (r Revision) Description() string {
	desc := r.Version
	if r.Repository != "" {
		desc = r.Repository + "@" + r.Version
	}
	if r.Detail != "" {
		desc += " (" + r.Detail + ")"
	}
	return desc
}

// Filename implements Stamp. Short filename-safe versions are used verbatim;
// anything else is replaced by a truncated BLAKE2b-256 digest.
func (r Revision) Filename() string {
	if len(r.Version) <= maxNaturalFilename && r.Version != "." && r.Version != ".." &&
		filenameSafe.MatchString(r.Version) {
		return r.Version
	}
	sum := blake2b.Sum256([]byte(r.Repository + "\x00" + r.Version))
	return hex.EncodeToString(sum[:maxNaturalFilename/2])
}

// Equal implements Stamp. Detail does not take part in identity.
func (r Revision) Equal(other Stamp) bool {
	switch o := other.(type) {
	case Revision:
		return r.Repository == o.Repository && r.Version == o.Version
	case *Revision:
		return o != nil && r.Repository == o.Repository && r.Version == o.Version
	default:
		return false
	}
}

// String returns the description.
func (r Revision) String() string {
	return r.Description()
}
