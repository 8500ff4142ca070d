package secrets

import (
	"bytes"
	"sort"
)

// Mask replaces secret values in recorded output.
const Mask = "***"

// Redactor masks a fixed set of secret values.
type Redactor struct {
	values [][]byte
}

// NewRedactor creates a redactor for the non-empty values.
func NewRedactor(values ...string) *Redactor {
	r := &Redactor{}
	for _, v := range values {
		if v != "" {
			r.values = append(r.values, []byte(v))
		}
	}
	// Longest first so that a secret containing another is masked whole.
	sort.Slice(r.values, func(i, j int) bool { return len(r.values[i]) > len(r.values[j]) })
	return r
}

// Redact returns p with every secret value replaced by Mask. A secret split
// across two calls is not detected.
func (r *Redactor) Redact(p []byte) []byte {
	if r == nil {
		return p
	}
	for _, v := range r.values {
		if bytes.Contains(p, v) {
			p = bytes.ReplaceAll(p, v, []byte(Mask))
		}
	}
	return p
}
