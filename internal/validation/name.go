package validation

import (
	"regexp"
	"sort"
)

// dnsLabelRegex validates DNS label format:
// - Must start with a lowercase letter
// - Can contain lowercase letters, numbers, and hyphens
// - Must end with a lowercase letter or number
var dnsLabelRegex = regexp.MustCompile(`^[a-z]([a-z0-9-]*[a-z0-9])?$`)

// MaxSlaveNameLength is the maximum length of a slave name.
const MaxSlaveNameLength = 63

// ValidateSlaveName validates that a slave name is a valid DNS label.
func ValidateSlaveName(name string) error {
	if name == "" {
		return &ValidationError{
			Field:   "name",
			Message: "slave name is required",
		}
	}

	if len(name) > MaxSlaveNameLength {
		return &ValidationError{
			Field:   name,
			Message: "slave name must be 63 characters or less",
		}
	}

	if name[0] == '-' || name[len(name)-1] == '-' {
		return &ValidationError{
			Field:   name,
			Message: "slave name cannot start or end with a hyphen",
		}
	}

	if !dnsLabelRegex.MatchString(name) {
		return &ValidationError{
			Field:   name,
			Message: "slave name must be a valid DNS label (lowercase letters, numbers, and hyphens, starting with a letter)",
		}
	}

	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
