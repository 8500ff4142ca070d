package validation

import (
	"errors"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// genValidEnvKey generates keys that start with a letter or underscore and
// continue with letters, digits and underscores.
func genValidEnvKey() gopter.Gen {
	first := gen.OneGenOf(gen.AlphaUpperChar(), gen.AlphaLowerChar(), gen.Const('_'))
	rest := gen.SliceOf(gen.OneGenOf(gen.AlphaChar(), gen.NumChar(), gen.Const('_')))
	return gopter.CombineGens(first, rest).Map(func(v []interface{}) string {
		return string(v[0].(rune)) + string(v[1].([]rune))
	}).SuchThat(func(s string) bool { return len(s) <= MaxEnvKeyLength })
}

// genSlaveName generates DNS labels of 1 to 63 characters.
func genSlaveName() gopter.Gen {
	middle := gen.SliceOf(gen.OneGenOf(gen.AlphaLowerChar(), gen.NumChar(), gen.Const('-')))
	last := gen.OneGenOf(gen.AlphaLowerChar(), gen.NumChar())
	return gopter.CombineGens(gen.AlphaLowerChar(), middle, last, gen.Bool()).Map(func(v []interface{}) string {
		if v[3].(bool) {
			return string(v[0].(rune))
		}
		return string(v[0].(rune)) + string(v[1].([]rune)) + string(v[2].(rune))
	}).SuchThat(func(s string) bool { return len(s) <= MaxSlaveNameLength })
}

func TestEnvKeyProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("valid keys are accepted", prop.ForAll(
		func(key string) bool {
			return ValidateEnvKey(key) == nil
		},
		genValidEnvKey(),
	))

	properties.Property("keys starting with a digit are rejected", prop.ForAll(
		func(d rune, key string) bool {
			return ValidateEnvKey(string(d)+key) != nil
		},
		gen.NumChar(),
		genValidEnvKey(),
	))

	properties.Property("keys with a space are rejected", prop.ForAll(
		func(a, b string) bool {
			return ValidateEnvKey(a+" "+b) != nil
		},
		genValidEnvKey(),
		genValidEnvKey(),
	))

	properties.TestingRun(t)
}

func TestSlaveNameProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("DNS labels are accepted", prop.ForAll(
		func(name string) bool {
			return ValidateSlaveName(name) == nil
		},
		genSlaveName(),
	))

	properties.Property("uppercase names are rejected", prop.ForAll(
		func(name string) bool {
			return ValidateSlaveName(strings.ToUpper(name[:1])+name[1:]) != nil
		},
		genSlaveName(),
	))

	properties.TestingRun(t)
}

func TestValidateSlaveName(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"local-1", true},
		{"a", true},
		{"", false},
		{"-linux", false},
		{"linux-", false},
		{"1linux", false},
		{"linux_1", false},
		{"Linux", false},
		{strings.Repeat("a", 64), false},
	}
	for _, tt := range tests {
		err := ValidateSlaveName(tt.name)
		if (err == nil) != tt.valid {
			t.Errorf("ValidateSlaveName(%q) = %v, want valid=%v", tt.name, err, tt.valid)
		}
	}
}

func TestValidateEnv(t *testing.T) {
	if err := ValidateEnv(map[string]string{"GREETING": "hello", "_X1": ""}); err != nil {
		t.Errorf("ValidateEnv of valid entries = %v", err)
	}

	err := ValidateEnv(map[string]string{"OK": "1", "BAD-KEY": "2"})
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "BAD-KEY" {
		t.Errorf("ValidateEnv with a bad key = %v, want a ValidationError for BAD-KEY", err)
	}

	big := strings.Repeat("x", MaxEnvValueLength+1)
	if err := ValidateEnv(map[string]string{"BIG": big}); err == nil {
		t.Error("ValidateEnv accepted an oversized value")
	}

	if err := ValidateEnvKey(strings.Repeat("A", MaxEnvKeyLength+1)); err == nil {
		t.Error("ValidateEnvKey accepted an oversized key")
	}
}
